package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
)

// Patterns stripped from any text that reaches the user. Internal endpoints
// and credentials must never leak into a reply.
var (
	reBearerToken  = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_\.=]+`)
	reAPIKey       = regexp.MustCompile(`(?i)(api[_-]?key|token|secret)["':\s=]+[A-Za-z0-9\-_\.]{8,}`)
	reInternalAddr = regexp.MustCompile(`https?://(?:10\.|192\.168\.|172\.(?:1[6-9]|2[0-9]|3[01])\.|localhost|127\.0\.0\.1)[^\s"']*`)
)

// Controller turns step results into the final user-facing reply.
type Controller struct {
	provider LLMProvider
	logger   *log.Logger
}

// NewController creates a new response controller.
func NewController(provider LLMProvider) *Controller {
	return &Controller{
		provider: provider,
		logger:   log.New(log.Writer(), "[RESPONSE] ", log.LstdFlags),
	}
}

// RespondChat answers a plain conversational turn.
func (c *Controller) RespondChat(ctx context.Context, message string, history []Message) (string, error) {
	systemPrompt := `You are the assistant of a river-basin flood management platform. Answer conversationally and briefly. For operational questions suggest asking about stations, rainfall, forecasts or reservoir operations.`
	var hist strings.Builder
	for _, m := range history {
		fmt.Fprintf(&hist, "%s: %s\n", m.Role, m.Content)
	}
	reply, err := c.provider.Generate(ctx, systemPrompt, hist.String()+"user: "+message)
	if err != nil {
		return "", err
	}
	return Sanitize(reply), nil
}

// RespondKnowledge answers a question grounded in retrieved passages.
func (c *Controller) RespondKnowledge(ctx context.Context, message string, passages []knowledge.Passage) (string, error) {
	if len(passages) == 0 {
		return "I could not find anything relevant in the regulations and plans I have access to.", nil
	}
	var ctxBlock strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&ctxBlock, "[%d] %s\n", i+1, p.Text)
	}
	systemPrompt := `You are the assistant of a river-basin flood management platform. Answer strictly from the numbered reference passages. If they do not contain the answer, say so. Cite passage numbers like [1].`
	reply, err := c.provider.Generate(ctx, systemPrompt,
		fmt.Sprintf("QUESTION: %s\n\nPASSAGES:\n%s", message, ctxBlock.String()))
	if err != nil {
		return "", err
	}
	return Sanitize(reply), nil
}

// RespondBusiness composes the reply for an executed plan. Failed optional
// steps appear as "data unavailable" rather than being silently dropped. The
// second return value is the output type of the turn.
func (c *Controller) RespondBusiness(ctx context.Context, message string, plan Plan, results []StepResult) (string, string, error) {
	outputType := OutputText
	if plan.PageCapable && chartReady(results) {
		outputType = OutputGeneratedPage
	}

	var data strings.Builder
	for _, r := range results {
		label := r.Tool
		if i := r.StepIndex; i < len(plan.Steps) && plan.Steps[i].Bind != "" {
			label = plan.Steps[i].Bind
		}
		switch r.Status {
		case StepStatusSuccess:
			payload, err := json.Marshal(r.Payload)
			if err != nil {
				payload = []byte("{}")
			}
			fmt.Fprintf(&data, "%s: %s\n", label, payload)
		default:
			fmt.Fprintf(&data, "%s: data unavailable\n", label)
		}
	}

	systemPrompt := `You are the assistant of a river-basin flood management platform. Summarise the tool results below into a clear answer for a duty officer. Report exact figures with units. Where a value is marked "data unavailable", say so plainly instead of guessing.`
	if outputType == OutputGeneratedPage {
		systemPrompt += ` A situation page with charts is being generated alongside your answer; keep the text to the key findings.`
	}

	reply, err := c.provider.Generate(ctx, systemPrompt,
		fmt.Sprintf("USER REQUEST: %s\n\nTOOL RESULTS:\n%s", message, data.String()))
	if err != nil {
		c.logger.Printf("response generation failed, using deterministic fallback: %v", err)
		return Sanitize(fallbackReply(plan, results)), outputType, nil
	}
	return Sanitize(reply), outputType, nil
}

// chartReady reports whether any successful result carries chart-ready data.
func chartReady(results []StepResult) bool {
	for _, r := range results {
		if r.Status != StepStatusSuccess {
			continue
		}
		for _, key := range []string{"series", "chart_data", "geometry"} {
			if _, ok := r.Payload[key]; ok {
				return true
			}
		}
	}
	return false
}

// fallbackReply renders results without the LLM so a provider outage does not
// discard work already done.
func fallbackReply(plan Plan, results []StepResult) string {
	var b strings.Builder
	b.WriteString("Here is what I gathered:\n")
	for _, r := range results {
		label := r.Tool
		if i := r.StepIndex; i < len(plan.Steps) && plan.Steps[i].Bind != "" {
			label = plan.Steps[i].Bind
		}
		if r.Status == StepStatusSuccess {
			payload, err := json.Marshal(r.Payload)
			if err != nil {
				payload = []byte("{}")
			}
			fmt.Fprintf(&b, "- %s: %s\n", label, payload)
		} else {
			fmt.Fprintf(&b, "- %s: data unavailable\n", label)
		}
	}
	return b.String()
}

// Sanitize removes credentials and internal endpoints from outbound text.
func Sanitize(text string) string {
	text = reBearerToken.ReplaceAllString(text, "[redacted]")
	text = reAPIKey.ReplaceAllString(text, "[redacted]")
	text = reInternalAddr.ReplaceAllString(text, "[redacted]")
	return text
}
