package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/quzhigang/wg-agent-sub001/config"
	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
	"github.com/quzhigang/wg-agent-sub001/internal/matcher"
	"github.com/quzhigang/wg-agent-sub001/internal/telemetry"
	"github.com/quzhigang/wg-agent-sub001/internal/tools"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

// Planner turns a classified turn into an executable plan: first by matching
// the workflow catalog, then by synthesizing a fresh plan from tool cards.
type Planner struct {
	config    *config.Config
	providers *Providers
	matcher   *matcher.Matcher
	catalog   *workflow.Catalog
	registry  *tools.Registry
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewPlanner creates a new planner instance.
func NewPlanner(cfg *config.Config, providers *Providers, m *matcher.Matcher, catalog *workflow.Catalog, registry *tools.Registry, tel *telemetry.Telemetry) *Planner {
	return &Planner{
		config:    cfg,
		providers: providers,
		matcher:   m,
		catalog:   catalog,
		registry:  registry,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// ClassifyIntent determines the intent category, sub-intent and entities of a
// user message. One retry with truncated history is attempted on a malformed
// model response; after that the turn degrades to plain chat.
func (p *Planner) ClassifyIntent(ctx context.Context, message string, history []Message) (Classification, error) {
	cls, err := p.classifyOnce(ctx, message, history)
	if err == nil {
		return cls, nil
	}
	p.logger.Printf("classification attempt failed: %v, retrying with truncated history", err)
	if len(history) > 4 {
		history = history[len(history)-4:]
	}
	cls, err = p.classifyOnce(ctx, message, history)
	if err == nil {
		return cls, nil
	}
	p.logger.Printf("classification failed twice, falling back to chat: %v", err)
	return Classification{Category: IntentChat, Confidence: 0}, nil
}

func (p *Planner) classifyOnce(ctx context.Context, message string, history []Message) (Classification, error) {
	var hist strings.Builder
	for _, m := range history {
		hist.WriteString(m.Role)
		hist.WriteString(": ")
		hist.WriteString(m.Content)
		hist.WriteString("\n")
	}

	systemPrompt := fmt.Sprintf(`You are the intent classifier of a river-basin flood management assistant.

Classify the latest user message into exactly one category:
- chat: small talk, greetings, anything outside flood management
- knowledge: questions answerable from regulations, emergency plans and historical flood documents
- business: requests that need live data or actions (station readings, rainfall, forecasts, reservoir operations, warnings)

For business requests also identify the sub-intent (one of: %s, %s, %s, %s, or a short snake_case label if none fits) and extract named entities such as station, reservoir, region, window.

Respond ONLY with valid JSON:
{"category": "...", "sub_intent": "...", "entities": {"station": "..."}, "confidence": 0.0}`,
		workflow.SubIntentFloodWarning, workflow.SubIntentReservoirOps,
		workflow.SubIntentRainfallReport, workflow.SubIntentStationStatus)

	userPrompt := fmt.Sprintf("CONVERSATION SO FAR:\n%s\nLATEST MESSAGE: %s", hist.String(), message)

	response, err := p.providers.Classification.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Classification{}, &ClassificationError{Cause: err}
	}
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return Classification{}, &ClassificationError{Cause: fmt.Errorf("no JSON found in response")}
	}
	var cls Classification
	if err := json.Unmarshal([]byte(jsonStr), &cls); err != nil {
		return Classification{}, &ClassificationError{Cause: fmt.Errorf("parse classification: %w", err)}
	}
	switch cls.Category {
	case IntentChat, IntentKnowledge, IntentBusiness:
	default:
		return Classification{}, &ClassificationError{Cause: fmt.Errorf("unknown category %q", cls.Category)}
	}
	return cls, nil
}

// MatchWorkflow tries the three catalog tiers in order and returns the first
// accepted match, or nil when nothing clears the threshold. An embedding
// outage degrades tier one to the deterministic static mapping instead of
// failing the turn.
func (p *Planner) MatchWorkflow(ctx context.Context, cls Classification, message string) (*WorkflowMatch, error) {
	threshold := p.config.Matching.SimilarityThreshold
	topK := p.config.Matching.TopK

	// Tier 1: hand-authored templates ranked by trigger similarity. An empty
	// sub-intent widens the candidate set to every active template.
	static := p.catalog.ActiveStatic(cls.SubIntent)
	embedDown := false
	if len(static) > 0 {
		matches, err := p.matcher.Rank(ctx, message, entryCandidates(static), topK)
		if err != nil {
			p.logger.Printf("template matching degraded to static mapping: %v", &MatchingError{Tier: TierTemplate, Cause: err})
			embedDown = true
		} else if len(matches) > 0 && matches[0].Similarity >= threshold {
			entry, _ := p.catalog.Get(matches[0].ID)
			return p.accept(ctx, entry, matches[0].Similarity, TierTemplate), nil
		}
	}

	// Tier 2: deterministic sub-intent mapping, confidence 1.0.
	if cls.SubIntent != "" {
		if entry, ok := p.catalog.StaticMapping(cls.SubIntent); ok {
			return p.accept(ctx, entry, 1.0, TierStatic), nil
		}
	}

	// Tier 3: learned workflows. Skipped when embeddings are unavailable,
	// because ranking them is inherently similarity-based.
	if embedDown {
		return nil, nil
	}
	dynamic := p.catalog.ActiveDynamic(cls.SubIntent)
	if len(dynamic) == 0 {
		return nil, nil
	}
	matches, err := p.matcher.Rank(ctx, message, entryCandidates(dynamic), len(dynamic))
	if err != nil {
		p.logger.Printf("learned-tier matching unavailable: %v", &MatchingError{Tier: TierLearned, Cause: err})
		return nil, nil
	}
	accepted := matches[:0]
	for _, m := range matches {
		if m.Similarity >= threshold {
			accepted = append(accepted, m)
		}
	}
	if len(accepted) == 0 {
		return nil, nil
	}
	usage := make(map[string]int64, len(dynamic))
	for _, e := range dynamic {
		usage[e.ID] = e.UsageCount
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		if accepted[i].Similarity != accepted[j].Similarity {
			return accepted[i].Similarity > accepted[j].Similarity
		}
		if usage[accepted[i].ID] != usage[accepted[j].ID] {
			return usage[accepted[i].ID] > usage[accepted[j].ID]
		}
		return accepted[i].ID < accepted[j].ID
	})
	entry, _ := p.catalog.Get(accepted[0].ID)
	return p.accept(ctx, entry, accepted[0].Similarity, TierLearned), nil
}

func (p *Planner) accept(ctx context.Context, entry workflow.Entry, confidence float64, tier string) *WorkflowMatch {
	p.catalog.IncrementUsage(ctx, entry.ID)
	p.telemetry.RecordMatch(tier)
	p.logger.Printf("matched %s (%s) via %s tier, confidence %.2f", entry.Name, entry.ID, tier, confidence)
	return &WorkflowMatch{
		EntryID:     entry.ID,
		Name:        entry.Name,
		Confidence:  confidence,
		Tier:        tier,
		Steps:       entry.Steps,
		PageCapable: entry.PageCapable,
		IsDynamic:   entry.IsDynamic,
	}
}

func entryCandidates(entries []workflow.Entry) []matcher.Candidate {
	out := make([]matcher.Candidate, len(entries))
	for i, e := range entries {
		out[i] = matcher.Candidate{ID: e.ID, Text: e.TriggerDescription}
	}
	return out
}

// SynthesizePlan asks the model for a fresh plan over the tool registry when
// no catalog entry matched. hint carries replan context and is empty on the
// first pass.
func (p *Planner) SynthesizePlan(ctx context.Context, cls Classification, message string, passages []knowledge.Passage, hint *ReplanRequest) (Plan, error) {
	var entBlock strings.Builder
	for k, v := range cls.Entities {
		fmt.Fprintf(&entBlock, "- %s: %s\n", k, v)
	}
	var ctxBlock strings.Builder
	for _, pass := range passages {
		snippet := pass.Text
		if len(snippet) > 400 {
			snippet = snippet[:400] + "..."
		}
		fmt.Fprintf(&ctxBlock, "- %s\n", snippet)
	}
	var hintBlock string
	if hint != nil {
		detail := ""
		if len(hint.Hint) > 0 {
			if b, err := json.Marshal(hint.Hint); err == nil {
				detail = string(b)
			}
		}
		hintBlock = fmt.Sprintf("\nPREVIOUS ATTEMPT FAILED at step %d (%s): %s %s\nProduce a corrected plan that avoids this failure.\n",
			hint.StepIndex, hint.Tool, hint.Reason, detail)
	}

	systemPrompt := fmt.Sprintf(`You are the planner of a river-basin flood management assistant. Compose a short plan of tool invocations that answers the user's request.

AVAILABLE TOOLS:
%s
RULES:
1. Use only the tools listed above, with their listed parameters.
2. Parameter values are literals, "$entity.<name>" for an extracted entity, or "$step.<N>.<field>" for a field of an earlier step's result (N is zero-based and must be an earlier step).
3. Keep the plan minimal; do not add tools the request does not need.
4. Mark a step "optional": true only if the answer is still useful without it.

Respond ONLY with valid JSON:
{"steps": [{"tool": "...", "params": {"name": "value"}, "bind": "short_label", "optional": false}], "reasoning": "..."}`,
		p.registry.Describe())

	userPrompt := fmt.Sprintf("USER REQUEST: %s\n\nEXTRACTED ENTITIES:\n%s\nREFERENCE CONTEXT:\n%s%s",
		message, entBlock.String(), ctxBlock.String(), hintBlock)

	response, err := p.providers.Synthesis.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Plan{}, &PlanSynthesisError{Cause: err}
	}
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return Plan{}, &PlanSynthesisError{Cause: fmt.Errorf("no JSON found in response")}
	}
	var raw struct {
		Steps []workflow.Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return Plan{}, &PlanSynthesisError{Cause: fmt.Errorf("parse plan: %w", err)}
	}
	if err := p.validateSynthesized(raw.Steps); err != nil {
		return Plan{}, &PlanSynthesisError{Cause: err}
	}
	p.telemetry.RecordSynthesis()
	return Plan{
		Steps:       raw.Steps,
		PageCapable: p.pageCapable(raw.Steps),
		Synthesized: true,
	}, nil
}

// validateSynthesized rejects plans that reference unknown tools, omit
// required parameters or read from steps that have not run yet.
func (p *Planner) validateSynthesized(steps []workflow.Step) error {
	if err := workflow.ValidateSteps(steps); err != nil {
		return err
	}
	for i, step := range steps {
		card, ok := p.registry.Get(step.Tool)
		if !ok {
			return fmt.Errorf("step %d uses unknown tool %q", i, step.Tool)
		}
		for _, spec := range card.Params {
			if !spec.Required {
				continue
			}
			if v, ok := step.Params[spec.Name]; !ok || strings.TrimSpace(v) == "" {
				return fmt.Errorf("step %d (%s) missing required param %q", i, step.Tool, spec.Name)
			}
		}
	}
	return nil
}

func (p *Planner) pageCapable(steps []workflow.Step) bool {
	for _, step := range steps {
		if card, ok := p.registry.Get(step.Tool); ok && card.PageCapable {
			return true
		}
	}
	return false
}

// MaybeSaveDynamicWorkflow persists a successful synthesized plan as a
// learned workflow. Only multi-step business plans qualify. The save is
// fire-and-forget: failures are logged, never surfaced to the turn.
func (p *Planner) MaybeSaveDynamicWorkflow(cls Classification, plan Plan, message string) {
	if !plan.Synthesized || cls.Category != IntentBusiness || len(plan.Steps) < 2 {
		return
	}
	name := cls.SubIntent
	if name == "" {
		name = "learned_workflow"
	}
	entry := workflow.Entry{
		Name:               fmt.Sprintf("%s (learned)", name),
		TriggerDescription: message,
		Intent:             cls.Category,
		SubIntent:          cls.SubIntent,
		Steps:              plan.Steps,
		PageCapable:        plan.PageCapable,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		saved, err := p.catalog.AppendDynamic(ctx, entry)
		if err != nil {
			p.logger.Printf("saving learned workflow failed: %v", err)
			return
		}
		p.logger.Printf("saved learned workflow %s (%s)", saved.Name, saved.ID)
	}()
}

// extractJSON returns the first balanced JSON object in a model response.
func extractJSON(response string) string {
	start := -1
	depth := 0
	for i, ch := range response {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
