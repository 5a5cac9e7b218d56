package core

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

func TestSanitizeRedactsSecretsAndInternalEndpoints(t *testing.T) {
	in := `Use Bearer abc123XYZ.token and api_key: sk-aaaabbbbccccdddd via http://10.20.1.5:8080/internal/tools`
	out := Sanitize(in)
	if strings.Contains(out, "abc123XYZ") || strings.Contains(out, "sk-aaaabbbbccccdddd") || strings.Contains(out, "10.20.1.5") {
		t.Fatalf("sanitize leaked content: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Fatalf("expected redaction markers: %s", out)
	}
}

func TestSanitizeLeavesPlainTextAlone(t *testing.T) {
	in := "Water level at Chenglingji is 33.2 m, 0.7 m above the warning stage."
	if got := Sanitize(in); got != in {
		t.Fatalf("plain text modified: %q", got)
	}
}

func TestRespondBusinessMarksUnavailableData(t *testing.T) {
	var prompt string
	c := NewController(stubLLM{generate: func(system, user string) (string, error) {
		prompt = user
		return "summary", nil
	}})
	plan := Plan{Steps: []workflow.Step{
		{Tool: "rain_summary", Bind: "rain"},
		{Tool: "gis_flood_extent", Bind: "extent", Optional: true},
	}}
	results := []StepResult{
		{StepIndex: 0, Tool: "rain_summary", Status: StepStatusSuccess, Payload: map[string]interface{}{"total_mm": 120}},
		{StepIndex: 1, Tool: "gis_flood_extent", Status: StepStatusSkipped},
	}
	if _, _, err := c.RespondBusiness(context.Background(), "rain?", plan, results); err != nil {
		t.Fatalf("RespondBusiness: %v", err)
	}
	if !strings.Contains(prompt, "extent: data unavailable") {
		t.Fatalf("skipped step not marked unavailable:\n%s", prompt)
	}
	if !strings.Contains(prompt, "total_mm") {
		t.Fatalf("successful payload missing from prompt:\n%s", prompt)
	}
}

func TestRespondBusinessOutputType(t *testing.T) {
	c := NewController(stubLLM{generate: func(system, user string) (string, error) { return "ok", nil }})

	pagePlan := Plan{PageCapable: true, Steps: []workflow.Step{{Tool: "rain_summary"}}}
	chartResults := []StepResult{{Tool: "rain_summary", Status: StepStatusSuccess,
		Payload: map[string]interface{}{"series": []interface{}{1, 2, 3}}}}
	_, outputType, err := c.RespondBusiness(context.Background(), "q", pagePlan, chartResults)
	if err != nil {
		t.Fatalf("RespondBusiness: %v", err)
	}
	if outputType != OutputGeneratedPage {
		t.Fatalf("page-capable plan with chart data must produce %s, got %s", OutputGeneratedPage, outputType)
	}

	// chart data but a plan that cannot render pages
	textPlan := Plan{PageCapable: false, Steps: []workflow.Step{{Tool: "rain_summary"}}}
	_, outputType, _ = c.RespondBusiness(context.Background(), "q", textPlan, chartResults)
	if outputType != OutputText {
		t.Fatalf("non page-capable plan must stay text, got %s", outputType)
	}

	// page-capable plan without chart-ready data
	plainResults := []StepResult{{Tool: "rain_summary", Status: StepStatusSuccess,
		Payload: map[string]interface{}{"total_mm": 12}}}
	_, outputType, _ = c.RespondBusiness(context.Background(), "q", pagePlan, plainResults)
	if outputType != OutputText {
		t.Fatalf("no chart data must stay text, got %s", outputType)
	}
}

func TestRespondBusinessFallbackOnProviderOutage(t *testing.T) {
	c := NewController(stubLLM{generate: func(system, user string) (string, error) {
		return "", fmt.Errorf("provider down")
	}})
	plan := Plan{Steps: []workflow.Step{{Tool: "rain_summary", Bind: "rain"}}}
	results := []StepResult{{Tool: "rain_summary", Status: StepStatusSuccess,
		Payload: map[string]interface{}{"total_mm": 120}}}
	reply, outputType, err := c.RespondBusiness(context.Background(), "q", plan, results)
	if err != nil {
		t.Fatalf("fallback must not error: %v", err)
	}
	if outputType != OutputText {
		t.Fatalf("outputType = %s", outputType)
	}
	if !strings.Contains(reply, "total_mm") {
		t.Fatalf("fallback reply must carry gathered data: %s", reply)
	}
}

func TestRespondKnowledgeWithoutPassages(t *testing.T) {
	c := NewController(stubLLM{})
	reply, err := c.RespondKnowledge(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("RespondKnowledge: %v", err)
	}
	if reply == "" {
		t.Fatalf("expected explicit no-information reply")
	}
}

func TestRespondKnowledgeCitesPassages(t *testing.T) {
	var prompt string
	c := NewController(stubLLM{generate: func(system, user string) (string, error) {
		prompt = user
		return "per the plan [1]", nil
	}})
	_, err := c.RespondKnowledge(context.Background(), "q", []knowledge.Passage{
		{ID: "p1", Text: "evacuate above guaranteed stage"},
	})
	if err != nil {
		t.Fatalf("RespondKnowledge: %v", err)
	}
	if !strings.Contains(prompt, "[1] evacuate above guaranteed stage") {
		t.Fatalf("passages missing from prompt:\n%s", prompt)
	}
}
