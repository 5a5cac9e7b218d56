package core

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
	"github.com/quzhigang/wg-agent-sub001/internal/matcher"
	"github.com/quzhigang/wg-agent-sub001/internal/telemetry"
	"github.com/quzhigang/wg-agent-sub001/internal/tools"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

type orchFixture struct {
	orch    *Orchestrator
	catalog *workflow.Catalog
	hist    *memHistory
	logs    *memTurnLogs
}

func newOrchFixture(t *testing.T, classify, synth, respond stubLLM, inv ToolInvoker,
	seed []workflow.Entry, staticMap map[string]string, retriever Retriever) *orchFixture {
	t.Helper()
	cfg := testConfig()
	catalog, err := workflow.NewCatalog(seed, staticMap, nil, nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	tele := telemetry.NewTelemetry()
	providers := &Providers{Classification: classify, Synthesis: synth, Response: respond}
	planner := NewPlanner(cfg, providers, matcher.New(classify, nil), catalog, testRegistry(), tele)
	executor := NewExecutor(cfg.Executor, testRegistry(), inv, tele)
	controller := NewController(respond)
	hist := newMemHistory()
	logs := &memTurnLogs{}
	return &orchFixture{
		orch:    NewOrchestrator(cfg, planner, executor, controller, retriever, hist, logs, tele),
		catalog: catalog,
		hist:    hist,
		logs:    logs,
	}
}

func classifyAs(category, subIntent string, entities string) stubLLM {
	return stubLLM{
		generate: func(system, user string) (string, error) {
			return fmt.Sprintf(`{"category":%q,"sub_intent":%q,"entities":%s,"confidence":0.9}`, category, subIntent, entities), nil
		},
		embed: vectorEmbed(nil),
	}
}

func TestProcessTurnChat(t *testing.T) {
	respond := stubLLM{generate: func(system, user string) (string, error) {
		return "Hello! Ask me about stations, rainfall or forecasts.", nil
	}}
	f := newOrchFixture(t, classifyAs("chat", "", "{}"), stubLLM{}, respond, &stubInvoker{}, nil, nil, nil)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Intent != IntentChat || out.Status != TurnStatusDone || out.OutputType != OutputText {
		t.Fatalf("out = %+v", out)
	}
	if len(f.hist.msgs["c1"]) != 2 {
		t.Fatalf("history = %+v", f.hist.msgs)
	}
	if len(f.logs.logs) != 1 || f.logs.logs[0].Status != TurnStatusDone {
		t.Fatalf("turn log = %+v", f.logs.logs)
	}
}

func TestProcessTurnKnowledge(t *testing.T) {
	respond := stubLLM{generate: func(system, user string) (string, error) {
		if !strings.Contains(user, "evacuate above guaranteed stage") {
			t.Errorf("passage missing from prompt")
		}
		return "Evacuation starts above the guaranteed stage [1].", nil
	}}
	retriever := stubRetriever{passages: []knowledge.Passage{{ID: "p1", Text: "evacuate above guaranteed stage"}}}
	f := newOrchFixture(t, classifyAs("knowledge", "", "{}"), stubLLM{}, respond, &stubInvoker{}, nil, nil, retriever)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "when do we evacuate?"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Intent != IntentKnowledge || out.Status != TurnStatusDone {
		t.Fatalf("out = %+v", out)
	}
}

func TestProcessTurnBusinessMatchedTemplate(t *testing.T) {
	classify := stubLLM{
		generate: func(system, user string) (string, error) {
			return `{"category":"business","sub_intent":"station_status","entities":{"station":"chenglingji"},"confidence":0.95}`, nil
		},
		embed: vectorEmbed(map[string][]float32{
			"station status at chenglingji": {1, 0, 0},
			"latest station reading":        {1, 0, 0},
		}),
	}
	seed := []workflow.Entry{{
		ID: "tpl-status", Name: "station status", TriggerDescription: "latest station reading",
		Intent: IntentBusiness, SubIntent: "station_status", IsActive: true,
		Steps: []workflow.Step{{Tool: "station_realtime", Params: map[string]string{"station": "$entity.station"}}},
	}}
	inv := &stubInvoker{invoke: func(tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
		return tools.Result{Status: tools.StatusSuccess, Payload: map[string]interface{}{"level_m": 33.2}}, nil, nil
	}}
	respond := stubLLM{generate: func(system, user string) (string, error) {
		return "Chenglingji reads 33.2 m.", nil
	}}
	f := newOrchFixture(t, classify, stubLLM{}, respond, inv, seed, nil, nil)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "station status at chenglingji"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Status != TurnStatusDone || out.MatchTier != TierTemplate {
		t.Fatalf("out = %+v", out)
	}
	if e, _ := f.catalog.Get("tpl-status"); e.UsageCount != 1 {
		t.Fatalf("usage not incremented: %+v", e)
	}
	if f.logs.logs[0].EntryID != "tpl-status" || f.logs.logs[0].Synthesized {
		t.Fatalf("turn log = %+v", f.logs.logs[0])
	}
}

func TestProcessTurnBusinessSynthesizedAndLearned(t *testing.T) {
	synth := stubLLM{generate: func(system, user string) (string, error) {
		return `{"steps":[
			{"tool":"rain_summary","params":{"window":"24h"},"bind":"rain"},
			{"tool":"gis_flood_extent","params":{"window":"24h"},"bind":"extent"}
		]}`, nil
	}}
	inv := &stubInvoker{invoke: func(tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
		return tools.Result{Status: tools.StatusSuccess, Payload: map[string]interface{}{"series": []interface{}{1, 2}}}, nil, nil
	}}
	respond := stubLLM{generate: func(system, user string) (string, error) { return "Rain summary ready.", nil }}
	f := newOrchFixture(t, classifyAs("business", "rainfall_report", "{}"), synth, respond, inv, nil, nil, nil)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "basin rainfall last 24h"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Status != TurnStatusDone || out.MatchTier != "" {
		t.Fatalf("out = %+v", out)
	}
	if out.OutputType != OutputGeneratedPage {
		t.Fatalf("chart-ready synthesized plan must generate a page, got %s", out.OutputType)
	}
	if !f.logs.logs[0].Synthesized {
		t.Fatalf("turn log must record synthesis: %+v", f.logs.logs[0])
	}
	// the synthesized plan is learned asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for len(f.catalog.ActiveDynamic("")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("synthesized plan was not learned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessTurnReplanRecoversOnce(t *testing.T) {
	synthCalls := 0
	synth := stubLLM{generate: func(system, user string) (string, error) {
		synthCalls++
		if synthCalls == 1 {
			return `{"steps":[{"tool":"station_realtime","params":{"station":"chenglingji"}}]}`, nil
		}
		if !strings.Contains(user, "PREVIOUS ATTEMPT FAILED") {
			t.Errorf("replan prompt missing failure context")
		}
		return `{"steps":[{"tool":"station_realtime","params":{"station":"chenglingji(yangtze)"}}]}`, nil
	}}
	inv := &stubInvoker{invoke: func(tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
		if params["station"] == "chenglingji" {
			return tools.Result{Status: tools.StatusError, ErrorKind: KindAmbiguousEntity,
				Payload: map[string]interface{}{"candidates": []interface{}{"chenglingji(yangtze)"}}}, nil, nil
		}
		return tools.Result{Status: tools.StatusSuccess, Payload: map[string]interface{}{"level_m": 33.2}}, nil, nil
	}}
	respond := stubLLM{generate: func(system, user string) (string, error) { return "33.2 m at Chenglingji (Yangtze).", nil }}
	f := newOrchFixture(t, classifyAs("business", "", "{}"), synth, respond, inv, nil, nil, nil)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "level at chenglingji"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Status != TurnStatusDone || !out.Replanned {
		t.Fatalf("out = %+v", out)
	}
	if synthCalls != 2 {
		t.Fatalf("expected 2 synthesis calls, got %d", synthCalls)
	}
}

func TestProcessTurnReplanLimitEnforced(t *testing.T) {
	synth := stubLLM{generate: func(system, user string) (string, error) {
		return `{"steps":[{"tool":"station_realtime","params":{"station":"chenglingji"}}]}`, nil
	}}
	inv := &stubInvoker{invoke: func(tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
		return tools.Result{Status: tools.StatusError, ErrorKind: KindAmbiguousEntity}, nil, nil
	}}
	f := newOrchFixture(t, classifyAs("business", "", "{}"), synth, stubLLM{}, inv, nil, nil, nil)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "level at chenglingji"})
	if err != nil {
		t.Fatalf("ProcessTurn must not propagate internal errors: %v", err)
	}
	if out.Status != TurnStatusFailed {
		t.Fatalf("out = %+v", out)
	}
	if out.Reply == "" || strings.Contains(out.Reply, "replan") {
		t.Fatalf("reply must be user-facing: %q", out.Reply)
	}
	if f.logs.logs[0].Error == "" {
		t.Fatalf("turn log must carry the failure: %+v", f.logs.logs[0])
	}
}

func TestProcessTurnStepFailureKeepsPartialResults(t *testing.T) {
	synth := stubLLM{generate: func(system, user string) (string, error) {
		return `{"steps":[
			{"tool":"rain_summary","params":{"window":"24h"},"bind":"rain"},
			{"tool":"flood_forecast_run","params":{"station":"lianhuatang"},"bind":"forecast"}
		]}`, nil
	}}
	inv := &stubInvoker{
		invoke: func(tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
			if tool == "rain_summary" {
				return tools.Result{Status: tools.StatusSuccess, Payload: map[string]interface{}{"total_mm": 120}}, nil, nil
			}
			return tools.Result{}, &tools.PendingTask{TaskID: "job-slow"}, nil
		},
		poll: func(taskID string) (tools.Result, bool, error) { return tools.Result{}, false, nil },
	}
	f := newOrchFixture(t, classifyAs("business", "", "{}"), synth, stubLLM{}, inv, nil, nil, nil)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "rain plus a forecast"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Status != TurnStatusFailed || out.OutputType != OutputText {
		t.Fatalf("out = %+v", out)
	}
	if !strings.Contains(out.Reply, "total_mm") {
		t.Fatalf("completed step data must survive a later failure: %q", out.Reply)
	}
	if !strings.Contains(out.Reply, "forecast: data unavailable") {
		t.Fatalf("failed step must render as unavailable: %q", out.Reply)
	}
	if len(f.logs.logs[0].Steps) != 2 || f.logs.logs[0].Steps[0].Status != StepStatusSuccess {
		t.Fatalf("turn log must keep partial results: %+v", f.logs.logs[0].Steps)
	}
}

func TestProcessTurnAsyncTimeoutReply(t *testing.T) {
	synth := stubLLM{generate: func(system, user string) (string, error) {
		return `{"steps":[{"tool":"flood_forecast_run","params":{"station":"lianhuatang"}}]}`, nil
	}}
	inv := &stubInvoker{
		invoke: func(tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
			return tools.Result{}, &tools.PendingTask{TaskID: "job-slow"}, nil
		},
		poll: func(taskID string) (tools.Result, bool, error) { return tools.Result{}, false, nil },
	}
	f := newOrchFixture(t, classifyAs("business", "", "{}"), synth, stubLLM{}, inv, nil, nil, nil)
	out, err := f.orch.ProcessTurn(context.Background(), TurnInput{ConversationID: "c1", UserID: "u1", Message: "run the forecast"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Status != TurnStatusFailed {
		t.Fatalf("out = %+v", out)
	}
	if !strings.Contains(out.Reply, "still running") {
		t.Fatalf("reply = %q", out.Reply)
	}
}
