package core

import (
	"context"
	"fmt"
	"time"

	"github.com/quzhigang/wg-agent-sub001/config"
	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
	"github.com/quzhigang/wg-agent-sub001/internal/matcher"
	"github.com/quzhigang/wg-agent-sub001/internal/telemetry"
	"github.com/quzhigang/wg-agent-sub001/internal/tools"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

// stubLLM scripts Generate and Embed per test.
type stubLLM struct {
	generate func(systemPrompt, userPrompt string) (string, error)
	embed    func(input []string) ([][]float32, error)
}

func (s stubLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if s.generate == nil {
		return "", fmt.Errorf("generate not scripted")
	}
	return s.generate(systemPrompt, userPrompt)
}

func (s stubLLM) Embed(ctx context.Context, input []string) ([][]float32, error) {
	if s.embed == nil {
		return nil, fmt.Errorf("embed not scripted")
	}
	return s.embed(input)
}

// vectorEmbed maps texts to fixed vectors; unknown texts get an orthogonal
// vector so they never match anything.
func vectorEmbed(vectors map[string][]float32) func([]string) ([][]float32, error) {
	return func(input []string) ([][]float32, error) {
		out := make([][]float32, len(input))
		for i, text := range input {
			if v, ok := vectors[text]; ok {
				out[i] = v
			} else {
				out[i] = []float32{0, 0, 1}
			}
		}
		return out, nil
	}
}

// stubInvoker scripts tool behaviour per tool name.
type stubInvoker struct {
	invoke func(tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error)
	poll   func(taskID string) (tools.Result, bool, error)
	calls  []string
}

func (s *stubInvoker) Invoke(ctx context.Context, tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
	s.calls = append(s.calls, tool)
	if s.invoke == nil {
		return tools.Result{Status: tools.StatusSuccess}, nil, nil
	}
	return s.invoke(tool, params)
}

func (s *stubInvoker) Poll(ctx context.Context, taskID string) (tools.Result, bool, error) {
	if s.poll == nil {
		return tools.Result{}, false, fmt.Errorf("poll not scripted")
	}
	return s.poll(taskID)
}

// stubRetriever returns fixed passages.
type stubRetriever struct {
	passages []knowledge.Passage
	err      error
}

func (s stubRetriever) Retrieve(ctx context.Context, query string, topK int) ([]knowledge.Passage, error) {
	return s.passages, s.err
}

// memHistory is an in-memory HistoryRepository.
type memHistory struct {
	msgs map[string][]Message
}

func newMemHistory() *memHistory { return &memHistory{msgs: map[string][]Message{}} }

func (m *memHistory) Append(ctx context.Context, conversationID string, msg Message) error {
	m.msgs[conversationID] = append(m.msgs[conversationID], msg)
	return nil
}

func (m *memHistory) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	msgs := m.msgs[conversationID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// memTurnLogs records saved turn logs.
type memTurnLogs struct {
	logs []TurnLog
}

func (m *memTurnLogs) SaveTurnLog(ctx context.Context, tl TurnLog) error {
	m.logs = append(m.logs, tl)
	return nil
}

func (m *memTurnLogs) ListTurnLogs(ctx context.Context, conversationID string, limit int) ([]TurnLog, error) {
	return m.logs, nil
}

func testConfig() *config.Config {
	return &config.Config{
		General:  config.GeneralConfig{TurnTimeout: 5 * time.Second},
		Server:   config.ServerConfig{MaxConcurrentTurns: 4},
		Matching: config.MatchingConfig{SimilarityThreshold: 0.75, TopK: 5}.Normalize(),
		Executor: config.ExecutorConfig{
			StepTimeout:  time.Second,
			MaxRetries:   2,
			RetryBackoff: time.Millisecond,
			PollInterval: 2 * time.Millisecond,
			WaitBudget:   50 * time.Millisecond,
			MaxReplans:   1,
		},
		Knowledge: config.KnowledgeConfig{TopK: 3},
	}
}

func testRegistry() *tools.Registry {
	r, err := tools.NewRegistry(tools.DefaultCards())
	if err != nil {
		panic(err)
	}
	return r
}

func testCatalog(seed []workflow.Entry, staticMap map[string]string) *workflow.Catalog {
	c, err := workflow.NewCatalog(seed, staticMap, nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}

func testPlanner(cfg *config.Config, classify, synth stubLLM, catalog *workflow.Catalog) *Planner {
	providers := &Providers{Classification: classify, Synthesis: synth, Response: classify}
	m := matcher.New(classify, nil)
	return NewPlanner(cfg, providers, m, catalog, testRegistry(), telemetry.NewTelemetry())
}
