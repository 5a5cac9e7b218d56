package core

import (
	"context"
	"time"

	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
	"github.com/quzhigang/wg-agent-sub001/internal/tools"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

// Intent categories a user turn is routed by.
const (
	IntentChat      = "chat"
	IntentKnowledge = "knowledge"
	IntentBusiness  = "business"
)

// Output types of a finished turn.
const (
	OutputText          = "text"
	OutputGeneratedPage = "generated_page"
)

// Match tiers, in the order they are tried.
const (
	TierTemplate = "template"
	TierStatic   = "static_mapping"
	TierLearned  = "learned"
)

// Turn statuses recorded in the audit log.
const (
	TurnStatusDone    = "done"
	TurnStatusFailed  = "failed"
	TurnStatusTimeout = "timeout"
)

// Step execution statuses.
const (
	StepStatusSuccess = "success"
	StepStatusFailed  = "failed"
	StepStatusSkipped = "skipped"
)

// Message is one conversation history item.
type Message struct {
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Classification is the structured result of intent analysis for one turn.
type Classification struct {
	Category   string            `json:"category"`
	SubIntent  string            `json:"sub_intent,omitempty"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence"`
}

// WorkflowMatch is a catalog entry accepted by one of the matching tiers.
type WorkflowMatch struct {
	EntryID     string
	Name        string
	Confidence  float64
	Tier        string
	Steps       []workflow.Step
	PageCapable bool
	IsDynamic   bool
}

// Plan is the executable outcome of matching or synthesis.
type Plan struct {
	Steps       []workflow.Step
	PageCapable bool
	Synthesized bool
	EntryID     string // catalog entry the plan came from, empty when synthesized
}

// StepResult captures the outcome of one executed plan step.
type StepResult struct {
	StepIndex int                    `json:"step_index"`
	Tool      string                 `json:"tool"`
	Status    string                 `json:"status"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Error     string                 `json:"error,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Attempts  int                    `json:"attempts"`
	Duration  time.Duration          `json:"duration"`
}

// ReplanRequest is raised by the executor when a step fails in a way the
// planner can recover from with more context, such as an ambiguous entity.
type ReplanRequest struct {
	StepIndex int
	Tool      string
	Reason    string
	Hint      map[string]interface{} // disambiguation payload from the tool, if any
}

// TurnInput is one user message addressed to a conversation.
type TurnInput struct {
	ConversationID string
	UserID         string
	Message        string
}

// TurnOutput is the finished result of one processed turn.
type TurnOutput struct {
	Reply      string `json:"reply"`
	OutputType string `json:"output_type"`
	Intent     string `json:"intent"`
	SubIntent  string `json:"sub_intent,omitempty"`
	MatchTier  string `json:"match_tier,omitempty"`
	Replanned  bool   `json:"replanned,omitempty"`
	Status     string `json:"status"`
}

// TurnLog is the persisted audit record of one turn.
type TurnLog struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id"`
	UserMessage    string       `json:"user_message"`
	Intent         string       `json:"intent"`
	SubIntent      string       `json:"sub_intent,omitempty"`
	MatchTier      string       `json:"match_tier,omitempty"`
	EntryID        string       `json:"entry_id,omitempty"`
	Synthesized    bool         `json:"synthesized"`
	Replanned      bool         `json:"replanned"`
	Steps          []StepResult `json:"steps,omitempty"`
	OutputType     string       `json:"output_type"`
	Reply          string       `json:"reply"`
	Status         string       `json:"status"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
}

// LLMProvider generates text and embeddings. Implemented by provider/openai.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// ToolInvoker executes domain tools. Implemented by tools.HTTPInvoker.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error)
	Poll(ctx context.Context, taskID string) (tools.Result, bool, error)
}

// Retriever fetches knowledge passages. Implemented by knowledge.Client.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]knowledge.Passage, error)
}

// HistoryRepository stores conversation history. Implemented by history.Repo.
type HistoryRepository interface {
	Append(ctx context.Context, conversationID string, msg Message) error
	Recent(ctx context.Context, conversationID string, n int) ([]Message, error)
}

// TurnLogRepository persists turn audit records. Implemented by store.Store.
type TurnLogRepository interface {
	SaveTurnLog(ctx context.Context, log TurnLog) error
	ListTurnLogs(ctx context.Context, conversationID string, limit int) ([]TurnLog, error)
}
