package core

import "fmt"

// Error kinds carried on step failures.
const (
	KindUnresolvedReference = "unresolved_reference"
	KindAsyncTimeout        = "async_timeout"
	KindToolError           = "tool_error"
	KindAmbiguousEntity     = "ambiguous_entity"
)

// ClassificationError means the intent of a turn could not be determined.
type ClassificationError struct {
	Cause error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("intent classification failed: %v", e.Cause)
}

func (e *ClassificationError) Unwrap() error { return e.Cause }

// MatchingError means workflow matching failed for a reason other than
// "no entry above threshold"; an empty match is not an error.
type MatchingError struct {
	Tier  string
	Cause error
}

func (e *MatchingError) Error() string {
	return fmt.Sprintf("workflow matching failed at %s tier: %v", e.Tier, e.Cause)
}

func (e *MatchingError) Unwrap() error { return e.Cause }

// PlanSynthesisError means no executable plan could be produced for a
// business request.
type PlanSynthesisError struct {
	Cause error
}

func (e *PlanSynthesisError) Error() string {
	return fmt.Sprintf("plan synthesis failed: %v", e.Cause)
}

func (e *PlanSynthesisError) Unwrap() error { return e.Cause }

// StepExecutionError means a required plan step failed terminally.
type StepExecutionError struct {
	StepIndex int
	Tool      string
	Kind      string
	Cause     error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed [%s]: %v", e.StepIndex, e.Tool, e.Kind, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// AsyncTimeoutError means an async task exhausted the wait budget.
type AsyncTimeoutError struct {
	StepIndex int
	Tool      string
	TaskID    string
}

func (e *AsyncTimeoutError) Error() string {
	return fmt.Sprintf("async task %s for step %d (%s) exceeded wait budget", e.TaskID, e.StepIndex, e.Tool)
}

// ReplanLoopError means a turn kept requesting replans past the limit.
type ReplanLoopError struct {
	Attempts int
}

func (e *ReplanLoopError) Error() string {
	return fmt.Sprintf("replan limit reached after %d attempts", e.Attempts)
}
