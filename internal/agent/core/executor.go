package core

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/quzhigang/wg-agent-sub001/config"
	"github.com/quzhigang/wg-agent-sub001/internal/telemetry"
	"github.com/quzhigang/wg-agent-sub001/internal/tools"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

// Executor runs plan steps strictly in order, resolving parameter references
// against extracted entities and earlier step results.
type Executor struct {
	config    config.ExecutorConfig
	registry  *tools.Registry
	invoker   ToolInvoker
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewExecutor creates a new executor instance.
func NewExecutor(cfg config.ExecutorConfig, registry *tools.Registry, invoker ToolInvoker, tel *telemetry.Telemetry) *Executor {
	return &Executor{
		config:    cfg,
		registry:  registry,
		invoker:   invoker,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[EXEC] ", log.LstdFlags),
	}
}

// Execute runs the plan and returns the per-step results. When a required
// step fails because the tool reports an ambiguous entity, a ReplanRequest is
// returned instead of an error and the caller decides whether to replan.
// Results of completed steps are always returned, even on failure.
func (e *Executor) Execute(ctx context.Context, plan Plan, entities map[string]string) ([]StepResult, *ReplanRequest, error) {
	results := make([]StepResult, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		res := e.runStep(ctx, i, step, entities, results)
		e.telemetry.RecordStep(step.Tool, res.Status, res.Duration)
		if res.Status == StepStatusFailed && step.Optional {
			e.logger.Printf("optional step %d (%s) failed, continuing: %s", i, step.Tool, res.Error)
			res.Status = StepStatusSkipped
		}
		results = append(results, res)
		if res.Status != StepStatusFailed {
			continue
		}
		switch res.ErrorKind {
		case KindAmbiguousEntity:
			return results, &ReplanRequest{
				StepIndex: i,
				Tool:      step.Tool,
				Reason:    res.Error,
				Hint:      res.Payload,
			}, nil
		case KindAsyncTimeout:
			e.telemetry.RecordAsyncTimeout()
			return results, nil, &AsyncTimeoutError{StepIndex: i, Tool: step.Tool, TaskID: res.TaskID}
		default:
			return results, nil, &StepExecutionError{
				StepIndex: i,
				Tool:      step.Tool,
				Kind:      res.ErrorKind,
				Cause:     fmt.Errorf("%s", res.Error),
			}
		}
	}
	return results, nil, nil
}

func (e *Executor) runStep(ctx context.Context, index int, step workflow.Step, entities map[string]string, prior []StepResult) StepResult {
	start := time.Now()
	res := StepResult{StepIndex: index, Tool: step.Tool}

	params, err := resolveParams(step.Params, entities, prior)
	if err != nil {
		res.Status = StepStatusFailed
		res.ErrorKind = KindUnresolvedReference
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	card, _ := e.registry.Get(step.Tool)
	attempts := 1
	if card.Idempotent {
		attempts = e.config.MaxRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		outcome, pending, err := e.invokeOnce(ctx, step.Tool, params)
		if err == nil && pending != nil {
			res.TaskID = pending.TaskID
			outcome, err = e.awaitTask(ctx, pending.TaskID)
		}
		if err == nil && outcome.Status == tools.StatusError {
			kind := outcome.ErrorKind
			if kind == "" {
				kind = KindToolError
			}
			res.Status = StepStatusFailed
			res.ErrorKind = kind
			res.Error = fmt.Sprintf("tool %s reported %s", step.Tool, kind)
			res.Payload = outcome.Payload
			res.Duration = time.Since(start)
			return res
		}
		if err == nil {
			res.Status = StepStatusSuccess
			res.Payload = outcome.Payload
			res.Duration = time.Since(start)
			return res
		}
		lastErr = err
		if te, ok := err.(*AsyncTimeoutError); ok {
			res.Status = StepStatusFailed
			res.ErrorKind = KindAsyncTimeout
			res.Error = te.Error()
			res.TaskID = te.TaskID
			res.Duration = time.Since(start)
			return res
		}
		if attempt < attempts {
			e.logger.Printf("step %d (%s) attempt %d failed: %v, retrying", index, step.Tool, attempt, err)
			select {
			case <-ctx.Done():
				attempt = attempts
			case <-time.After(e.config.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
	res.Status = StepStatusFailed
	res.ErrorKind = KindToolError
	res.Error = lastErr.Error()
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) invokeOnce(ctx context.Context, tool string, params map[string]interface{}) (tools.Result, *tools.PendingTask, error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()
	return e.invoker.Invoke(stepCtx, tool, params)
}

// awaitTask polls an accepted async job until it finishes or the wait budget
// runs out. The ticker keeps at most one outstanding poll per task.
func (e *Executor) awaitTask(ctx context.Context, taskID string) (tools.Result, error) {
	e.telemetry.RecordAsyncWait()
	deadline := time.Now().Add(e.config.WaitBudget)
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return tools.Result{}, &AsyncTimeoutError{TaskID: taskID}
			}
			res, done, err := e.invoker.Poll(ctx, taskID)
			if err != nil {
				return tools.Result{}, fmt.Errorf("poll task %s: %w", taskID, err)
			}
			if done {
				return res, nil
			}
		}
	}
}

// resolveParams substitutes "$entity.<name>" and "$step.<N>.<field>"
// references. Unresolved references in required steps are fatal for the step.
func resolveParams(params map[string]string, entities map[string]string, prior []StepResult) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for key, val := range params {
		switch {
		case strings.HasPrefix(val, "$entity."):
			name := strings.TrimPrefix(val, "$entity.")
			v, ok := entities[name]
			if !ok || v == "" {
				return nil, fmt.Errorf("param %q references missing entity %q", key, name)
			}
			out[key] = v
		case strings.HasPrefix(val, "$step."):
			rest := strings.TrimPrefix(val, "$step.")
			parts := strings.SplitN(rest, ".", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("param %q has malformed step reference %q", key, val)
			}
			idx, err := strconv.Atoi(parts[0])
			if err != nil || idx < 0 || idx >= len(prior) {
				return nil, fmt.Errorf("param %q references unavailable step %q", key, parts[0])
			}
			if prior[idx].Status != StepStatusSuccess {
				return nil, fmt.Errorf("param %q references step %d which did not succeed", key, idx)
			}
			v, ok := prior[idx].Payload[parts[1]]
			if !ok {
				return nil, fmt.Errorf("param %q references missing field %q of step %d", key, parts[1], idx)
			}
			out[key] = v
		default:
			out[key] = val
		}
	}
	return out, nil
}
