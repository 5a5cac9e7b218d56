package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/quzhigang/wg-agent-sub001/config"
	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
	"github.com/quzhigang/wg-agent-sub001/internal/telemetry"
)

// Orchestrator drives one conversation turn end to end: classification,
// workflow matching or plan synthesis, execution, and response generation.
type Orchestrator struct {
	config     *config.Config
	planner    *Planner
	executor   *Executor
	controller *Controller
	retriever  Retriever
	history    HistoryRepository
	turnLogs   TurnLogRepository
	telemetry  *telemetry.Telemetry
	logger     *log.Logger
	sem        chan struct{}
}

// NewOrchestrator creates a new orchestrator instance. retriever, history and
// turnLogs may be nil in reduced setups; the orchestrator degrades gracefully.
func NewOrchestrator(cfg *config.Config, planner *Planner, executor *Executor, controller *Controller,
	retriever Retriever, history HistoryRepository, turnLogs TurnLogRepository, tel *telemetry.Telemetry) *Orchestrator {
	maxTurns := cfg.Server.MaxConcurrentTurns
	if maxTurns <= 0 {
		maxTurns = 16
	}
	return &Orchestrator{
		config:     cfg,
		planner:    planner,
		executor:   executor,
		controller: controller,
		retriever:  retriever,
		history:    history,
		turnLogs:   turnLogs,
		telemetry:  tel,
		logger:     log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		sem:        make(chan struct{}, maxTurns),
	}
}

// ProcessTurn handles one user message and returns the finished turn.
func (o *Orchestrator) ProcessTurn(ctx context.Context, input TurnInput) (TurnOutput, error) {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return TurnOutput{}, ctx.Err()
	}

	turnCtx := ctx
	if o.config.General.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, o.config.General.TurnTimeout)
		defer cancel()
	}

	started := time.Now()
	tl := TurnLog{
		ID:             uuid.NewString(),
		ConversationID: input.ConversationID,
		UserID:         input.UserID,
		UserMessage:    input.Message,
		StartedAt:      started,
	}

	history := o.recentHistory(turnCtx, input.ConversationID)

	cls, err := o.planner.ClassifyIntent(turnCtx, input.Message, history)
	if err != nil {
		return o.finish(ctx, tl, TurnOutput{}, err, started)
	}
	tl.Intent = cls.Category
	tl.SubIntent = cls.SubIntent

	var out TurnOutput
	out.Intent = cls.Category
	out.SubIntent = cls.SubIntent
	out.OutputType = OutputText

	switch cls.Category {
	case IntentChat:
		reply, cerr := o.controller.RespondChat(turnCtx, input.Message, history)
		err = cerr
		out.Reply = reply
	case IntentKnowledge:
		out.Reply = o.answerKnowledge(turnCtx, input.Message)
	case IntentBusiness:
		err = o.runBusiness(turnCtx, input, cls, &tl, &out)
	}
	return o.finish(ctx, tl, out, err, started)
}

// runBusiness resolves a plan via the catalog or synthesis, executes it with
// at most MaxReplans replanning passes, and composes the reply.
func (o *Orchestrator) runBusiness(ctx context.Context, input TurnInput, cls Classification, tl *TurnLog, out *TurnOutput) error {
	plan, tier, err := o.resolvePlan(ctx, cls, input.Message, nil)
	if err != nil {
		return err
	}
	tl.EntryID = plan.EntryID
	tl.Synthesized = plan.Synthesized
	tl.MatchTier = tier
	out.MatchTier = tier

	results, replan, execErr := o.executor.Execute(ctx, plan, cls.Entities)
	replans := 0
	for replan != nil {
		if replans >= o.config.Executor.MaxReplans {
			tl.Steps = results
			return &ReplanLoopError{Attempts: replans + 1}
		}
		replans++
		o.telemetry.RecordReplan()
		o.logger.Printf("replanning turn for %s: step %d (%s) %s", input.ConversationID, replan.StepIndex, replan.Tool, replan.Reason)

		// The replanned pass is always synthesized and inherits the
		// entities extracted on the first classification.
		plan, _, err = o.resolvePlan(ctx, cls, input.Message, replan)
		if err != nil {
			tl.Steps = results
			return err
		}
		tl.Synthesized = true
		tl.Replanned = true
		out.Replanned = true
		results, replan, execErr = o.executor.Execute(ctx, plan, cls.Entities)
	}
	tl.Steps = results
	if execErr != nil {
		if reply := o.bestEffortReply(ctx, input.Message, plan, results, execErr); reply != "" {
			out.Reply = reply
		}
		return execErr
	}

	o.planner.MaybeSaveDynamicWorkflow(cls, plan, input.Message)

	reply, outputType, rerr := o.controller.RespondBusiness(ctx, input.Message, plan, results)
	if rerr != nil {
		return rerr
	}
	out.Reply = reply
	out.OutputType = outputType
	return nil
}

// bestEffortReply composes a reply from the partial step results of a failed
// plan. The failed step renders as "data unavailable" and the failure
// explanation is appended, so work already done still reaches the user.
// Failures that leave no step results keep their fixed replies.
func (o *Orchestrator) bestEffortReply(ctx context.Context, message string, plan Plan, results []StepResult, execErr error) string {
	var stepErr *StepExecutionError
	var asyncErr *AsyncTimeoutError
	if !errors.As(execErr, &stepErr) && !errors.As(execErr, &asyncErr) {
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	reply, _, err := o.controller.RespondBusiness(ctx, message, plan, results)
	if err != nil || reply == "" {
		return ""
	}
	return reply + "\n\n" + userFacingError(execErr)
}

// resolvePlan matches the catalog on the first pass and synthesizes
// otherwise. A replan always goes through synthesis: the matched entry
// already failed for this turn.
func (o *Orchestrator) resolvePlan(ctx context.Context, cls Classification, message string, replan *ReplanRequest) (Plan, string, error) {
	if replan == nil {
		match, err := o.planner.MatchWorkflow(ctx, cls, message)
		if err != nil {
			return Plan{}, "", err
		}
		if match != nil {
			return Plan{
				Steps:       match.Steps,
				PageCapable: match.PageCapable,
				EntryID:     match.EntryID,
			}, match.Tier, nil
		}
	}
	passages := o.retrievePassages(ctx, message)
	plan, err := o.planner.SynthesizePlan(ctx, cls, message, passages, replan)
	return plan, "", err
}

func (o *Orchestrator) answerKnowledge(ctx context.Context, message string) string {
	passages := o.retrievePassages(ctx, message)
	reply, err := o.controller.RespondKnowledge(ctx, message, passages)
	if err != nil {
		o.logger.Printf("knowledge response failed: %v", err)
		return "I could not consult the reference documents right now. Please try again shortly."
	}
	return reply
}

func (o *Orchestrator) retrievePassages(ctx context.Context, message string) []knowledge.Passage {
	if o.retriever == nil {
		return nil
	}
	passages, err := o.retriever.Retrieve(ctx, message, o.config.Knowledge.TopK)
	if err != nil {
		o.logger.Printf("retrieval failed: %v", err)
		return nil
	}
	return passages
}

func (o *Orchestrator) recentHistory(ctx context.Context, conversationID string) []Message {
	if o.history == nil {
		return nil
	}
	history, err := o.history.Recent(ctx, conversationID, 20)
	if err != nil {
		o.logger.Printf("loading history for %s failed: %v", conversationID, err)
		return nil
	}
	return history
}

// finish closes out the turn: it maps errors to a user-facing reply, appends
// both messages to history, persists the audit record and emits metrics.
// Persistence failures never fail an otherwise finished turn.
func (o *Orchestrator) finish(ctx context.Context, tl TurnLog, out TurnOutput, err error, started time.Time) (TurnOutput, error) {
	if err != nil {
		if out.Reply == "" {
			out.Reply = userFacingError(err)
		}
		out.OutputType = OutputText
		out.Status = TurnStatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			out.Status = TurnStatusTimeout
		}
		tl.Error = err.Error()
	} else {
		out.Status = TurnStatusDone
	}
	out.Intent = tl.Intent
	tl.Reply = out.Reply
	tl.OutputType = out.OutputType
	tl.Status = out.Status
	tl.FinishedAt = time.Now()

	if o.history != nil && tl.ConversationID != "" {
		if herr := o.history.Append(ctx, tl.ConversationID, Message{Role: "user", Content: tl.UserMessage, Timestamp: started}); herr != nil {
			o.logger.Printf("appending user message failed: %v", herr)
		}
		if herr := o.history.Append(ctx, tl.ConversationID, Message{Role: "assistant", Content: out.Reply, Timestamp: tl.FinishedAt}); herr != nil {
			o.logger.Printf("appending assistant message failed: %v", herr)
		}
	}
	if o.turnLogs != nil {
		if serr := o.turnLogs.SaveTurnLog(ctx, tl); serr != nil {
			o.logger.Printf("saving turn log %s failed: %v", tl.ID, serr)
		}
	}
	intent := tl.Intent
	if intent == "" {
		intent = "unknown"
	}
	o.telemetry.RecordTurn(intent, out.Status, time.Since(started))
	o.logger.Printf("turn %s finished: intent=%s status=%s in %v", tl.ID, intent, out.Status, time.Since(started))
	return out, nil
}

// userFacingError maps internal failures to replies that state what went
// wrong without leaking internals.
func userFacingError(err error) string {
	var asyncErr *AsyncTimeoutError
	var stepErr *StepExecutionError
	var loopErr *ReplanLoopError
	var synthErr *PlanSynthesisError
	switch {
	case errors.As(err, &asyncErr):
		return fmt.Sprintf("The %s job is taking longer than expected. It is still running; please ask again in a few minutes.", asyncErr.Tool)
	case errors.As(err, &loopErr):
		return "I could not settle on a working approach for this request. Please rephrase it or narrow it down."
	case errors.As(err, &stepErr):
		return fmt.Sprintf("I could not complete the request: the %s data source failed.", stepErr.Tool)
	case errors.As(err, &synthErr):
		return "I could not work out a sequence of data sources for this request. Please rephrase it."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request took too long and was cancelled. Please try a narrower question."
	default:
		return "Something went wrong while handling this request. Please try again."
	}
}
