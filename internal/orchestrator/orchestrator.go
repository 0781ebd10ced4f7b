// Package orchestrator wires the processing queue, validation gate, state
// machine and session cache into one request-handling surface.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"convoflow/internal/core"
	"convoflow/internal/logger"
	"convoflow/internal/navigation"
	"convoflow/internal/queue"
	"convoflow/pkg"
)

// FallbackResponse is returned when every recovery path is exhausted; the
// transport layer never sees a raw error.
const FallbackResponse = "I couldn't process that. Please try again."

// Orchestrator accepts inbound navigation requests, runs them through the
// queue and state machine, and shapes the outcome into a response payload.
type Orchestrator struct {
	engine  *navigation.Engine
	queue   *queue.Queue
	timeout time.Duration
}

// New builds an orchestrator on top of an engine. The queue is created here
// so the engine is its only processor.
func New(engine *navigation.Engine, settings queue.Settings) *Orchestrator {
	o := &Orchestrator{
		engine:  engine,
		timeout: settings.RequestTimeout,
	}
	if o.timeout <= 0 {
		o.timeout = 30 * time.Second
	}
	o.queue = queue.New(settings, o.processRequest)
	return o
}

// Start launches the queue's dispatch loop.
func (o *Orchestrator) Start() { o.queue.Start() }

// Stop terminates the dispatch loop.
func (o *Orchestrator) Stop() { o.queue.Stop() }

// Queue exposes the underlying queue for batch submission and cancellation.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// HandleRequest enqueues one inbound request and waits for its terminal
// result. Failures degrade to a generic response rather than an error.
func (o *Orchestrator) HandleRequest(ctx context.Context, req pkg.NavigationRequest) pkg.Response {
	target := req.ToNodeID
	if req.NavigationType == pkg.NavigationContinue || target == "" {
		target = core.ContinueNode
	}

	id, err := o.queue.Enqueue(core.NavigationRequest{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		TenantID:     req.TenantID,
		FromNodeID:   req.FromNodeID,
		TargetNodeID: target,
		TemplateID:   req.TemplateID,
		UserInput:    req.UserInput,
		Priority:     core.PriorityNormal,
	})
	if err != nil {
		logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("request rejected at admission")
		return o.failureResponse(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result, err := o.queue.Await(waitCtx, id)
	if err != nil {
		logger.Warn().Err(err).Str("request_id", id).Msg("request did not finish in time")
		return o.failureResponse(err)
	}
	if !result.Success {
		return o.failureResponse(result.Err)
	}

	return pkg.Response{
		Success:           true,
		BotResponse:       result.BotResponse,
		RequiresUserInput: result.RequiresUserInput,
		NextNodeID:        result.NextNodeID,
		ContextUpdates:    result.ContextUpdates,
	}
}

func (o *Orchestrator) processRequest(ctx context.Context, req core.NavigationRequest) core.NavigationResult {
	return o.engine.Advance(ctx, req.UserID, req.TenantID, req.SessionID, req.TargetNodeID, navigation.AdvanceOptions{
		FromNodeID: req.FromNodeID,
		TemplateID: req.TemplateID,
		UserInput:  req.UserInput,
		Rollback:   req.Rollback,
	})
}

// failureResponse maps an error to the user-visible payload. Validation
// failures surface their violations; everything else degrades to the generic
// fallback.
func (o *Orchestrator) failureResponse(err error) pkg.Response {
	resp := pkg.Response{BotResponse: FallbackResponse}
	if err == nil {
		return resp
	}
	resp.Error = err.Error()
	switch {
	case errors.Is(err, core.ErrValidationFailed),
		errors.Is(err, core.ErrNavigationInProgress),
		errors.Is(err, core.ErrQueueFull):
		// Caller may retry with different input or later.
	}
	return resp
}
