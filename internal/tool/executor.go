package tool

import (
	"context"
	"fmt"
	"time"

	"seed/internal/audit"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/logging"
	"seed/internal/observability"
)

// Execution is the executor's verdict on one tool call, ready to be
// persisted as a tool message.
type Execution struct {
	ToolCallID string
	ToolName   string
	Output     string
	IsError    bool
	Duration   time.Duration
}

// Executor resolves and runs tool calls. Every run is bracketed by
// audit entries regardless of outcome.
type Executor struct {
	registry *Registry
	audit    *audit.Log
	logger   logging.Logger
	metrics  *observability.Metrics
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// WithExecutorMetrics attaches the metrics recorder.
func WithExecutorMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor builds an executor over the registry. The audit log is
// required; the whole point of the executor is the trace.
func NewExecutor(registry *Registry, auditLog *audit.Log, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry, audit: auditLog, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the underlying registry for definition listing.
func (e *Executor) Registry() *Registry { return e.registry }

// Precheck runs the tool's CanExecute hook if it has one. It is called
// before the risk gate so a doomed risky call never reaches the user.
func (e *Executor) Precheck(ctx context.Context, call conversation.ToolCall, tc *Context) error {
	t, err := e.registry.Get(call.Name)
	if err != nil {
		return err
	}
	if pc, ok := t.(Prechecker); ok {
		return pc.CanExecute(ctx, call.Args, tc)
	}
	return nil
}

// RiskOf returns the tool's risk level, defaulting to risky for
// unknown tools so nothing slips past the gate.
func (e *Executor) RiskOf(name string) RiskLevel {
	t, err := e.registry.Get(name)
	if err != nil {
		return RiskRisky
	}
	return t.RiskLevel()
}

// ConfirmPreview asks the tool for a custom confirmation display, or
// returns nil when the tool has none (the caller then builds a generic
// prompt from the raw arguments).
func (e *Executor) ConfirmPreview(ctx context.Context, call conversation.ToolCall, tc *Context) *event.InteractionDisplay {
	t, err := e.registry.Get(call.Name)
	if err != nil {
		return nil
	}
	p, ok := t.(ConfirmPreviewer)
	if !ok {
		return nil
	}
	display, err := p.ConfirmPreview(ctx, call.Args, tc)
	if err != nil {
		e.logger.Warn("tool %s: confirm preview failed, using generic prompt: %v", call.Name, err)
		return nil
	}
	return display
}

// Execute runs one tool call to completion. It never returns a Go
// error: lookup failures, precondition violations, panics and tool
// errors all land in the Execution as error output, because the agent
// loop needs a tool message either way.
func (e *Executor) Execute(ctx context.Context, call conversation.ToolCall, tc *Context) *Execution {
	start := time.Now()
	exec := &Execution{ToolCallID: call.ID, ToolName: call.Name}

	e.audit.ToolCallRequested(tc.TaskID, tc.ActorID, call.ID, call.Name, call.Args)

	t, err := e.registry.Get(call.Name)
	if err != nil {
		exec.Output = err.Error()
		exec.IsError = true
		e.finish(ctx, exec, tc, start)
		return exec
	}

	if t.RiskLevel() == RiskRisky && tc.ConfirmedInteractionID == "" {
		exec.Output = fmt.Sprintf("risky tool %s invoked without an approved confirmation", call.Name)
		exec.IsError = true
		e.finish(ctx, exec, tc, start)
		return exec
	}

	result := e.runSafely(ctx, t, call, tc)
	exec.Output = result.Output
	exec.IsError = result.IsError
	e.finish(ctx, exec, tc, start)
	return exec
}

// runSafely converts panics and returned errors into error results.
func (e *Executor) runSafely(ctx context.Context, t Tool, call conversation.ToolCall, tc *Context) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool %s panicked: %v", call.Name, r)
			result = Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	res, err := t.Execute(ctx, call.Args, tc)
	if err != nil {
		return Errorf("%v", err)
	}
	if res == nil {
		return &Result{}
	}
	return res
}

func (e *Executor) finish(ctx context.Context, exec *Execution, tc *Context, start time.Time) {
	exec.Duration = time.Since(start)
	e.audit.ToolCallCompleted(tc.TaskID, tc.ActorID, exec.ToolCallID, exec.ToolName, exec.Output, exec.IsError, exec.Duration)
	if e.metrics != nil {
		e.metrics.RecordToolExecution(ctx, exec.ToolName, exec.IsError, exec.Duration)
	}
	e.logger.Debug("tool %s (%s) finished in %s error=%v", exec.ToolName, exec.ToolCallID, exec.Duration, exec.IsError)
}
