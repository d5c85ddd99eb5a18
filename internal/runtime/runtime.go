// Package runtime drives agents: the per-task Runtime runs one agent
// pass at a time, the Handler translates yielded outputs into side
// effects, and the Manager routes event-log traffic to runtimes under
// per-task locks.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"seed/internal/agent"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/llm"
	"seed/internal/logging"
	"seed/internal/observability"
	"seed/internal/task"
	"seed/internal/tool"
)

// ErrTaskNotRestartable is returned when execution is requested for a
// failed or canceled task. Those are dead ends; re-running the work
// means creating a new task.
var ErrTaskNotRestartable = errors.New("task not restartable")

// errTerminal ends the pull loop after a terminal output was handled.
var errTerminal = errors.New("task reached terminal state")

// Deps bundles the shared collaborators every runtime uses.
type Deps struct {
	Store        event.Store
	Projection   *task.Projection
	Conversation *conversation.Manager
	Handler      *Handler
	Registry     *tool.Registry
	LLM          llm.Client
	UI           UISink
	Logger       logging.Logger
	Metrics      *observability.Metrics

	// WorkDir is the directory file tools operate in.
	WorkDir string

	Artifacts *tool.ArtifactStore

	// Interactions enables the manager's confirmation watchdog; nil
	// leaves unanswered confirmations pending forever.
	Interactions *interaction.Service

	// InteractionTimeout bounds how long an unanswered confirmation may
	// stay pending. Zero means interaction.DefaultResponseTimeout.
	InteractionTimeout time.Duration
}

// Runtime drives one task's agent. All state-changing methods are
// called under the manager's per-task lock; OnPause and OnCancel are
// the lock-free cooperative signals.
type Runtime struct {
	taskID string
	agent  agent.Agent
	deps   *Deps
	logger logging.Logger

	// profile and streaming are refreshed by the manager at lookup
	// time, before it takes the per-task lock.
	profile   atomic.Pointer[agent.Profile]
	streaming atomic.Bool

	paused      atomic.Bool
	canceled    atomic.Bool
	pendingWork atomic.Bool

	cancelMu   sync.Mutex
	cancelExec context.CancelFunc

	// ps and rejected are only touched under the per-task lock.
	ps       PassState
	rejected map[string]bool
}

// NewRuntime builds a runtime for one task.
func NewRuntime(taskID string, ag agent.Agent, deps *Deps) *Runtime {
	r := &Runtime{
		taskID:   taskID,
		agent:    ag,
		deps:     deps,
		logger:   logging.OrNop(deps.Logger),
		rejected: make(map[string]bool),
	}
	p := ag.DefaultProfile()
	r.profile.Store(&p)
	return r
}

// SetProfile overlays a profile override onto the agent's defaults for
// subsequent passes.
func (r *Runtime) SetProfile(override *agent.Profile) {
	p := r.agent.DefaultProfile().Merge(override)
	r.profile.Store(&p)
}

// SetStreaming toggles streaming for subsequent passes.
func (r *Runtime) SetStreaming(on bool) {
	r.streaming.Store(on)
}

// HasPendingWork reports whether instructions arrived that the manager
// still needs to drain.
func (r *Runtime) HasPendingWork() bool {
	return r.pendingWork.Load()
}

// OnPause sets the cooperative pause flag. The agent observes it at its
// next iteration boundary; outputs already yielded still get handled.
func (r *Runtime) OnPause() {
	r.paused.Store(true)
	r.logger.Info("task %s: pause requested", r.taskID)
}

// OnResume lifts the pause flag.
func (r *Runtime) OnResume() {
	r.paused.Store(false)
}

// OnCancel sets the cancel flag and aborts the in-flight pass,
// including any tool call honoring its context.
func (r *Runtime) OnCancel() {
	r.canceled.Store(true)
	r.cancelMu.Lock()
	cancel := r.cancelExec
	r.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.logger.Info("task %s: cancel requested", r.taskID)
}

// OnInstruction appends the instruction to the conversation and marks
// pending work for the manager's drain loop.
func (r *Runtime) OnInstruction(text string) error {
	if err := r.deps.Conversation.AppendUser(r.taskID, text); err != nil {
		return fmt.Errorf("append instruction: %w", err)
	}
	r.pendingWork.Store(true)
	return nil
}

// Resume feeds a user interaction response into the runtime and runs
// the next pass. For risky-tool confirmations the approval (or the
// rejection marker) is bound to the exact tool call the request named.
func (r *Runtime) Resume(ctx context.Context, resp *event.InteractionResponse, req *event.InteractionRequest) error {
	if resp != nil && req != nil {
		if bound := req.BoundToolCallID(); bound != "" {
			switch {
			case resp.Approved():
				r.ps = PassState{ConfirmedToolCallID: bound, ConfirmedInteractionID: resp.InteractionID}
			case resp.Rejected():
				r.rejected[bound] = true
			}
		} else if text := responseText(resp); text != "" {
			// Non-tool interactions carry the user's answer back into
			// the conversation so the model sees it.
			if err := r.deps.Conversation.AppendUser(r.taskID, text); err != nil {
				return fmt.Errorf("append interaction response: %w", err)
			}
		}
	}
	return r.Execute(ctx)
}

// Execute runs one agent pass: start the task if needed, repair
// unsettled tool calls, then pull outputs until the agent finishes,
// pauses, or the task ends.
func (r *Runtime) Execute(ctx context.Context) error {
	r.pendingWork.Store(false)
	if r.canceled.Load() {
		return nil
	}

	view, err := r.deps.Projection.Get(r.taskID)
	if err != nil {
		return err
	}
	switch view.Status {
	case task.StatusFailed, task.StatusCanceled:
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotRestartable, r.taskID, view.Status)
	case task.StatusPaused:
		// Needs an explicit resume first.
		return nil
	case task.StatusAwaitingUser:
		// Still waiting on the user; a response will re-enter through
		// Resume.
		return nil
	case task.StatusOpen, task.StatusDone:
		if err := r.appendStarted(ctx); err != nil {
			return err
		}
	}

	if err := r.repairRejectedCalls(); err != nil {
		return err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancelMu.Lock()
	r.cancelExec = cancel
	r.cancelMu.Unlock()
	defer func() {
		r.cancelMu.Lock()
		r.cancelExec = nil
		r.cancelMu.Unlock()
	}()

	streaming := r.streaming.Load()
	tc := &tool.Context{
		TaskID:    r.taskID,
		ActorID:   "agent",
		BaseDir:   r.deps.WorkDir,
		Artifacts: r.deps.Artifacts,
	}
	inv := &agent.Invocation{
		Task:         view,
		Conversation: r.deps.Conversation,
		LLM:          r.deps.LLM,
		Tools:        r.toolDefinitions(),
		Profile:      *r.profile.Load(),
		Streaming:    streaming,
		Paused:       r.paused.Load,
	}
	if streaming {
		inv.OnStreamChunk = func(chunk *llm.Chunk) {
			r.deps.UI.StreamDelta(r.taskID, chunk)
		}
	}

	yield := func(out *agent.Output) error {
		if r.canceled.Load() {
			return agent.ErrStopCanceled
		}
		outcome, err := r.deps.Handler.Handle(execCtx, r.taskID, tc, &r.ps, out)
		if err != nil {
			return err
		}
		if outcome.Terminal {
			return errTerminal
		}
		if outcome.Pause {
			return agent.ErrStopAwaitingUser
		}
		return nil
	}

	runErr := r.agent.Run(execCtx, inv, yield)
	if streaming {
		r.deps.UI.StreamEnd(r.taskID)
	}
	return r.classify(runErr)
}

// classify sorts a pass result into: clean end, cooperative stop,
// infrastructure failure (propagates, runtime stays live), or agent
// failure (task fails).
func (r *Runtime) classify(runErr error) error {
	switch {
	case runErr == nil, errors.Is(runErr, errTerminal), agent.IsStop(runErr):
		return nil
	}
	var infra *infraError
	if errors.As(runErr, &infra) {
		r.logger.Error("task %s: pass aborted on infrastructure failure: %v", r.taskID, infra.err)
		return infra.err
	}
	if r.canceled.Load() || errors.Is(runErr, context.Canceled) {
		return nil
	}

	r.logger.Error("task %s: agent failed: %v", r.taskID, runErr)
	draft, err := event.NewDraft(event.TypeTaskFailed, event.TaskFailedPayload{
		TaskID:        r.taskID,
		Reason:        runErr.Error(),
		AuthorActorID: "agent",
	})
	if err != nil {
		return err
	}
	if _, err := r.deps.Store.Append(r.taskID, []*event.Draft{draft}); err != nil {
		return fmt.Errorf("append task failure: %w", err)
	}
	return nil
}

// appendStarted records TaskStarted and waits for the projection so the
// rest of the pass reads post-start state.
func (r *Runtime) appendStarted(ctx context.Context) error {
	draft, err := event.NewDraft(event.TypeTaskStarted, event.TaskStartedPayload{
		TaskID:        r.taskID,
		AuthorActorID: "agent",
	})
	if err != nil {
		return err
	}
	evs, err := r.deps.Store.Append(r.taskID, []*event.Draft{draft})
	if err != nil {
		return fmt.Errorf("append task started: %w", err)
	}
	return r.deps.Projection.WaitFor(ctx, evs[len(evs)-1].ID)
}

// repairRejectedCalls settles pending tool calls the user has denied by
// synthesizing rejection results, so the agent's repair pass does not
// re-run them. Calls without a marker stay pending and will re-execute
// naturally.
func (r *Runtime) repairRejectedCalls() error {
	if len(r.rejected) == 0 {
		return nil
	}
	pending, err := r.deps.Conversation.PendingToolCalls(r.taskID)
	if err != nil {
		return err
	}
	for _, call := range pending {
		if !r.rejected[call.ID] {
			continue
		}
		delete(r.rejected, call.ID)
		if _, err := r.deps.Conversation.PersistToolResultIfMissing(
			r.taskID, call.ID, call.Name, rejectedMessage, true); err != nil {
			return err
		}
		r.logger.Info("task %s: synthesized rejection result for tool call %s", r.taskID, call.ID)
	}
	return nil
}

// toolDefinitions renders the agent's tool selection. Empty ToolGroups
// means every registered tool.
func (r *Runtime) toolDefinitions() []llm.ToolDefinition {
	groups := r.agent.ToolGroups()
	if len(groups) == 0 {
		return r.deps.Registry.Definitions(nil)
	}
	want := make(map[string]bool, len(groups))
	for _, g := range groups {
		want[g] = true
	}
	filter := make(map[string]bool)
	for _, t := range r.deps.Registry.List() {
		if g, ok := t.(tool.Grouped); ok && want[g.Group()] {
			filter[t.Name()] = true
		}
	}
	return r.deps.Registry.Definitions(filter)
}

func responseText(resp *event.InteractionResponse) string {
	if resp.Text != "" {
		return resp.Text
	}
	if resp.SelectedOptionID != "" {
		return resp.SelectedOptionID
	}
	if len(resp.Values) > 0 {
		raw, err := json.Marshal(resp.Values)
		if err == nil {
			return string(raw)
		}
	}
	return ""
}
