package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"seed/internal/agent"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/logging"
	"seed/internal/task"
)

// WildcardTaskID applies a profile override to every task.
const WildcardTaskID = "*"

// Info is the runtime state surfaced by the query API.
type Info struct {
	ActiveTasks      []string                 `json:"activeTasks"`
	StreamingEnabled bool                     `json:"streamingEnabled"`
	ProfileOverrides map[string]agent.Profile `json:"profileOverrides,omitempty"`
	RegisteredAgents []string                 `json:"registeredAgents"`
}

// Manager is the single event-log subscriber. It owns the map of live
// runtimes and the per-task mutexes that serialize every state-changing
// runtime operation, routing each stored event to the right handler.
type Manager struct {
	deps   *Deps
	agents *agent.Registry
	logger logging.Logger

	mu        sync.Mutex
	runtimes  map[string]*Runtime
	locks     map[string]*sync.Mutex
	profiles  map[string]*agent.Profile
	streaming bool

	inflight    atomic.Int64
	processedID atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	cancelFeed func()
	stopped    chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewManager builds the manager. Call Start to begin routing.
func NewManager(deps *Deps, agents *agent.Registry) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		agents:   agents,
		logger:   logging.OrNop(deps.Logger),
		runtimes: make(map[string]*Runtime),
		locks:    make(map[string]*sync.Mutex),
		profiles: make(map[string]*agent.Profile),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// SetStreaming toggles global streaming. Takes effect at the next
// runtime lookup.
func (m *Manager) SetStreaming(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = on
}

// SetProfileOverride installs (or, with a nil profile, removes) a
// profile override for one task id or the "*" wildcard.
func (m *Manager) SetProfileOverride(taskID string, p *agent.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		delete(m.profiles, taskID)
		return
	}
	m.profiles[taskID] = p
}

// Info snapshots the manager state for the query API.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		StreamingEnabled: m.streaming,
		RegisteredAgents: m.agents.IDs(),
	}
	for id := range m.runtimes {
		info.ActiveTasks = append(info.ActiveTasks, id)
	}
	if len(m.profiles) > 0 {
		info.ProfileOverrides = make(map[string]agent.Profile, len(m.profiles))
		for id, p := range m.profiles {
			info.ProfileOverrides[id] = *p
		}
	}
	return info
}

// Start subscribes to the event store and begins routing.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		feed, cancel := m.deps.Store.Subscribe()
		m.cancelFeed = cancel
		go m.run(feed)
	})
}

// Stop ends routing and waits for in-flight handlers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancelFeed != nil {
			m.cancelFeed()
		}
		m.cancel()
		<-m.stopped
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.WaitForIdle(waitCtx)
	})
}

func (m *Manager) run(feed <-chan *event.Envelope) {
	defer close(m.stopped)
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return
			}
			m.route(ev)
			m.processedID.Store(ev.ID)
		case <-m.ctx.Done():
			return
		}
	}
}

// route dispatches one event. The projection is brought up to the
// event's id first so every handler reads post-event state.
func (m *Manager) route(ev *event.Envelope) {
	if err := m.deps.Projection.WaitFor(m.ctx, ev.ID); err != nil {
		return
	}
	taskID := ev.StreamID

	switch ev.Type {
	case event.TypeTaskCreated:
		var p event.TaskCreatedPayload
		if err := ev.Decode(&p); err != nil {
			m.logger.Warn("task %s: undecodable TaskCreated: %v", taskID, err)
			return
		}
		if _, ok := m.agents.Get(p.AgentID); !ok {
			m.logger.Debug("task %s: agent %q not registered here, ignoring", taskID, p.AgentID)
			return
		}
		rt := m.materialize(taskID)
		if rt == nil {
			return
		}
		m.async(taskID, func(ctx context.Context) error {
			return m.executeAndDrain(ctx, rt)
		})

	case event.TypeUserInteractionRequested:
		var p event.UserInteractionRequestedPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		m.watchConfirmation(taskID, p.Interaction)

	case event.TypeUserInteractionResponded:
		var p event.UserInteractionRespondedPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		req, ok := m.matchPendingRequest(ev, p.InteractionID)
		if !ok {
			m.logger.Warn("task %s: dropping stale interaction response %s", taskID, p.InteractionID)
			return
		}
		rt := m.materialize(taskID)
		if rt == nil {
			return
		}
		resp := p.Response
		m.async(taskID, func(ctx context.Context) error {
			if err := rt.Resume(ctx, &resp, req); err != nil {
				return err
			}
			return m.drain(ctx, rt)
		})

	case event.TypeTaskResumed:
		rt := m.materialize(taskID)
		if rt == nil {
			return
		}
		m.async(taskID, func(ctx context.Context) error {
			rt.OnResume()
			return m.executeAndDrain(ctx, rt)
		})

	case event.TypeTaskInstructionAdded:
		var p event.TaskInstructionAddedPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		rt := m.materialize(taskID)
		if rt == nil {
			return
		}
		m.async(taskID, func(ctx context.Context) error {
			if err := rt.OnInstruction(p.Instruction); err != nil {
				return err
			}
			return m.drain(ctx, rt)
		})

	case event.TypeTaskPaused:
		// Lock-free cooperative signal; must not queue behind the
		// in-flight pass it is trying to interrupt.
		if rt := m.lookup(taskID); rt != nil {
			rt.OnPause()
		}

	case event.TypeTaskCanceled:
		if rt := m.lookup(taskID); rt != nil {
			rt.OnCancel()
		}
		m.remove(taskID)

	case event.TypeTaskCompleted, event.TypeTaskFailed:
		m.remove(taskID)
	}
}

// watchConfirmation auto-rejects a confirmation nobody answers within
// the configured timeout. An abandoned Confirm would otherwise hold its
// risky tool call, and the task, in awaiting_user forever; other
// interaction kinds have no safe default answer and stay pending.
func (m *Manager) watchConfirmation(taskID string, req event.InteractionRequest) {
	if m.deps.Interactions == nil || req.Kind != event.InteractionConfirm {
		return
	}
	timeout := m.deps.InteractionTimeout
	if timeout <= 0 {
		timeout = interaction.DefaultResponseTimeout
	}
	go func() {
		resp, err := m.deps.Interactions.WaitForResponse(m.ctx, taskID, req.InteractionID, timeout)
		if err != nil || resp != nil {
			return
		}
		view, err := m.deps.Projection.Get(taskID)
		if err != nil || view.Status != task.StatusAwaitingUser {
			return
		}
		m.logger.Warn("task %s: confirmation %s unanswered after %s, rejecting", taskID, req.InteractionID, timeout)
		_, err = m.deps.Interactions.Respond(taskID, req.InteractionID, event.InteractionResponse{
			SelectedOptionID: event.OptionReject,
			Text:             "Confirmation timed out with no response",
		}, "system")
		if err != nil {
			m.logger.Warn("task %s: expiring confirmation %s: %v", taskID, req.InteractionID, err)
		}
	}()
}

// matchPendingRequest verifies the response answers the interaction
// that was pending immediately before it and returns that request.
func (m *Manager) matchPendingRequest(respEv *event.Envelope, interactionID string) (*event.InteractionRequest, bool) {
	evs, err := m.deps.Store.ReadStream(respEv.StreamID, 1)
	if err != nil {
		return nil, false
	}
	responded := make(map[string]bool)
	var last *event.InteractionRequest
	for _, ev := range evs {
		if ev.ID >= respEv.ID {
			break
		}
		switch ev.Type {
		case event.TypeUserInteractionRequested:
			var p event.UserInteractionRequestedPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			req := p.Interaction
			last = &req
		case event.TypeUserInteractionResponded:
			var p event.UserInteractionRespondedPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			responded[p.InteractionID] = true
		}
	}
	if last == nil || responded[last.InteractionID] || last.InteractionID != interactionID {
		return nil, false
	}
	return last, true
}

// lookup returns the live runtime for a task, or nil.
func (m *Manager) lookup(taskID string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[taskID]
}

// materialize returns the task's runtime, creating one from the
// projection when none is live (resume after restart, response for a
// dropped runtime). Profile and streaming settings are applied here so
// control changes take effect on the next execute.
func (m *Manager) materialize(taskID string) *Runtime {
	view, err := m.deps.Projection.Get(taskID)
	if err != nil {
		m.logger.Warn("task %s: cannot materialize runtime: %v", taskID, err)
		return nil
	}
	ag, ok := m.agents.Get(view.AgentID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimes[taskID]
	if rt == nil {
		rt = NewRuntime(taskID, ag, m.deps)
		m.runtimes[taskID] = rt
		m.deps.Metrics.TaskRuntimeStarted(m.ctx)
		if view.Status == task.StatusPaused {
			rt.OnPause()
		}
	}
	if p, ok := m.profiles[taskID]; ok {
		rt.SetProfile(p)
	} else if p, ok := m.profiles[WildcardTaskID]; ok {
		rt.SetProfile(p)
	}
	rt.SetStreaming(m.streaming)
	return rt
}

// remove drops a task's runtime and lock. Called on terminal events; a
// task id seen again later simply gets fresh entries. A late handler
// may still hold the old lock: it is past its terminal append and only
// tears down, and work queued on the fresh lock re-reads projection
// state before acting, so the two never run live passes concurrently.
func (m *Manager) remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runtimes[taskID]; ok {
		delete(m.runtimes, taskID)
		m.deps.Metrics.TaskRuntimeStopped(m.ctx)
	}
	delete(m.locks, taskID)
}

// lockFor returns the task's mutex, allocating on first use.
func (m *Manager) lockFor(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	return l
}

// async runs fn under the per-task lock in its own goroutine. A failure
// in one task's handler is logged and never stops the subscription.
func (m *Manager) async(taskID string, fn func(context.Context) error) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Add(-1)
		l := m.lockFor(taskID)
		l.Lock()
		defer l.Unlock()
		if err := fn(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("task %s: handler failed: %v", taskID, err)
		}
	}()
}

func (m *Manager) executeAndDrain(ctx context.Context, rt *Runtime) error {
	if err := rt.Execute(ctx); err != nil {
		return err
	}
	return m.drain(ctx, rt)
}

// drain re-executes while instructions queued up during the previous
// pass and the task can still make progress.
func (m *Manager) drain(ctx context.Context, rt *Runtime) error {
	for rt.HasPendingWork() {
		view, err := m.deps.Projection.Get(rt.taskID)
		if err != nil {
			return err
		}
		switch view.Status {
		case task.StatusAwaitingUser, task.StatusPaused, task.StatusCanceled, task.StatusFailed:
			return nil
		}
		if err := rt.Execute(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RecoverActiveTasks re-executes every task that was mid-flight when
// the process stopped. Unsettled tool calls replay through the repair
// path; risky ones re-request confirmation.
func (m *Manager) RecoverActiveTasks() {
	for _, view := range m.deps.Projection.ListByStatus(task.StatusInProgress) {
		rt := m.materialize(view.TaskID)
		if rt == nil {
			continue
		}
		m.logger.Info("task %s: recovering in-progress execution", view.TaskID)
		m.async(view.TaskID, func(ctx context.Context) error {
			return m.executeAndDrain(ctx, rt)
		})
	}
}

// WaitForIdle blocks until every stored event has been routed and no
// handler is in flight. Test and shutdown aid.
func (m *Manager) WaitForIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.inflight.Load() == 0 {
			tail, err := m.deps.Store.ReadAll(m.processedID.Load())
			if err != nil {
				return err
			}
			if len(tail) == 0 && m.inflight.Load() == 0 {
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopped:
			return nil
		}
	}
}
