package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"seed/internal/event"
	"seed/internal/logging"
)

// ProjectionName is the key the task read model is checkpointed under.
const ProjectionName = "tasks"

// DefaultCheckpointEvery is how many applied events pass between
// checkpoint writes. Replay from the last checkpoint covers the tail.
const DefaultCheckpointEvery = 20

// ErrNotFound is returned when a task id is not in the read model.
var ErrNotFound = errors.New("task not found")

// ErrProjectionClosed is returned by WaitFor when the projection stops
// before the requested event id was applied.
var ErrProjectionClosed = errors.New("task projection closed")

// Projection maintains the task read model by folding the event log
// through Reduce. It restores from the latest checkpoint, replays the
// tail, then follows the store's live feed. All reads return copies.
type Projection struct {
	store           event.Store
	logger          logging.Logger
	checkpointEvery int

	mu              sync.RWMutex
	state           *State
	cursor          int64
	sinceCheckpoint int
	waiters         []projWaiter

	cancelFeed func()
	done       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
}

type projWaiter struct {
	id int64
	ch chan struct{}
}

// ProjectionOption customizes a Projection.
type ProjectionOption func(*Projection)

// WithProjectionLogger sets the logger.
func WithProjectionLogger(l logging.Logger) ProjectionOption {
	return func(p *Projection) { p.logger = logging.OrNop(l) }
}

// WithCheckpointEvery overrides the checkpoint interval. Values below 1
// disable periodic checkpoints; Stop still writes a final one.
func WithCheckpointEvery(n int) ProjectionOption {
	return func(p *Projection) { p.checkpointEvery = n }
}

// NewProjection restores the read model and starts following the store.
// The subscription is taken before the tail replay so no event between
// checkpoint and "now" can be missed; duplicates are skipped by cursor.
func NewProjection(store event.Store, opts ...ProjectionOption) (*Projection, error) {
	p := &Projection{
		store:           store,
		logger:          logging.Nop(),
		checkpointEvery: DefaultCheckpointEvery,
		state:           NewState(),
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	cursor, raw, err := store.GetProjection(ProjectionName, nil)
	if err != nil {
		return nil, fmt.Errorf("load task projection: %w", err)
	}
	if len(raw) > 0 {
		st := NewState()
		if err := json.Unmarshal(raw, st); err != nil {
			// A corrupt checkpoint is recoverable: rebuild from scratch.
			p.logger.Warn("task projection checkpoint unreadable, rebuilding: %v", err)
			cursor = 0
		} else {
			if st.Tasks == nil {
				st.Tasks = make(map[string]*View)
			}
			p.state = st
		}
	}
	p.cursor = cursor

	feed, cancel := store.Subscribe()
	p.cancelFeed = cancel

	tail, err := store.ReadAll(p.cursor)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("replay task projection tail: %w", err)
	}
	for _, ev := range tail {
		p.applyLocked(ev)
	}
	if len(tail) > 0 {
		p.logger.Debug("task projection replayed %d events to id %d", len(tail), p.cursor)
	}

	go p.run(feed)
	return p, nil
}

func (p *Projection) run(feed <-chan *event.Envelope) {
	defer close(p.stopped)
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return
			}
			p.applyLocked(ev)
		case <-p.done:
			return
		}
	}
}

func (p *Projection) applyLocked(ev *event.Envelope) {
	p.mu.Lock()
	if ev.ID <= p.cursor {
		p.mu.Unlock()
		return
	}
	Reduce(p.state, ev)
	p.cursor = ev.ID
	p.notifyWaiters()

	var snapshot json.RawMessage
	var snapCursor int64
	if p.checkpointEvery > 0 {
		p.sinceCheckpoint++
		if p.sinceCheckpoint >= p.checkpointEvery {
			p.sinceCheckpoint = 0
			snapshot, snapCursor = p.marshalState(), p.cursor
		}
	}
	p.mu.Unlock()

	if snapshot != nil {
		if err := p.store.SaveProjection(ProjectionName, snapCursor, snapshot); err != nil {
			p.logger.Warn("task projection checkpoint failed at id %d: %v", snapCursor, err)
		}
	}
}

// marshalState must be called with mu held.
func (p *Projection) marshalState() json.RawMessage {
	raw, err := json.Marshal(p.state)
	if err != nil {
		p.logger.Error("task projection state marshal failed: %v", err)
		return nil
	}
	return raw
}

// notifyWaiters must be called with mu held.
func (p *Projection) notifyWaiters() {
	if len(p.waiters) == 0 {
		return
	}
	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if w.id <= p.cursor {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	p.waiters = remaining
}

// Get returns a copy of the task view, or ErrNotFound.
func (p *Projection) Get(taskID string) (*View, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v := p.state.Tasks[taskID]
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return v.Clone(), nil
}

// List returns copies of every task view in creation order.
func (p *Projection) List() []*View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*View, 0, len(p.state.Order))
	for _, id := range p.state.Order {
		if v := p.state.Tasks[id]; v != nil {
			out = append(out, v.Clone())
		}
	}
	return out
}

// ListByStatus returns copies of every task currently in one of the
// given statuses, in creation order.
func (p *Projection) ListByStatus(statuses ...Status) []*View {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*View
	for _, id := range p.state.Order {
		v := p.state.Tasks[id]
		if v != nil && want[v.Status] {
			out = append(out, v.Clone())
		}
	}
	return out
}

// Cursor returns the id of the last applied event.
func (p *Projection) Cursor() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}

// WaitFor blocks until the projection has applied the event with the
// given id. Callers that just appended use it as a read barrier before
// consulting Get or List.
func (p *Projection) WaitFor(ctx context.Context, id int64) error {
	p.mu.Lock()
	if p.cursor >= id {
		p.mu.Unlock()
		return nil
	}
	w := projWaiter{id: id, ch: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrProjectionClosed
	}
}

// Stop detaches from the store and writes a final checkpoint.
func (p *Projection) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.cancelFeed != nil {
			p.cancelFeed()
		}
		<-p.stopped

		p.mu.Lock()
		snapshot, cursor := p.marshalState(), p.cursor
		p.mu.Unlock()
		if snapshot != nil {
			if err := p.store.SaveProjection(ProjectionName, cursor, snapshot); err != nil {
				p.logger.Warn("task projection final checkpoint failed: %v", err)
			}
		}
	})
}
