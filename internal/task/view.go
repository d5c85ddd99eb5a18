package task

import (
	"time"

	"seed/internal/event"
)

// Status is the lifecycle state of a task as derived by the reducer.
type Status string

const (
	StatusOpen         Status = "open"
	StatusInProgress   Status = "in_progress"
	StatusAwaitingUser Status = "awaiting_user"
	StatusPaused       Status = "paused"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

// IsTerminal reports whether the status is a resting state that ends the
// task's current run. Done tasks can still be restarted; failed and
// canceled tasks cannot.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Active reports whether a runtime should currently be doing work for
// a task in this status.
func (s Status) Active() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusAwaitingUser:
		return true
	}
	return false
}

// View is the projected read model of a single task. It is derived
// exclusively by replaying the task's events through Reduce.
type View struct {
	TaskID       string         `json:"taskId"`
	Title        string         `json:"title"`
	Intent       string         `json:"intent,omitempty"`
	Priority     event.Priority `json:"priority"`
	AgentID      string         `json:"agentId"`
	ParentTaskID string         `json:"parentTaskId,omitempty"`
	ChildTaskIDs []string       `json:"childTaskIds,omitempty"`

	Status Status `json:"status"`

	// PendingInteractionID is set while the task waits on the user.
	// Non-empty implies Status == awaiting_user.
	PendingInteractionID string `json:"pendingInteractionId,omitempty"`

	Summary       string `json:"summary,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can hold views without racing
// the projection's apply loop.
func (v *View) Clone() *View {
	if v == nil {
		return nil
	}
	cp := *v
	if len(v.ChildTaskIDs) > 0 {
		cp.ChildTaskIDs = append([]string(nil), v.ChildTaskIDs...)
	}
	return &cp
}

// State is the full projected read model: every task keyed by id, plus
// creation order so listings stay stable across replays.
type State struct {
	Tasks map[string]*View `json:"tasks"`
	Order []string         `json:"order"`
}

// NewState returns an empty reducer state.
func NewState() *State {
	return &State{Tasks: make(map[string]*View)}
}

// Clone deep-copies the state. Used by checkpointing and by tests that
// compare replayed state against a live one.
func (s *State) Clone() *State {
	cp := NewState()
	cp.Order = append([]string(nil), s.Order...)
	for id, v := range s.Tasks {
		cp.Tasks[id] = v.Clone()
	}
	return cp
}

// Get returns the view for a task id, or nil when unknown.
func (s *State) Get(taskID string) *View {
	return s.Tasks[taskID]
}
