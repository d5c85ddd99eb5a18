// Package event defines the domain event set and the append-only store that
// persists it. Events are the only way task state changes; everything else
// in the kernel is derived from this log.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags a domain event. The set is closed: decoding an unknown type is
// an error, not an extension point.
type Type string

const (
	TypeTaskCreated              Type = "TaskCreated"
	TypeTaskStarted              Type = "TaskStarted"
	TypeTaskCompleted            Type = "TaskCompleted"
	TypeTaskFailed               Type = "TaskFailed"
	TypeTaskCanceled             Type = "TaskCanceled"
	TypeTaskPaused               Type = "TaskPaused"
	TypeTaskResumed              Type = "TaskResumed"
	TypeTaskInstructionAdded     Type = "TaskInstructionAdded"
	TypeUserInteractionRequested Type = "UserInteractionRequested"
	TypeUserInteractionResponded Type = "UserInteractionResponded"
)

// Types lists every member of the closed event set.
func Types() []Type {
	return []Type{
		TypeTaskCreated,
		TypeTaskStarted,
		TypeTaskCompleted,
		TypeTaskFailed,
		TypeTaskCanceled,
		TypeTaskPaused,
		TypeTaskResumed,
		TypeTaskInstructionAdded,
		TypeUserInteractionRequested,
		TypeUserInteractionResponded,
	}
}

// Envelope is one stored event record. ID is the global order, Seq the
// per-stream order; both are assigned by the store at append time.
// Payloads are immutable once stored.
type Envelope struct {
	ID        int64           `json:"id"`
	StreamID  string          `json:"streamId"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Draft is an event awaiting append: a type plus its encoded payload.
type Draft struct {
	Type    Type
	Payload json.RawMessage
}

// NewDraft encodes payload and pairs it with its type.
func NewDraft(t Type, payload any) (*Draft, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return &Draft{Type: t, Payload: raw}, nil
}

// MustDraft is NewDraft for payloads that cannot fail to marshal.
func MustDraft(t Type, payload any) *Draft {
	d, err := NewDraft(t, payload)
	if err != nil {
		panic(err)
	}
	return d
}

// Priority orders tasks for surfaces that care; the kernel stores it verbatim.
type Priority string

const (
	PriorityForeground Priority = "foreground"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// TaskCreatedPayload opens a new stream.
type TaskCreatedPayload struct {
	TaskID        string   `json:"taskId"`
	Title         string   `json:"title"`
	Intent        string   `json:"intent"`
	Priority      Priority `json:"priority"`
	AgentID       string   `json:"agentId"`
	ParentTaskID  string   `json:"parentTaskId,omitempty"`
	AuthorActorID string   `json:"authorActorId"`
}

// TaskStartedPayload marks the beginning of an execution pass.
type TaskStartedPayload struct {
	TaskID        string `json:"taskId"`
	AuthorActorID string `json:"authorActorId"`
}

// TaskCompletedPayload is terminal-success with an agent-provided summary.
type TaskCompletedPayload struct {
	TaskID        string `json:"taskId"`
	Summary       string `json:"summary,omitempty"`
	AuthorActorID string `json:"authorActorId"`
}

// TaskFailedPayload is terminal-failure.
type TaskFailedPayload struct {
	TaskID        string `json:"taskId"`
	Reason        string `json:"reason,omitempty"`
	AuthorActorID string `json:"authorActorId"`
}

// TaskCanceledPayload is terminal-cancel.
type TaskCanceledPayload struct {
	TaskID        string `json:"taskId"`
	Reason        string `json:"reason,omitempty"`
	AuthorActorID string `json:"authorActorId"`
}

// TaskPausedPayload requests cooperative suspension.
type TaskPausedPayload struct {
	TaskID        string `json:"taskId"`
	AuthorActorID string `json:"authorActorId"`
}

// TaskResumedPayload lifts a pause.
type TaskResumedPayload struct {
	TaskID        string `json:"taskId"`
	AuthorActorID string `json:"authorActorId"`
}

// TaskInstructionAddedPayload injects a fresh user instruction.
type TaskInstructionAddedPayload struct {
	TaskID        string `json:"taskId"`
	Instruction   string `json:"instruction"`
	AuthorActorID string `json:"authorActorId"`
}

// UserInteractionRequestedPayload records a structured question to the user.
type UserInteractionRequestedPayload struct {
	TaskID        string             `json:"taskId"`
	Interaction   InteractionRequest `json:"interaction"`
	AuthorActorID string             `json:"authorActorId"`
}

// UserInteractionRespondedPayload records the user's answer.
type UserInteractionRespondedPayload struct {
	TaskID        string              `json:"taskId"`
	InteractionID string              `json:"interactionId"`
	Response      InteractionResponse `json:"response"`
	AuthorActorID string              `json:"authorActorId"`
}

// DecodePayload unmarshals an envelope's payload into its typed struct.
func DecodePayload(ev *Envelope) (any, error) {
	var target any
	switch ev.Type {
	case TypeTaskCreated:
		target = &TaskCreatedPayload{}
	case TypeTaskStarted:
		target = &TaskStartedPayload{}
	case TypeTaskCompleted:
		target = &TaskCompletedPayload{}
	case TypeTaskFailed:
		target = &TaskFailedPayload{}
	case TypeTaskCanceled:
		target = &TaskCanceledPayload{}
	case TypeTaskPaused:
		target = &TaskPausedPayload{}
	case TypeTaskResumed:
		target = &TaskResumedPayload{}
	case TypeTaskInstructionAdded:
		target = &TaskInstructionAddedPayload{}
	case TypeUserInteractionRequested:
		target = &UserInteractionRequestedPayload{}
	case TypeUserInteractionResponded:
		target = &UserInteractionRespondedPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return target, nil
}

// TaskIDOf extracts the taskId every payload carries without a full decode.
func TaskIDOf(ev *Envelope) string {
	var probe struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(ev.Payload, &probe); err != nil {
		return ""
	}
	return probe.TaskID
}

// IsTerminal reports whether the event type ends a task's execution.
func IsTerminal(t Type) bool {
	switch t {
	case TypeTaskCompleted, TypeTaskFailed, TypeTaskCanceled:
		return true
	default:
		return false
	}
}
