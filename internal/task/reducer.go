package task

import (
	"encoding/json"
	"errors"
	"fmt"

	"seed/internal/event"
)

// ErrInvalidTransition is returned by command validation when an event
// type is not legal for the task's current status.
var ErrInvalidTransition = errors.New("invalid task state transition")

// nextStatus is the single encoding of the task state machine. It
// returns the status that applying eventType to a task in status would
// produce, and whether the transition is legal at all. Every other
// component asks this table instead of switching on statuses itself.
func nextStatus(status Status, eventType event.Type) (Status, bool) {
	switch status {
	case StatusOpen:
		switch eventType {
		case event.TypeTaskStarted:
			return StatusInProgress, true
		case event.TypeTaskCanceled:
			return StatusCanceled, true
		case event.TypeTaskInstructionAdded:
			// An instruction on an open task starts it implicitly.
			return StatusInProgress, true
		}
	case StatusInProgress:
		switch eventType {
		case event.TypeTaskStarted:
			// Idempotent restart.
			return StatusInProgress, true
		case event.TypeUserInteractionRequested:
			return StatusAwaitingUser, true
		case event.TypeTaskCompleted:
			return StatusDone, true
		case event.TypeTaskFailed:
			return StatusFailed, true
		case event.TypeTaskCanceled:
			return StatusCanceled, true
		case event.TypeTaskPaused:
			return StatusPaused, true
		case event.TypeTaskInstructionAdded:
			return StatusInProgress, true
		}
	case StatusAwaitingUser:
		switch eventType {
		case event.TypeUserInteractionResponded:
			return StatusInProgress, true
		case event.TypeTaskCanceled:
			return StatusCanceled, true
		case event.TypeTaskInstructionAdded:
			// Queued for after the interaction resolves.
			return StatusAwaitingUser, true
		}
	case StatusPaused:
		switch eventType {
		case event.TypeTaskResumed:
			return StatusInProgress, true
		case event.TypeTaskFailed:
			return StatusFailed, true
		case event.TypeTaskCanceled:
			return StatusCanceled, true
		}
	case StatusDone:
		switch eventType {
		case event.TypeTaskStarted:
			return StatusInProgress, true
		case event.TypeTaskInstructionAdded:
			return StatusInProgress, true
		}
	case StatusFailed, StatusCanceled:
		// Dead ends. A failed or canceled task is never restarted;
		// callers create a fresh task instead.
	}
	return status, false
}

// CanTransition reports whether eventType is a legal next event for a
// task currently in status. Command validation calls this before
// appending so illegal events never reach the log.
func CanTransition(status Status, eventType event.Type) bool {
	_, ok := nextStatus(status, eventType)
	return ok
}

// ValidateTransition is CanTransition with a descriptive error for the
// command layer to surface.
func ValidateTransition(status Status, eventType event.Type) error {
	if CanTransition(status, eventType) {
		return nil
	}
	return fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, status, eventType)
}

// Reduce applies one event to the state. It is deterministic, performs
// no I/O, and never fails: events that do not decode, reference unknown
// tasks, or encode an illegal transition are ignored so that a replay
// of any historical log always succeeds.
func Reduce(s *State, ev *event.Envelope) *State {
	if s == nil {
		s = NewState()
	}
	if ev == nil {
		return s
	}

	if ev.Type == event.TypeTaskCreated {
		reduceCreated(s, ev)
		return s
	}

	v := s.Tasks[ev.StreamID]
	if v == nil {
		return s
	}
	next, ok := nextStatus(v.Status, ev.Type)
	if !ok {
		return s
	}

	switch ev.Type {
	case event.TypeTaskStarted:
		v.Status = next

	case event.TypeTaskCompleted:
		var p event.TaskCompletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s
		}
		v.Status = next
		v.Summary = p.Summary

	case event.TypeTaskFailed:
		var p event.TaskFailedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s
		}
		v.Status = next
		v.FailureReason = p.Reason
		v.PendingInteractionID = ""

	case event.TypeTaskCanceled:
		var p event.TaskCanceledPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s
		}
		v.Status = next
		if p.Reason != "" {
			v.FailureReason = p.Reason
		}
		v.PendingInteractionID = ""

	case event.TypeTaskPaused:
		v.Status = next

	case event.TypeTaskResumed:
		v.Status = next

	case event.TypeTaskInstructionAdded:
		v.Status = next

	case event.TypeUserInteractionRequested:
		var p event.UserInteractionRequestedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s
		}
		v.Status = next
		v.PendingInteractionID = p.Interaction.InteractionID

	case event.TypeUserInteractionResponded:
		var p event.UserInteractionRespondedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s
		}
		// A response only counts when it answers the interaction the
		// task is actually waiting on. Stale responses are ignored.
		if v.PendingInteractionID == "" || p.InteractionID != v.PendingInteractionID {
			return s
		}
		v.Status = next
		v.PendingInteractionID = ""

	default:
		return s
	}

	v.UpdatedAt = ev.CreatedAt
	return s
}

func reduceCreated(s *State, ev *event.Envelope) {
	if _, exists := s.Tasks[ev.StreamID]; exists {
		return
	}
	var p event.TaskCreatedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	v := &View{
		TaskID:       ev.StreamID,
		Title:        p.Title,
		Intent:       p.Intent,
		Priority:     p.Priority,
		AgentID:      p.AgentID,
		ParentTaskID: p.ParentTaskID,
		Status:       StatusOpen,
		CreatedAt:    ev.CreatedAt,
		UpdatedAt:    ev.CreatedAt,
	}
	if v.Priority == "" {
		v.Priority = event.PriorityNormal
	}
	s.Tasks[ev.StreamID] = v
	s.Order = append(s.Order, ev.StreamID)

	if p.ParentTaskID != "" {
		if parent := s.Tasks[p.ParentTaskID]; parent != nil {
			parent.ChildTaskIDs = append(parent.ChildTaskIDs, ev.StreamID)
		}
	}
}

// ReduceAll folds a batch of events into the state in order.
func ReduceAll(s *State, evs []*event.Envelope) *State {
	for _, ev := range evs {
		s = Reduce(s, ev)
	}
	return s
}
