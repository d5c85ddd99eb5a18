// Package command implements the write side of the API: each command
// validates against the projected task state, appends the resulting
// events, and waits for the projection to catch up so callers read
// their own writes.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"seed/internal/agent"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/logging"
	"seed/internal/runtime"
	"seed/internal/task"
	"seed/internal/utils/id"
)

var (
	// ErrValidation marks malformed input. The HTTP layer maps it to 400.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownAgent means the requested agent id is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
)

// CreateTaskInput is the payload for CreateTask.
type CreateTaskInput struct {
	Title        string         `json:"title"`
	Intent       string         `json:"intent,omitempty"`
	Priority     event.Priority `json:"priority,omitempty"`
	AgentID      string         `json:"agentId"`
	ParentTaskID string         `json:"parentTaskId,omitempty"`
	ActorID      string         `json:"actorId,omitempty"`
}

// Service validates and appends commands. It holds no task state; the
// projection is the single source of current status.
type Service struct {
	store        event.Store
	projection   *task.Projection
	interactions *interaction.Service
	agents       *agent.Registry
	logger       logging.Logger

	// controls is attached after the runtime manager exists; profile
	// and streaming commands fail cleanly until then.
	controls *runtime.Manager
}

// NewService builds the command service.
func NewService(
	store event.Store,
	projection *task.Projection,
	interactions *interaction.Service,
	agents *agent.Registry,
	logger logging.Logger,
) *Service {
	return &Service{
		store:        store,
		projection:   projection,
		interactions: interactions,
		agents:       agents,
		logger:       logging.OrNop(logger),
	}
}

// AttachRuntime wires the runtime manager in once it exists. The
// service is constructed first because the subtask tools need it before
// the manager starts.
func (s *Service) AttachRuntime(m *runtime.Manager) {
	s.controls = m
}

func actorOrUser(actorID string) string {
	if actorID == "" {
		return "user"
	}
	return actorID
}

// CreateTask validates the input, assigns a task id, and appends
// TaskCreated.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (string, []*event.Envelope, error) {
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Intent) == "" {
		return "", nil, fmt.Errorf("%w: title or intent is required", ErrValidation)
	}
	if in.AgentID == "" {
		return "", nil, fmt.Errorf("%w: agentId is required", ErrValidation)
	}
	if _, ok := s.agents.Get(in.AgentID); !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAgent, in.AgentID)
	}
	if in.ParentTaskID != "" {
		if _, err := s.projection.Get(in.ParentTaskID); err != nil {
			return "", nil, fmt.Errorf("%w: parent task %s: %v", ErrValidation, in.ParentTaskID, err)
		}
	}
	if in.Priority == "" {
		in.Priority = event.PriorityNormal
	}

	taskID := id.NewTaskID()
	draft, err := event.NewDraft(event.TypeTaskCreated, event.TaskCreatedPayload{
		TaskID:        taskID,
		Title:         in.Title,
		Intent:        in.Intent,
		Priority:      in.Priority,
		AgentID:       in.AgentID,
		ParentTaskID:  in.ParentTaskID,
		AuthorActorID: actorOrUser(in.ActorID),
	})
	if err != nil {
		return "", nil, err
	}
	evs, err := s.append(ctx, taskID, draft)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info("task %s created (agent %s)", taskID, in.AgentID)
	return taskID, evs, nil
}

// CreateTaskGroup creates several tasks in one call. Validation is
// all-or-nothing; appends are per task.
func (s *Service) CreateTaskGroup(ctx context.Context, ins []CreateTaskInput) ([]string, []*event.Envelope, error) {
	if len(ins) == 0 {
		return nil, nil, fmt.Errorf("%w: empty task group", ErrValidation)
	}
	for i, in := range ins {
		if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Intent) == "" {
			return nil, nil, fmt.Errorf("%w: task %d: title or intent is required", ErrValidation, i)
		}
		if _, ok := s.agents.Get(in.AgentID); !ok {
			return nil, nil, fmt.Errorf("%w: task %d: %s", ErrUnknownAgent, i, in.AgentID)
		}
	}
	var ids []string
	var all []*event.Envelope
	for _, in := range ins {
		taskID, evs, err := s.CreateTask(ctx, in)
		if err != nil {
			return ids, all, err
		}
		ids = append(ids, taskID)
		all = append(all, evs...)
	}
	return ids, all, nil
}

// CancelTask appends TaskCanceled after a transition check.
func (s *Service) CancelTask(ctx context.Context, taskID, reason, actorID string) ([]*event.Envelope, error) {
	if err := s.checkTransition(taskID, event.TypeTaskCanceled); err != nil {
		return nil, err
	}
	draft, err := event.NewDraft(event.TypeTaskCanceled, event.TaskCanceledPayload{
		TaskID:        taskID,
		Reason:        reason,
		AuthorActorID: actorOrUser(actorID),
	})
	if err != nil {
		return nil, err
	}
	return s.append(ctx, taskID, draft)
}

// PauseTask appends TaskPaused after a transition check.
func (s *Service) PauseTask(ctx context.Context, taskID, actorID string) ([]*event.Envelope, error) {
	if err := s.checkTransition(taskID, event.TypeTaskPaused); err != nil {
		return nil, err
	}
	draft, err := event.NewDraft(event.TypeTaskPaused, event.TaskPausedPayload{
		TaskID:        taskID,
		AuthorActorID: actorOrUser(actorID),
	})
	if err != nil {
		return nil, err
	}
	return s.append(ctx, taskID, draft)
}

// ResumeTask appends TaskResumed after a transition check.
func (s *Service) ResumeTask(ctx context.Context, taskID, actorID string) ([]*event.Envelope, error) {
	if err := s.checkTransition(taskID, event.TypeTaskResumed); err != nil {
		return nil, err
	}
	draft, err := event.NewDraft(event.TypeTaskResumed, event.TaskResumedPayload{
		TaskID:        taskID,
		AuthorActorID: actorOrUser(actorID),
	})
	if err != nil {
		return nil, err
	}
	return s.append(ctx, taskID, draft)
}

// AddInstruction appends TaskInstructionAdded. Paused and terminal
// error states reject it: no silent override of an explicit pause.
func (s *Service) AddInstruction(ctx context.Context, taskID, instruction, actorID string) ([]*event.Envelope, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("%w: instruction is required", ErrValidation)
	}
	if err := s.checkTransition(taskID, event.TypeTaskInstructionAdded); err != nil {
		return nil, err
	}
	draft, err := event.NewDraft(event.TypeTaskInstructionAdded, event.TaskInstructionAddedPayload{
		TaskID:        taskID,
		Instruction:   instruction,
		AuthorActorID: actorOrUser(actorID),
	})
	if err != nil {
		return nil, err
	}
	return s.append(ctx, taskID, draft)
}

// RespondToInteraction validates against the pending interaction and
// appends UserInteractionResponded.
func (s *Service) RespondToInteraction(ctx context.Context, taskID, interactionID string, resp event.InteractionResponse, actorID string) ([]*event.Envelope, error) {
	if _, err := s.projection.Get(taskID); err != nil {
		return nil, err
	}
	ev, err := s.interactions.Respond(taskID, interactionID, resp, actorOrUser(actorID))
	if err != nil {
		return nil, err
	}
	if err := s.projection.WaitFor(ctx, ev.ID); err != nil {
		return nil, err
	}
	return []*event.Envelope{ev}, nil
}

// SetProfileOverride installs a runtime profile override for a task id
// or the "*" wildcard.
func (s *Service) SetProfileOverride(taskID string, p *agent.Profile) error {
	if s.controls == nil {
		return fmt.Errorf("%w: runtime not attached", ErrValidation)
	}
	if taskID == "" {
		return fmt.Errorf("%w: taskId is required", ErrValidation)
	}
	s.controls.SetProfileOverride(taskID, p)
	return nil
}

// SetStreaming toggles global streaming.
func (s *Service) SetStreaming(on bool) error {
	if s.controls == nil {
		return fmt.Errorf("%w: runtime not attached", ErrValidation)
	}
	s.controls.SetStreaming(on)
	return nil
}

// RuntimeInfo snapshots runtime manager state.
func (s *Service) RuntimeInfo() (runtime.Info, error) {
	if s.controls == nil {
		return runtime.Info{}, fmt.Errorf("%w: runtime not attached", ErrValidation)
	}
	return s.controls.Info(), nil
}

// checkTransition rejects events the task's current status does not
// accept, so illegal transitions never reach the log.
func (s *Service) checkTransition(taskID string, t event.Type) error {
	view, err := s.projection.Get(taskID)
	if err != nil {
		return err
	}
	return task.ValidateTransition(view.Status, t)
}

// append writes drafts and waits for the projection so the caller's
// next read observes the command's effects.
func (s *Service) append(ctx context.Context, taskID string, drafts ...*event.Draft) ([]*event.Envelope, error) {
	evs, err := s.store.Append(taskID, drafts)
	if err != nil {
		return nil, err
	}
	if len(evs) > 0 {
		if err := s.projection.WaitFor(ctx, evs[len(evs)-1].ID); err != nil {
			return nil, err
		}
	}
	return evs, nil
}
