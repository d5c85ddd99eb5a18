package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"seed/internal/agent"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/logging"
	"seed/internal/tool"
)

// rejectedMessage is the tool result synthesized for a call the user
// denied. The model sees it and moves on.
const rejectedMessage = "User rejected the request"

// Outcome is the handler's verdict on one output: whether the pass
// should stop pulling (pause) and whether the task just ended.
type Outcome struct {
	Pause    bool
	Terminal bool
}

// PassState is the per-execute confirmation state the handler threads a
// risky approval through. The approval is single use: it is consumed by
// the first tool call it matches.
type PassState struct {
	ConfirmedToolCallID    string
	ConfirmedInteractionID string
}

// infraError marks a failure of the kernel's own machinery (event log,
// conversation store). It aborts the pass and propagates; it is not an
// agent failure.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

// Handler translates one AgentOutput into side effects: UI emission,
// tool execution, domain events, pause and terminal signals. It is a
// pure translator; it never reads projection state.
type Handler struct {
	conv         *conversation.Manager
	executor     *tool.Executor
	interactions *interaction.Service
	store        event.Store
	ui           UISink
	logger       logging.Logger

	// actorID stamps the events the handler appends on the agent's
	// behalf.
	actorID string
}

// NewHandler builds the output handler.
func NewHandler(
	conv *conversation.Manager,
	executor *tool.Executor,
	interactions *interaction.Service,
	store event.Store,
	ui UISink,
	logger logging.Logger,
) *Handler {
	if ui == nil {
		ui = NopUISink()
	}
	return &Handler{
		conv:         conv,
		executor:     executor,
		interactions: interactions,
		store:        store,
		ui:           ui,
		logger:       logging.OrNop(logger),
		actorID:      "agent",
	}
}

// Handle processes one output for the task. tc is the tool context the
// pass executes tools in; ps carries the single-use risky approval.
func (h *Handler) Handle(ctx context.Context, taskID string, tc *tool.Context, ps *PassState, out *agent.Output) (Outcome, error) {
	switch out.Kind {
	case agent.OutputText, agent.OutputReasoning, agent.OutputVerbose, agent.OutputError:
		h.ui.AgentOutput(taskID, out)
		return Outcome{}, nil

	case agent.OutputInteraction:
		if _, err := h.interactions.Request(taskID, *out.Interaction, h.actorID); err != nil {
			return Outcome{}, &infraError{err}
		}
		return Outcome{Pause: true}, nil

	case agent.OutputToolCall:
		return h.handleToolCall(ctx, taskID, tc, ps, *out.ToolCall)

	case agent.OutputDone:
		if err := h.appendTaskEvent(taskID, event.TypeTaskCompleted, event.TaskCompletedPayload{
			TaskID:        taskID,
			Summary:       out.Summary,
			AuthorActorID: h.actorID,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Terminal: true}, nil

	case agent.OutputFailed:
		if err := h.appendTaskEvent(taskID, event.TypeTaskFailed, event.TaskFailedPayload{
			TaskID:        taskID,
			Reason:        out.Reason,
			AuthorActorID: h.actorID,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Terminal: true}, nil

	default:
		h.logger.Warn("task %s: dropping output of unknown kind %q", taskID, out.Kind)
		return Outcome{}, nil
	}
}

// handleToolCall runs the full tool gate: precheck, risk policy,
// execution, result persistence.
func (h *Handler) handleToolCall(ctx context.Context, taskID string, tc *tool.Context, ps *PassState, call conversation.ToolCall) (Outcome, error) {
	// Precheck runs before the risk gate so a doomed risky call never
	// bothers the user with a confirmation it could not survive.
	if err := h.executor.Precheck(ctx, call, tc); err != nil {
		h.logger.Info("task %s: tool %s precheck failed: %v", taskID, call.Name, err)
		return Outcome{}, h.persistResult(taskID, call, fmt.Sprintf("error: %v", err), true)
	}

	if h.executor.RiskOf(call.Name) == tool.RiskRisky {
		if ps.ConfirmedToolCallID != call.ID {
			return h.requestConfirmation(ctx, taskID, tc, call)
		}
		// Single use: a second risky call in the same pass needs its
		// own confirmation.
		tc.ConfirmedInteractionID = ps.ConfirmedInteractionID
		ps.ConfirmedToolCallID = ""
		ps.ConfirmedInteractionID = ""
		defer func() { tc.ConfirmedInteractionID = "" }()
	}

	h.ui.ToolCallStart(taskID, call)
	exec := h.executor.Execute(ctx, call, tc)
	h.ui.ToolCallEnd(taskID, call.ID, exec.Output, exec.IsError)
	return Outcome{}, h.persistResult(taskID, call, exec.Output, exec.IsError)
}

// requestConfirmation emits a Confirm interaction bound to the tool
// call by display metadata, so the later approval can only release this
// exact call.
func (h *Handler) requestConfirmation(ctx context.Context, taskID string, tc *tool.Context, call conversation.ToolCall) (Outcome, error) {
	display := h.executor.ConfirmPreview(ctx, call, tc)
	if display == nil {
		display = &event.InteractionDisplay{
			Title:       fmt.Sprintf("Allow %s?", call.Name),
			Body:        prettyArgs(call.Args),
			ContentKind: event.ContentKindJSON,
		}
	}
	if display.Metadata == nil {
		display.Metadata = make(map[string]string)
	}
	display.Metadata[event.MetadataToolCallID] = call.ID

	req := event.InteractionRequest{
		Kind:    event.InteractionConfirm,
		Purpose: fmt.Sprintf("Confirm execution of risky tool %s", call.Name),
		Display: *display,
		Options: []event.InteractionOption{
			{ID: event.OptionApprove, Label: "Approve"},
			{ID: event.OptionReject, Label: "Reject"},
		},
	}
	if _, err := h.interactions.Request(taskID, req, h.actorID); err != nil {
		return Outcome{}, &infraError{err}
	}
	return Outcome{Pause: true}, nil
}

func (h *Handler) persistResult(taskID string, call conversation.ToolCall, output string, isError bool) error {
	if _, err := h.conv.PersistToolResultIfMissing(taskID, call.ID, call.Name, output, isError); err != nil {
		return &infraError{err}
	}
	return nil
}

func (h *Handler) appendTaskEvent(taskID string, t event.Type, payload any) error {
	draft, err := event.NewDraft(t, payload)
	if err != nil {
		return &infraError{err}
	}
	if _, err := h.store.Append(taskID, []*event.Draft{draft}); err != nil {
		return &infraError{err}
	}
	return nil
}

func prettyArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}
