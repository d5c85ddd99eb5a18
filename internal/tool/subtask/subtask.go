// Package subtask provides the pseudo-tool that lets an agent delegate
// work: it spawns a child task for another agent, blocks until the
// child reaches a terminal state, and cascades cancellation from the
// parent.
package subtask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"seed/internal/command"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/logging"
	"seed/internal/task"
	"seed/internal/tool"
)

// ErrDepthExceeded means the parent chain is already at the nesting
// limit.
var ErrDepthExceeded = errors.New("subtask depth exceeded")

// DefaultMaxDepth bounds subtask nesting when no limit is configured.
const DefaultMaxDepth = 3

// Status values the tool resolves with.
const (
	StatusSuccess = "Success"
	StatusError   = "Error"
	StatusCancel  = "Cancel"
)

// Result is the tool's output payload.
type Result struct {
	SubTaskID             string `json:"subTaskId"`
	SubTaskStatus         string `json:"subTaskStatus"`
	Summary               string `json:"summary,omitempty"`
	FailureReason         string `json:"failureReason,omitempty"`
	FinalAssistantMessage string `json:"finalAssistantMessage,omitempty"`
}

type args struct {
	Title    string `json:"title"`
	Intent   string `json:"intent"`
	Priority string `json:"priority,omitempty"`
}

// Tool is one create_subtask_<agentId> instance.
type Tool struct {
	agentID    string
	commands   *command.Service
	store      event.Store
	projection *task.Projection
	conv       *conversation.Manager
	maxDepth   int
	logger     logging.Logger
}

// New builds the subtask tool for one target agent.
func New(
	agentID string,
	commands *command.Service,
	store event.Store,
	projection *task.Projection,
	conv *conversation.Manager,
	maxDepth int,
	logger logging.Logger,
) *Tool {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Tool{
		agentID:    agentID,
		commands:   commands,
		store:      store,
		projection: projection,
		conv:       conv,
		maxDepth:   maxDepth,
		logger:     logging.OrNop(logger),
	}
}

func (t *Tool) Name() string { return "create_subtask_" + t.agentID }

func (t *Tool) Description() string {
	return fmt.Sprintf("Delegate a self-contained piece of work to the %s agent as a subtask and wait for its result", t.agentID)
}

func (t *Tool) Group() string { return "subtask" }

// RiskLevel is safe: spawning a child task is reversible and every
// risky action the child takes gates through its own confirmations.
func (t *Tool) RiskLevel() tool.RiskLevel { return tool.RiskSafe }

func (t *Tool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string", "description": "Short subtask title"},
			"intent": {"type": "string", "description": "Full instruction for the subtask agent"},
			"priority": {"type": "string", "enum": ["foreground", "normal", "background"]}
		},
		"required": ["title", "intent"]
	}`)
}

// CanExecute rejects over-deep nesting before anything is created.
func (t *Tool) CanExecute(ctx context.Context, raw json.RawMessage, tc *tool.Context) error {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Title == "" || a.Intent == "" {
		return fmt.Errorf("title and intent are required")
	}
	depth, err := t.depthOf(tc.TaskID)
	if err != nil {
		return err
	}
	if depth >= t.maxDepth {
		return fmt.Errorf("%w: depth %d, max %d", ErrDepthExceeded, depth, t.maxDepth)
	}
	return nil
}

// depthOf counts ancestors by walking parentTaskId links.
func (t *Tool) depthOf(taskID string) (int, error) {
	depth := 0
	cur := taskID
	for cur != "" {
		view, err := t.projection.Get(cur)
		if err != nil {
			return 0, err
		}
		cur = view.ParentTaskID
		depth++
		if depth > t.maxDepth+1 {
			break
		}
	}
	return depth, nil
}

// Execute spawns the child and blocks until its terminal event. The
// subscription is taken before the child is created so the terminal
// event cannot slip between create and subscribe. Parent cancellation
// (ctx) cascades to the child best-effort.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}

	feed, cancelSub := t.store.Subscribe()
	defer cancelSub()

	childID, _, err := t.commands.CreateTask(ctx, command.CreateTaskInput{
		Title:        a.Title,
		Intent:       a.Intent,
		Priority:     event.Priority(a.Priority),
		AgentID:      t.agentID,
		ParentTaskID: tc.TaskID,
		ActorID:      "agent",
	})
	if err != nil {
		return tool.Errorf("create subtask: %v", err), nil
	}
	t.logger.Info("task %s: spawned subtask %s for agent %s", tc.TaskID, childID, t.agentID)

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return tool.Errorf("event feed closed while waiting for subtask %s", childID), nil
			}
			if ev.StreamID != childID || !event.IsTerminal(ev.Type) {
				continue
			}
			return t.resolve(childID, ev)

		case <-ctx.Done():
			// Cancel is best effort: a fresh context since ours is
			// already done.
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, cancelErr := t.commands.CancelTask(cancelCtx, childID, "Parent task canceled", "agent")
			cancel()
			if cancelErr != nil {
				t.logger.Warn("subtask %s: cascade cancel failed: %v", childID, cancelErr)
			}
			return t.result(Result{SubTaskID: childID, SubTaskStatus: StatusCancel})
		}
	}
}

// resolve maps the child's terminal event to the tool result.
func (t *Tool) resolve(childID string, ev *event.Envelope) (*tool.Result, error) {
	res := Result{SubTaskID: childID, FinalAssistantMessage: t.lastAssistantMessage(childID)}
	switch ev.Type {
	case event.TypeTaskCompleted:
		var p event.TaskCompletedPayload
		_ = ev.Decode(&p)
		res.SubTaskStatus = StatusSuccess
		res.Summary = p.Summary
	case event.TypeTaskFailed:
		var p event.TaskFailedPayload
		_ = ev.Decode(&p)
		res.SubTaskStatus = StatusError
		res.FailureReason = p.Reason
	case event.TypeTaskCanceled:
		var p event.TaskCanceledPayload
		_ = ev.Decode(&p)
		res.SubTaskStatus = StatusCancel
		res.FailureReason = p.Reason
	}
	return t.result(res)
}

func (t *Tool) lastAssistantMessage(taskID string) string {
	history, err := t.conv.History(taskID)
	if err != nil {
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i].Message
		if m.Role == conversation.RoleAssistant && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

func (t *Tool) result(res Result) (*tool.Result, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return tool.Errorf("encode subtask result: %v", err), nil
	}
	return &tool.Result{Output: string(raw), IsError: res.SubTaskStatus == StatusError}, nil
}

// ForAgents builds one subtask tool per agent id.
func ForAgents(
	agentIDs []string,
	commands *command.Service,
	store event.Store,
	projection *task.Projection,
	conv *conversation.Manager,
	maxDepth int,
	logger logging.Logger,
) []tool.Tool {
	out := make([]tool.Tool, 0, len(agentIDs))
	for _, id := range agentIDs {
		out = append(out, New(id, commands, store, projection, conv, maxDepth, logger))
	}
	return out
}
