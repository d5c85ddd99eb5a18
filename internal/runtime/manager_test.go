package runtime_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/agent"
	"seed/internal/audit"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/llm"
	"seed/internal/runtime"
	"seed/internal/task"
	"seed/internal/tool"
)

// echoTool is a safe tool that reflects its arguments.
type echoTool struct {
	calls atomic.Int64
}

func (e *echoTool) Name() string                { return "echo" }
func (e *echoTool) Description() string         { return "echoes its arguments" }
func (e *echoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) RiskLevel() tool.RiskLevel   { return tool.RiskSafe }
func (e *echoTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	e.calls.Add(1)
	return &tool.Result{Output: "echo: " + string(args)}, nil
}

// wipeTool is a risky tool; tests count how often it actually ran.
type wipeTool struct {
	calls atomic.Int64
}

func (w *wipeTool) Name() string                { return "wipe_disk" }
func (w *wipeTool) Description() string         { return "destroys things" }
func (w *wipeTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (w *wipeTool) RiskLevel() tool.RiskLevel   { return tool.RiskRisky }
func (w *wipeTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	w.calls.Add(1)
	return &tool.Result{Output: "wiped"}, nil
}

// gateTool blocks until released so tests can interleave control events
// with an in-flight pass.
type gateTool struct {
	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once
}

func newGateTool() *gateTool {
	return &gateTool{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateTool) Name() string                { return "gate" }
func (g *gateTool) Description() string         { return "blocks until released" }
func (g *gateTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (g *gateTool) RiskLevel() tool.RiskLevel   { return tool.RiskSafe }
func (g *gateTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	g.enterOnce.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return &tool.Result{Output: "gate opened"}, nil
	case <-ctx.Done():
		return tool.Errorf("gate interrupted: %v", ctx.Err()), nil
	}
}

type fixture struct {
	t            *testing.T
	dir          string
	store        *event.FileStore
	proj         *task.Projection
	conv         *conversation.Manager
	interactions *interaction.Service
	manager      *runtime.Manager
	script       *llm.ScriptClient
}

// newFixture wires a full kernel over dir and starts the manager.
func newFixture(t *testing.T, dir string, script *llm.ScriptClient, tools ...tool.Tool) *fixture {
	return newFixtureTimeout(t, dir, script, 0, tools...)
}

// newFixtureTimeout is newFixture with a confirmation expiry; zero
// keeps the default, which never fires within a test run.
func newFixtureTimeout(t *testing.T, dir string, script *llm.ScriptClient, confirmTimeout time.Duration, tools ...tool.Tool) *fixture {
	t.Helper()

	store, err := event.OpenFileStore(dir + "/events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	proj, err := task.NewProjection(store)
	require.NoError(t, err)
	t.Cleanup(proj.Stop)

	convStore, err := conversation.OpenStore(dir + "/conversations")
	require.NoError(t, err)
	conv := conversation.NewManager(convStore, nil)

	auditLog, err := audit.Open(dir + "/audit")
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	registry := tool.NewRegistry()
	registry.MustRegister(tools...)
	executor := tool.NewExecutor(registry, auditLog)

	interactions := interaction.NewService(store)

	agents := agent.NewRegistry()
	agents.MustRegister(agent.NewChatAgent(nil))

	handler := runtime.NewHandler(conv, executor, interactions, store, nil, nil)
	manager := runtime.NewManager(&runtime.Deps{
		Store:        store,
		Projection:   proj,
		Conversation: conv,
		Handler:      handler,
		Registry:     registry,
		LLM:          script,
		UI:           runtime.NopUISink(),
		WorkDir:      dir,

		Interactions:       interactions,
		InteractionTimeout: confirmTimeout,
	}, agents)
	t.Cleanup(manager.Stop)

	return &fixture{
		t:            t,
		dir:          dir,
		store:        store,
		proj:         proj,
		conv:         conv,
		interactions: interactions,
		manager:      manager,
		script:       script,
	}
}

func (f *fixture) createTask(title, intent string) string {
	f.t.Helper()
	taskID := "task_" + title
	_, err := f.store.Append(taskID, []*event.Draft{
		event.MustDraft(event.TypeTaskCreated, event.TaskCreatedPayload{
			TaskID:        taskID,
			Title:         title,
			Intent:        intent,
			Priority:      event.PriorityNormal,
			AgentID:       agent.ChatAgentID,
			AuthorActorID: "user",
		}),
	})
	require.NoError(f.t, err)
	return taskID
}

func (f *fixture) append(taskID string, t event.Type, payload any) {
	f.t.Helper()
	_, err := f.store.Append(taskID, []*event.Draft{event.MustDraft(t, payload)})
	require.NoError(f.t, err)
}

func (f *fixture) waitStatus(taskID string, want task.Status) *task.View {
	f.t.Helper()
	return f.waitView(taskID, func(v *task.View) bool { return v.Status == want },
		"status "+string(want))
}

func (f *fixture) waitView(taskID string, cond func(*task.View) bool, desc string) *task.View {
	f.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		view, err := f.proj.Get(taskID)
		if err == nil && cond(view) {
			return view
		}
		select {
		case <-deadline:
			status := task.Status("<missing>")
			if view != nil {
				status = view.Status
			}
			f.t.Fatalf("task %s (now %s): never reached %s", taskID, status, desc)
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fixture) waitIdle() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.manager.WaitForIdle(ctx))
}

func (f *fixture) history(taskID string) []conversation.Stored {
	f.t.Helper()
	history, err := f.conv.History(taskID)
	require.NoError(f.t, err)
	return history
}

func toolResults(history []conversation.Stored) []conversation.Message {
	var out []conversation.Message
	for _, st := range history {
		if st.Message.Role == conversation.RoleTool {
			out = append(out, st.Message)
		}
	}
	return out
}

func endTurn(content string) *llm.Response {
	return &llm.Response{Content: content, StopReason: llm.StopEndTurn}
}

func toolTurn(calls ...conversation.ToolCall) *llm.Response {
	return &llm.Response{ToolCalls: calls, StopReason: llm.StopToolCalls}
}

func TestTaskRunsToCompletion(t *testing.T) {
	echo := &echoTool{}
	script := llm.NewScriptClient(
		toolTurn(conversation.ToolCall{ID: "call_1", Name: "echo", Args: json.RawMessage(`{"msg":"hi"}`)}),
		endTurn("Echoed the message."),
	)
	f := newFixture(t, t.TempDir(), script, echo)
	f.manager.Start()

	taskID := f.createTask("happy", "echo hi back")
	view := f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()

	assert.Equal(t, "Echoed the message.", view.Summary)
	assert.EqualValues(t, 1, echo.calls.Load())
	assert.EqualValues(t, 2, f.script.Calls())

	results := toolResults(f.history(taskID))
	require.Len(t, results, 1)
	assert.Equal(t, "call_1", results[0].ToolCallID)
	assert.Contains(t, results[0].Content, `"msg":"hi"`)
	assert.False(t, results[0].IsError)

	// Runtime is dropped on the terminal event.
	assert.Empty(t, f.manager.Info().ActiveTasks)
}

func TestRiskyToolWaitsForApproval(t *testing.T) {
	wipe := &wipeTool{}
	script := llm.NewScriptClient(
		toolTurn(conversation.ToolCall{ID: "call_w", Name: "wipe_disk", Args: json.RawMessage(`{}`)}),
		endTurn("Disk wiped."),
	)
	f := newFixture(t, t.TempDir(), script, wipe)
	f.manager.Start()

	taskID := f.createTask("risky", "wipe the disk")
	view := f.waitStatus(taskID, task.StatusAwaitingUser)
	f.waitIdle()

	require.NotEmpty(t, view.PendingInteractionID)
	assert.Zero(t, wipe.calls.Load(), "risky tool must not run before approval")

	pending, err := f.interactions.Pending(taskID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, event.InteractionConfirm, pending.Kind)
	assert.Equal(t, "call_w", pending.BoundToolCallID())

	_, err = f.interactions.Respond(taskID, pending.InteractionID,
		event.InteractionResponse{SelectedOptionID: event.OptionApprove}, "user")
	require.NoError(t, err)

	view = f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()
	assert.EqualValues(t, 1, wipe.calls.Load())
	assert.Equal(t, "Disk wiped.", view.Summary)

	results := toolResults(f.history(taskID))
	require.Len(t, results, 1)
	assert.Equal(t, "wiped", results[0].Content)
}

func TestRejectedToolCallSynthesizesResult(t *testing.T) {
	wipe := &wipeTool{}
	script := llm.NewScriptClient(
		toolTurn(conversation.ToolCall{ID: "call_w", Name: "wipe_disk", Args: json.RawMessage(`{}`)}),
		endTurn("Understood, leaving the disk alone."),
	)
	f := newFixture(t, t.TempDir(), script, wipe)
	f.manager.Start()

	taskID := f.createTask("rejected", "wipe the disk")
	f.waitStatus(taskID, task.StatusAwaitingUser)
	f.waitIdle()

	pending, err := f.interactions.Pending(taskID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	_, err = f.interactions.Respond(taskID, pending.InteractionID,
		event.InteractionResponse{SelectedOptionID: event.OptionReject}, "user")
	require.NoError(t, err)

	f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()

	assert.Zero(t, wipe.calls.Load(), "rejected tool must never run")
	results := toolResults(f.history(taskID))
	require.Len(t, results, 1)
	assert.Equal(t, "User rejected the request", results[0].Content)
	assert.True(t, results[0].IsError)
}

func TestRejectingOneOfTwoRiskyCalls(t *testing.T) {
	wipe := &wipeTool{}
	script := llm.NewScriptClient(
		toolTurn(
			conversation.ToolCall{ID: "call_a", Name: "wipe_disk", Args: json.RawMessage(`{"disk":"a"}`)},
			conversation.ToolCall{ID: "call_b", Name: "wipe_disk", Args: json.RawMessage(`{"disk":"b"}`)},
		),
		endTurn("Wiped b, left a alone."),
	)
	f := newFixture(t, t.TempDir(), script, wipe)
	f.manager.Start()

	taskID := f.createTask("batch", "wipe both disks")
	f.waitStatus(taskID, task.StatusAwaitingUser)
	f.waitIdle()

	first, err := f.interactions.Pending(taskID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "call_a", first.BoundToolCallID())

	_, err = f.interactions.Respond(taskID, first.InteractionID,
		event.InteractionResponse{SelectedOptionID: event.OptionReject}, "user")
	require.NoError(t, err)

	// Only the rejected call settles; the survivor asks for its own
	// confirmation instead of riding on the first decision.
	f.waitView(taskID, func(v *task.View) bool {
		return v.Status == task.StatusAwaitingUser && v.PendingInteractionID != first.InteractionID
	}, "second confirmation")
	f.waitIdle()

	second, err := f.interactions.Pending(taskID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, event.InteractionConfirm, second.Kind)
	assert.Equal(t, "call_b", second.BoundToolCallID())
	assert.Zero(t, wipe.calls.Load(), "neither call may have run yet")

	results := toolResults(f.history(taskID))
	require.Len(t, results, 1)
	assert.Equal(t, "call_a", results[0].ToolCallID)
	assert.Equal(t, "User rejected the request", results[0].Content)
	assert.True(t, results[0].IsError)

	_, err = f.interactions.Respond(taskID, second.InteractionID,
		event.InteractionResponse{SelectedOptionID: event.OptionApprove}, "user")
	require.NoError(t, err)

	view := f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()
	assert.Equal(t, "Wiped b, left a alone.", view.Summary)
	assert.EqualValues(t, 1, wipe.calls.Load())
	assert.EqualValues(t, 2, f.script.Calls())

	results = toolResults(f.history(taskID))
	require.Len(t, results, 2)
	assert.Equal(t, "call_b", results[1].ToolCallID)
	assert.False(t, results[1].IsError)
}

func TestUnansweredConfirmationExpiresAsRejection(t *testing.T) {
	wipe := &wipeTool{}
	script := llm.NewScriptClient(
		toolTurn(conversation.ToolCall{ID: "call_w", Name: "wipe_disk", Args: json.RawMessage(`{}`)}),
		endTurn("Left the disk alone."),
	)
	f := newFixtureTimeout(t, t.TempDir(), script, 100*time.Millisecond, wipe)
	f.manager.Start()

	taskID := f.createTask("abandoned", "wipe the disk")
	f.waitStatus(taskID, task.StatusAwaitingUser)

	// Nobody answers. The watchdog rejects on the user's behalf and the
	// agent moves on without the tool.
	view := f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()
	assert.Equal(t, "Left the disk alone.", view.Summary)
	assert.Zero(t, wipe.calls.Load())

	results := toolResults(f.history(taskID))
	require.Len(t, results, 1)
	assert.Equal(t, "User rejected the request", results[0].Content)
	assert.True(t, results[0].IsError)

	pending, err := f.interactions.Pending(taskID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestPauseInterruptsBetweenIterations(t *testing.T) {
	gate := newGateTool()
	script := llm.NewScriptClient(
		toolTurn(conversation.ToolCall{ID: "call_g", Name: "gate", Args: json.RawMessage(`{}`)}),
		endTurn("All done."),
	)
	f := newFixture(t, t.TempDir(), script, gate)
	f.manager.Start()

	taskID := f.createTask("pausable", "wait at the gate")
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("gate tool never entered")
	}

	f.append(taskID, event.TypeTaskPaused, event.TaskPausedPayload{
		TaskID: taskID, AuthorActorID: "user",
	})
	// Projection and manager consume the log independently; give the
	// manager a beat to set the pause flag before the tool returns.
	f.waitStatus(taskID, task.StatusPaused)
	time.Sleep(100 * time.Millisecond)
	close(gate.release)

	// The in-flight tool finishes and its result persists; the loop then
	// observes the pause before the next completion.
	f.waitIdle()
	assert.EqualValues(t, 1, f.script.Calls())
	results := toolResults(f.history(taskID))
	require.Len(t, results, 1)
	assert.Equal(t, "gate opened", results[0].Content)

	f.append(taskID, event.TypeTaskResumed, event.TaskResumedPayload{
		TaskID: taskID, AuthorActorID: "user",
	})
	view := f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()
	assert.Equal(t, "All done.", view.Summary)
	assert.EqualValues(t, 2, f.script.Calls())
}

func TestCancelAbortsInFlightToolCall(t *testing.T) {
	gate := newGateTool()
	script := llm.NewScriptClient(
		toolTurn(conversation.ToolCall{ID: "call_g", Name: "gate", Args: json.RawMessage(`{}`)}),
	)
	f := newFixture(t, t.TempDir(), script, gate)
	f.manager.Start()

	taskID := f.createTask("cancelable", "wait at the gate")
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("gate tool never entered")
	}

	f.append(taskID, event.TypeTaskCanceled, event.TaskCanceledPayload{
		TaskID: taskID, Reason: "changed my mind", AuthorActorID: "user",
	})

	view := f.waitStatus(taskID, task.StatusCanceled)
	f.waitIdle()
	assert.Equal(t, "changed my mind", view.FailureReason)
	assert.Empty(t, f.manager.Info().ActiveTasks)

	// The interrupted call still got a persisted (error) result.
	results := toolResults(f.history(taskID))
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
}

func TestInstructionRestartsDoneTask(t *testing.T) {
	script := llm.NewScriptClient(
		endTurn("First answer."),
		endTurn("Second answer."),
	)
	f := newFixture(t, t.TempDir(), script)
	f.manager.Start()

	taskID := f.createTask("followup", "answer me")
	view := f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()
	assert.Equal(t, "First answer.", view.Summary)

	f.append(taskID, event.TypeTaskInstructionAdded, event.TaskInstructionAddedPayload{
		TaskID: taskID, Instruction: "actually, expand on that", AuthorActorID: "user",
	})

	view = f.waitView(taskID, func(v *task.View) bool {
		return v.Status == task.StatusDone && v.Summary == "Second answer."
	}, "second completion")
	f.waitIdle()
	assert.EqualValues(t, 2, f.script.Calls())

	var sawInstruction bool
	for _, st := range f.history(taskID) {
		if st.Message.Role == conversation.RoleUser && st.Message.Content == "actually, expand on that" {
			sawInstruction = true
		}
	}
	assert.True(t, sawInstruction, "instruction must land in the conversation")
}

func TestStaleInteractionResponseIsDropped(t *testing.T) {
	wipe := &wipeTool{}
	script := llm.NewScriptClient(
		toolTurn(conversation.ToolCall{ID: "call_w", Name: "wipe_disk", Args: json.RawMessage(`{}`)}),
		endTurn("Done after approval."),
	)
	f := newFixture(t, t.TempDir(), script, wipe)
	f.manager.Start()

	taskID := f.createTask("stale", "wipe the disk")
	f.waitStatus(taskID, task.StatusAwaitingUser)
	f.waitIdle()

	// A response for an interaction that is not the pending one goes
	// straight to the log (bypassing command validation); the manager
	// must drop it without releasing the tool call.
	f.append(taskID, event.TypeUserInteractionResponded, event.UserInteractionRespondedPayload{
		TaskID:        taskID,
		InteractionID: "int_bogus",
		Response: event.InteractionResponse{
			InteractionID:    "int_bogus",
			SelectedOptionID: event.OptionApprove,
		},
		AuthorActorID: "user",
	})
	f.waitIdle()
	assert.Zero(t, wipe.calls.Load(), "stale approval must not release the call")

	pending, err := f.interactions.Pending(taskID)
	require.NoError(t, err)
	require.NotNil(t, pending, "real interaction must still be pending")

	_, err = f.interactions.Respond(taskID, pending.InteractionID,
		event.InteractionResponse{SelectedOptionID: event.OptionApprove}, "user")
	require.NoError(t, err)
	f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()
	assert.EqualValues(t, 1, wipe.calls.Load())
}

func TestRecoverySettlesPendingToolCall(t *testing.T) {
	dir := t.TempDir()

	// Fabricate the on-disk state of a process that died mid-call: the
	// task is in progress and the assistant's tool call has no result.
	{
		store, err := event.OpenFileStore(dir + "/events")
		require.NoError(t, err)
		_, err = store.Append("task_crashed", []*event.Draft{
			event.MustDraft(event.TypeTaskCreated, event.TaskCreatedPayload{
				TaskID: "task_crashed", Title: "crashed", Intent: "echo something",
				Priority: event.PriorityNormal, AgentID: agent.ChatAgentID, AuthorActorID: "user",
			}),
			event.MustDraft(event.TypeTaskStarted, event.TaskStartedPayload{
				TaskID: "task_crashed", AuthorActorID: "agent",
			}),
		})
		require.NoError(t, err)
		require.NoError(t, store.Close())

		convStore, err := conversation.OpenStore(dir + "/conversations")
		require.NoError(t, err)
		conv := conversation.NewManager(convStore, nil)
		_, err = conv.Append("task_crashed",
			conversation.System("system prompt"),
			conversation.User("echo something"),
			conversation.Assistant("", "", conversation.ToolCall{
				ID: "call_orphan", Name: "echo", Args: json.RawMessage(`{"msg":"again"}`),
			}),
		)
		require.NoError(t, err)
	}

	echo := &echoTool{}
	script := llm.NewScriptClient(endTurn("Recovered and finished."))
	f := newFixture(t, dir, script, echo)
	f.manager.Start()
	f.manager.RecoverActiveTasks()

	view := f.waitStatus("task_crashed", task.StatusDone)
	assert.Equal(t, "Recovered and finished.", view.Summary)
	assert.EqualValues(t, 1, echo.calls.Load())

	results := toolResults(f.history("task_crashed"))
	require.Len(t, results, 1)
	assert.Equal(t, "call_orphan", results[0].ToolCallID)
}

func TestProfileOverrideAppliesOnMaterialize(t *testing.T) {
	script := llm.NewScriptClient(endTurn("ok"))
	f := newFixture(t, t.TempDir(), script)
	f.manager.SetProfileOverride(runtime.WildcardTaskID, &agent.Profile{Temperature: 0.9})
	f.manager.Start()

	taskID := f.createTask("tuned", "say ok")
	f.waitStatus(taskID, task.StatusDone)
	f.waitIdle()

	reqs := f.script.Requests()
	require.NotEmpty(t, reqs)
	assert.InDelta(t, 0.9, reqs[0].Temperature, 1e-9)

	info := f.manager.Info()
	require.Contains(t, info.ProfileOverrides, runtime.WildcardTaskID)
	assert.InDelta(t, 0.9, info.ProfileOverrides[runtime.WildcardTaskID].Temperature, 1e-9)
}
