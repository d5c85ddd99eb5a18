package subtask_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/agent"
	"seed/internal/command"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/task"
	"seed/internal/tool"
	"seed/internal/tool/subtask"
)

type stubAgent struct{ id string }

func (a *stubAgent) ID() string                    { return a.id }
func (a *stubAgent) DisplayName() string           { return a.id }
func (a *stubAgent) Description() string           { return "stub" }
func (a *stubAgent) ToolGroups() []string          { return nil }
func (a *stubAgent) DefaultProfile() agent.Profile { return agent.Profile{} }
func (a *stubAgent) Run(context.Context, *agent.Invocation, agent.YieldFunc) error {
	return nil
}

type fixture struct {
	store    *event.FileStore
	proj     *task.Projection
	conv     *conversation.Manager
	commands *command.Service
	tool     *subtask.Tool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := event.OpenFileStore(dir + "/events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	proj, err := task.NewProjection(store)
	require.NoError(t, err)
	t.Cleanup(proj.Stop)

	convStore, err := conversation.OpenStore(dir + "/conversations")
	require.NoError(t, err)
	conv := conversation.NewManager(convStore, nil)

	agents := agent.NewRegistry()
	agents.MustRegister(&stubAgent{id: "agent_child"})

	commands := command.NewService(store, proj, interaction.NewService(store), agents, nil)

	return &fixture{
		store:    store,
		proj:     proj,
		conv:     conv,
		commands: commands,
		tool:     subtask.New("agent_child", commands, store, proj, conv, 3, nil),
	}
}

func (f *fixture) createParent(t *testing.T, title, parentID string) string {
	t.Helper()
	taskID, _, err := f.commands.CreateTask(context.Background(), command.CreateTaskInput{
		Title: title, AgentID: "agent_child", ParentTaskID: parentID,
	})
	require.NoError(t, err)
	return taskID
}

// waitChildOf polls until a task with the given parent appears.
func (f *fixture) waitChildOf(t *testing.T, parentID string) *task.View {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, v := range f.proj.List() {
			if v.ParentTaskID == parentID {
				return v
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no child of %s ever appeared", parentID)
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fixture) finish(t *testing.T, childID string, terminal event.Type, payload any) {
	t.Helper()
	_, err := f.store.Append(childID, []*event.Draft{
		event.MustDraft(event.TypeTaskStarted, event.TaskStartedPayload{
			TaskID: childID, AuthorActorID: "agent",
		}),
		event.MustDraft(terminal, payload),
	})
	require.NoError(t, err)
}

func execute(ctx context.Context, f *fixture, parentID string, results chan<- *tool.Result) {
	args := json.RawMessage(`{"title": "child work", "intent": "do the child thing"}`)
	res, _ := f.tool.Execute(ctx, args, &tool.Context{TaskID: parentID, ActorID: "agent"})
	results <- res
}

func TestSubtaskCompletesWithChildSummary(t *testing.T) {
	f := newFixture(t)
	parentID := f.createParent(t, "parent", "")

	results := make(chan *tool.Result, 1)
	go execute(context.Background(), f, parentID, results)

	child := f.waitChildOf(t, parentID)
	assert.Equal(t, "child work", child.Title)
	assert.Equal(t, "agent_child", child.AgentID)

	// Give the child a final assistant message and finish it.
	_, err := f.conv.Append(child.TaskID,
		conversation.Assistant("the child's last words", ""))
	require.NoError(t, err)
	f.finish(t, child.TaskID, event.TypeTaskCompleted, event.TaskCompletedPayload{
		TaskID: child.TaskID, Summary: "child done", AuthorActorID: "agent",
	})

	res := <-results
	require.NotNil(t, res)
	assert.False(t, res.IsError)

	var out subtask.Result
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	assert.Equal(t, child.TaskID, out.SubTaskID)
	assert.Equal(t, subtask.StatusSuccess, out.SubTaskStatus)
	assert.Equal(t, "child done", out.Summary)
	assert.Equal(t, "the child's last words", out.FinalAssistantMessage)
}

func TestSubtaskFailureIsAnErrorResult(t *testing.T) {
	f := newFixture(t)
	parentID := f.createParent(t, "parent", "")

	results := make(chan *tool.Result, 1)
	go execute(context.Background(), f, parentID, results)

	child := f.waitChildOf(t, parentID)
	f.finish(t, child.TaskID, event.TypeTaskFailed, event.TaskFailedPayload{
		TaskID: child.TaskID, Reason: "child blew up", AuthorActorID: "agent",
	})

	res := <-results
	require.NotNil(t, res)
	assert.True(t, res.IsError)

	var out subtask.Result
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	assert.Equal(t, subtask.StatusError, out.SubTaskStatus)
	assert.Equal(t, "child blew up", out.FailureReason)
}

func TestSubtaskCancelCascadesToChild(t *testing.T) {
	f := newFixture(t)
	parentID := f.createParent(t, "parent", "")

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan *tool.Result, 1)
	go execute(ctx, f, parentID, results)

	child := f.waitChildOf(t, parentID)
	cancel()

	res := <-results
	require.NotNil(t, res)
	var out subtask.Result
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	assert.Equal(t, subtask.StatusCancel, out.SubTaskStatus)

	// The child task itself was canceled, not just abandoned.
	deadline := time.After(5 * time.Second)
	for {
		view, err := f.proj.Get(child.TaskID)
		require.NoError(t, err)
		if view.Status == task.StatusCanceled {
			assert.Equal(t, "Parent task canceled", view.FailureReason)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("child %s never canceled (status %s)", child.TaskID, view.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubtaskDepthLimit(t *testing.T) {
	f := newFixture(t)

	// Chain: root -> c1 -> c2, depth counted from the caller upward.
	root := f.createParent(t, "root", "")
	c1 := f.createParent(t, "c1", root)
	c2 := f.createParent(t, "c2", c1)

	args := json.RawMessage(`{"title": "t", "intent": "i"}`)
	err := f.tool.CanExecute(context.Background(), args, &tool.Context{TaskID: c1})
	assert.NoError(t, err)

	err = f.tool.CanExecute(context.Background(), args, &tool.Context{TaskID: c2})
	assert.ErrorIs(t, err, subtask.ErrDepthExceeded)
}

func TestSubtaskArgumentValidation(t *testing.T) {
	f := newFixture(t)
	parentID := f.createParent(t, "parent", "")
	tc := &tool.Context{TaskID: parentID}

	err := f.tool.CanExecute(context.Background(), json.RawMessage(`{"title": ""}`), tc)
	assert.Error(t, err)

	err = f.tool.CanExecute(context.Background(), json.RawMessage(`not json`), tc)
	assert.Error(t, err)
}
