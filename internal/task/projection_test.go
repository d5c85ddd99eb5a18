package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/event"
)

func openProjStore(t *testing.T) *event.FileStore {
	t.Helper()
	store, err := event.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendCreated(t *testing.T, store event.Store, taskID, parentID string) *event.Envelope {
	t.Helper()
	evs, err := store.Append(taskID, []*event.Draft{
		event.MustDraft(event.TypeTaskCreated, event.TaskCreatedPayload{
			TaskID:        taskID,
			Title:         "title " + taskID,
			AgentID:       "seed_chat",
			ParentTaskID:  parentID,
			AuthorActorID: "user:local",
		}),
	})
	require.NoError(t, err)
	return evs[0]
}

func appendOne(t *testing.T, store event.Store, taskID string, typ event.Type, payload any) *event.Envelope {
	t.Helper()
	evs, err := store.Append(taskID, []*event.Draft{event.MustDraft(typ, payload)})
	require.NoError(t, err)
	return evs[0]
}

func TestProjectionRebuildsFromExistingLog(t *testing.T) {
	store := openProjStore(t)
	appendCreated(t, store, "task-a", "")
	appendOne(t, store, "task-a", event.TypeTaskStarted, event.TaskStartedPayload{TaskID: "task-a"})
	last := appendOne(t, store, "task-a", event.TypeTaskCompleted, event.TaskCompletedPayload{TaskID: "task-a", Summary: "done"})

	proj, err := NewProjection(store)
	require.NoError(t, err)
	defer proj.Stop()

	require.GreaterOrEqual(t, proj.Cursor(), last.ID)
	v, err := proj.Get("task-a")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, v.Status)
	assert.Equal(t, "done", v.Summary)
}

func TestProjectionFollowsLiveAppends(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store)
	require.NoError(t, err)
	defer proj.Stop()

	appendCreated(t, store, "task-a", "")
	last := appendOne(t, store, "task-a", event.TypeTaskStarted, event.TaskStartedPayload{TaskID: "task-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proj.WaitFor(ctx, last.ID))

	v, err := proj.Get("task-a")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, v.Status)
}

func TestProjectionCheckpointAndReopen(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store, WithCheckpointEvery(3))
	require.NoError(t, err)

	appendCreated(t, store, "task-a", "")
	appendOne(t, store, "task-a", event.TypeTaskStarted, event.TaskStartedPayload{TaskID: "task-a"})
	appendOne(t, store, "task-a", event.TypeTaskPaused, event.TaskPausedPayload{TaskID: "task-a"})
	last := appendOne(t, store, "task-a", event.TypeTaskResumed, event.TaskResumedPayload{TaskID: "task-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proj.WaitFor(ctx, last.ID))
	proj.Stop()

	// Stop writes a final checkpoint that covers the whole log.
	cursor, raw, err := store.GetProjection(ProjectionName, nil)
	require.NoError(t, err)
	assert.Equal(t, last.ID, cursor)
	var st State
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Contains(t, st.Tasks, "task-a")
	assert.Equal(t, StatusInProgress, st.Tasks["task-a"].Status)

	// Reopening restores from the checkpoint without replaying anything.
	proj2, err := NewProjection(store, WithCheckpointEvery(3))
	require.NoError(t, err)
	defer proj2.Stop()
	v, err := proj2.Get("task-a")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, v.Status)
	assert.Equal(t, last.ID, proj2.Cursor())
}

func TestProjectionCheckpointThenTailReplay(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store, WithCheckpointEvery(2))
	require.NoError(t, err)

	appendCreated(t, store, "task-a", "")
	mid := appendOne(t, store, "task-a", event.TypeTaskStarted, event.TaskStartedPayload{TaskID: "task-a"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proj.WaitFor(ctx, mid.ID))

	// Detach without a clean Stop so the checkpoint stays at the
	// periodic write, then extend the log behind the projection's back.
	proj.cancelFeed()
	<-proj.stopped
	last := appendOne(t, store, "task-a", event.TypeTaskCompleted, event.TaskCompletedPayload{TaskID: "task-a", Summary: "after checkpoint"})

	proj2, err := NewProjection(store, WithCheckpointEvery(2))
	require.NoError(t, err)
	defer proj2.Stop()

	require.GreaterOrEqual(t, proj2.Cursor(), last.ID)
	v, err := proj2.Get("task-a")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, v.Status)
	assert.Equal(t, "after checkpoint", v.Summary)
}

func TestProjectionListCreationOrder(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store)
	require.NoError(t, err)
	defer proj.Stop()

	appendCreated(t, store, "task-c", "")
	appendCreated(t, store, "task-a", "")
	last := appendCreated(t, store, "task-b", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proj.WaitFor(ctx, last.ID))

	views := proj.List()
	require.Len(t, views, 3)
	assert.Equal(t, "task-c", views[0].TaskID)
	assert.Equal(t, "task-a", views[1].TaskID)
	assert.Equal(t, "task-b", views[2].TaskID)
}

func TestProjectionListByStatus(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store)
	require.NoError(t, err)
	defer proj.Stop()

	appendCreated(t, store, "task-a", "")
	appendCreated(t, store, "task-b", "")
	last := appendOne(t, store, "task-b", event.TypeTaskStarted, event.TaskStartedPayload{TaskID: "task-b"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proj.WaitFor(ctx, last.ID))

	open := proj.ListByStatus(StatusOpen)
	require.Len(t, open, 1)
	assert.Equal(t, "task-a", open[0].TaskID)

	active := proj.ListByStatus(StatusOpen, StatusInProgress)
	assert.Len(t, active, 2)
}

func TestProjectionGetUnknownTask(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store)
	require.NoError(t, err)
	defer proj.Stop()

	_, err = proj.Get("task-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectionWaitForContextCanceled(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store)
	require.NoError(t, err)
	defer proj.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = proj.WaitFor(ctx, 99)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProjectionGetReturnsCopy(t *testing.T) {
	store := openProjStore(t)
	proj, err := NewProjection(store)
	require.NoError(t, err)
	defer proj.Stop()

	last := appendCreated(t, store, "task-a", "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proj.WaitFor(ctx, last.ID))

	v1, err := proj.Get("task-a")
	require.NoError(t, err)
	v1.Title = "scribbled"

	v2, err := proj.Get("task-a")
	require.NoError(t, err)
	assert.Equal(t, "title task-a", v2.Title)
}
