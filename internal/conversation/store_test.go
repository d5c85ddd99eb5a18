package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)
	return store, dir
}

func TestAppendAssignsSequentialIndexes(t *testing.T) {
	store, _ := openTestStore(t)

	first, err := store.Append("task-a", System("be helpful"), User("hi"))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 0, first[0].Index)
	assert.Equal(t, 1, first[1].Index)

	second, err := store.Append("task-a", Assistant("hello", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, second[0].Index)

	history, err := store.Messages("task-a")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, RoleSystem, history[0].Message.Role)
	assert.Equal(t, RoleUser, history[1].Message.Role)
	assert.Equal(t, RoleAssistant, history[2].Message.Role)
}

func TestTasksAreIsolated(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Append("task-a", User("for a"))
	require.NoError(t, err)
	_, err = store.Append("task-b", User("for b"))
	require.NoError(t, err)

	a, err := store.Messages("task-a")
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, "for a", a[0].Message.Content)

	b, err := store.Messages("task-b")
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, "for b", b[0].Message.Content)
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)

	call := ToolCall{ID: "call-1", Name: "read_file", Args: json.RawMessage(`{"path":"a.txt"}`)}
	_, err = store.Append("task-a", Assistant("", "thinking", call))
	require.NoError(t, err)
	_, err = store.Append("task-a", ToolResult("call-1", "read_file", "contents", false))
	require.NoError(t, err)

	reopened, err := OpenStore(dir)
	require.NoError(t, err)
	history, err := reopened.Messages("task-a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Len(t, history[0].Message.ToolCalls, 1)
	assert.Equal(t, "call-1", history[0].Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(history[0].Message.ToolCalls[0].Args))
	assert.Equal(t, "call-1", history[1].Message.ToolCallID)
	assert.False(t, history[1].Message.IsError)
}

func TestTornTrailingLineIsDropped(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)
	_, err = store.Append("task-a", User("one"), User("two"))
	require.NoError(t, err)

	path := filepath.Join(dir, "conversations", "task-a.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"taskId":"task-a","index":2,"mess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenStore(dir)
	require.NoError(t, err)
	history, err := reopened.Messages("task-a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[1].Message.Content)
}

func TestClearRemovesHistory(t *testing.T) {
	store, dir := openTestStore(t)
	_, err := store.Append("task-a", User("hello"))
	require.NoError(t, err)

	require.NoError(t, store.Clear("task-a"))

	history, err := store.Messages("task-a")
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = os.Stat(filepath.Join(dir, "conversations", "task-a.jsonl"))
	assert.True(t, os.IsNotExist(err))

	// Clearing an unknown task is fine.
	require.NoError(t, store.Clear("task-never"))
}

func TestTruncateKeepsPrefix(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Append("task-a", User("zero"), Assistant("one", ""), User("two"), Assistant("three", ""))
	require.NoError(t, err)

	require.NoError(t, store.Truncate("task-a", 2))

	history, err := store.Messages("task-a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "zero", history[0].Message.Content)
	assert.Equal(t, "one", history[1].Message.Content)

	// Indexes continue from the truncation point.
	added, err := store.Append("task-a", User("new two"))
	require.NoError(t, err)
	assert.Equal(t, 2, added[0].Index)

	// Truncating beyond the end is a no-op.
	require.NoError(t, store.Truncate("task-a", 99))
	history, err = store.Messages("task-a")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestTruncateSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)
	_, err = store.Append("task-a", User("zero"), User("one"), User("two"))
	require.NoError(t, err)
	require.NoError(t, store.Truncate("task-a", 1))

	reopened, err := OpenStore(dir)
	require.NoError(t, err)
	history, err := reopened.Messages("task-a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "zero", history[0].Message.Content)
}

func TestMessagesReturnsCopy(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Append("task-a", User("original"))
	require.NoError(t, err)

	history, err := store.Messages("task-a")
	require.NoError(t, err)
	history[0].Message.Content = "scribbled"

	again, err := store.Messages("task-a")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Message.Content)
}

func TestAppendRejectsEmptyTaskID(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Append("", User("hello"))
	assert.Error(t, err)
}
