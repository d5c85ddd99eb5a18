package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	a, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAppendAssignsIDs(t *testing.T) {
	a := openTestLog(t)

	first, err := a.Append(Entry{Kind: KindToolCallRequested, TaskID: "task-a", ToolCallID: "call-1", ToolName: "read_file"})
	require.NoError(t, err)
	second, err := a.Append(Entry{Kind: KindToolCallCompleted, TaskID: "task-a", ToolCallID: "call-1", ToolName: "read_file"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.False(t, first.CreatedAt.IsZero())
}

func TestToolCallPairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)

	a.ToolCallRequested("task-a", "agent:seed_chat", "call-1", "run_shell", json.RawMessage(`{"command":"ls"}`))
	a.ToolCallCompleted("task-a", "agent:seed_chat", "call-1", "run_shell", "file.txt", false, 42*time.Millisecond)
	require.NoError(t, a.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Entries("task-a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindToolCallRequested, entries[0].Kind)
	assert.JSONEq(t, `{"command":"ls"}`, string(entries[0].Input))
	assert.Equal(t, KindToolCallCompleted, entries[1].Kind)
	assert.Equal(t, "file.txt", entries[1].Output)
	assert.Equal(t, int64(42), entries[1].DurationMS)

	// IDs continue after reopen.
	third, err := reopened.Append(Entry{Kind: KindToolCallRequested, TaskID: "task-b", ToolCallID: "call-2", ToolName: "read_file"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), third.ID)
}

func TestEntriesFilterAndLimit(t *testing.T) {
	a := openTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := a.Append(Entry{Kind: KindToolCallRequested, TaskID: "task-a", ToolCallID: "call-a", ToolName: "x"})
		require.NoError(t, err)
		_, err = a.Append(Entry{Kind: KindToolCallRequested, TaskID: "task-b", ToolCallID: "call-b", ToolName: "x"})
		require.NoError(t, err)
	}

	onlyA, err := a.Entries("task-a", 0)
	require.NoError(t, err)
	assert.Len(t, onlyA, 5)
	for _, e := range onlyA {
		assert.Equal(t, "task-a", e.TaskID)
	}

	last2, err := a.Entries("task-a", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Greater(t, last2[1].ID, last2[0].ID)
}

func TestSubscribeReceivesLiveEntries(t *testing.T) {
	a := openTestLog(t)
	feed, cancel := a.Subscribe()
	defer cancel()

	sent, err := a.Append(Entry{Kind: KindToolCallRequested, TaskID: "task-a", ToolCallID: "call-1", ToolName: "read_file"})
	require.NoError(t, err)

	select {
	case got := <-feed:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "call-1", got.ToolCallID)
	case <-time.After(2 * time.Second):
		t.Fatal("no audit entry delivered")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	a := openTestLog(t)
	feed, cancel := a.Subscribe()
	cancel()

	_, err := a.Append(Entry{Kind: KindToolCallRequested, TaskID: "task-a", ToolCallID: "call-1", ToolName: "x"})
	require.NoError(t, err)

	_, open := <-feed
	assert.False(t, open, "canceled feed should be closed")
}

func TestAppendAfterCloseFails(t *testing.T) {
	a, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, a.Close())
	_, err = a.Append(Entry{Kind: KindToolCallRequested, TaskID: "task-a", ToolCallID: "call-1", ToolName: "x"})
	assert.Error(t, err)
}
