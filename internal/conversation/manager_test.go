package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, nil)
}

func TestPersistToolResultIfMissingIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Append("task-a", Assistant("", "", ToolCall{ID: "call-1", Name: "read_file"}))
	require.NoError(t, err)

	wrote, err := m.PersistToolResultIfMissing("task-a", "call-1", "read_file", "file body", false)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = m.PersistToolResultIfMissing("task-a", "call-1", "read_file", "file body", false)
	require.NoError(t, err)
	assert.False(t, wrote, "second persist must be a no-op")

	history, err := m.History("task-a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleTool, history[1].Message.Role)
	assert.Equal(t, "file body", history[1].Message.Content)
}

func TestPersistToolResultRequiresCallID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.PersistToolResultIfMissing("task-a", "", "read_file", "x", false)
	assert.Error(t, err)
}

func TestPendingToolCallsFromLastAssistant(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Append("task-a",
		User("do things"),
		Assistant("", "", ToolCall{ID: "call-1", Name: "read_file"}),
		ToolResult("call-1", "read_file", "ok", false),
		Assistant("", "", ToolCall{ID: "call-2", Name: "write_file"}, ToolCall{ID: "call-3", Name: "run_shell"}),
		ToolResult("call-2", "write_file", "ok", false),
	)
	require.NoError(t, err)

	pending, err := m.PendingToolCalls("task-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "call-3", pending[0].ID)
}

func TestPendingToolCallsIgnoresEarlierAssistants(t *testing.T) {
	history := []Stored{
		{Index: 0, Message: Assistant("", "", ToolCall{ID: "call-old", Name: "read_file"})},
		{Index: 1, Message: Assistant("all settled", "")},
	}
	assert.Empty(t, PendingToolCalls(history), "only the last assistant message counts")

	assert.Empty(t, PendingToolCalls(nil))
	assert.Empty(t, PendingToolCalls([]Stored{{Message: User("just text")}}))
}

func TestHasToolResult(t *testing.T) {
	history := []Stored{
		{Message: Assistant("", "", ToolCall{ID: "call-1", Name: "x"})},
		{Message: ToolResult("call-1", "x", "done", false)},
	}
	assert.True(t, HasToolResult(history, "call-1"))
	assert.False(t, HasToolResult(history, "call-2"))
}

func TestAppendUser(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AppendUser("task-a", "please refine"))
	history, err := m.History("task-a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, RoleUser, history[0].Message.Role)
	assert.Equal(t, "please refine", history[0].Message.Content)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.GreaterOrEqual(t, EstimateTokens("one two three four"), 4)
}

func TestCountMessageTokens(t *testing.T) {
	history := []Stored{
		{Message: User("hello world, this is a prompt")},
		{Message: Assistant("reply", "", ToolCall{ID: "call-1", Name: "read_file", Args: []byte(`{"path":"x"}`)})},
	}
	total := CountMessageTokens(history)
	assert.Greater(t, total, 8)
}
