package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/conversation"
	"seed/internal/llm"
	"seed/internal/task"
)

func newTestInvocation(t *testing.T, client llm.Client) *Invocation {
	t.Helper()
	store, err := conversation.OpenStore(t.TempDir())
	require.NoError(t, err)
	return &Invocation{
		Task:         &task.View{TaskID: "task-1", Title: "T1", Intent: "Say hello"},
		Conversation: conversation.NewManager(store, nil),
		LLM:          client,
	}
}

func collectOutputs(t *testing.T, inv *Invocation) ([]*Output, error) {
	t.Helper()
	var outputs []*Output
	err := NewChatAgent(nil).Run(context.Background(), inv, func(o *Output) error {
		outputs = append(outputs, o)
		return nil
	})
	return outputs, err
}

func TestChatAgentHappyPath(t *testing.T) {
	client := llm.NewScriptClient(&llm.Response{Content: "Hello", StopReason: llm.StopEndTurn})
	inv := newTestInvocation(t, client)

	outputs, err := collectOutputs(t, inv)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, OutputText, outputs[0].Kind)
	assert.Equal(t, "Hello", outputs[0].Content)
	assert.Equal(t, OutputDone, outputs[1].Kind)
	assert.Equal(t, "Hello", outputs[1].Summary)

	// History was seeded and the assistant turn persisted.
	history, err := inv.Conversation.History("task-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, conversation.RoleSystem, history[0].Message.Role)
	assert.Equal(t, "Say hello", history[1].Message.Content)
	assert.Equal(t, "Hello", history[2].Message.Content)
}

func TestChatAgentYieldsToolCallsThenCompletes(t *testing.T) {
	client := llm.NewScriptClient(
		&llm.Response{
			ToolCalls: []conversation.ToolCall{
				{ID: "call_1", Name: "read_file", Args: []byte(`{"path":"a.txt"}`)},
			},
			StopReason: llm.StopToolCalls,
		},
		&llm.Response{Content: "done reading", StopReason: llm.StopEndTurn},
	)
	inv := newTestInvocation(t, client)

	// Simulate the runtime persisting the tool result when the call is
	// yielded, as the output handler does.
	var kinds []OutputKind
	err := NewChatAgent(nil).Run(context.Background(), inv, func(o *Output) error {
		kinds = append(kinds, o.Kind)
		if o.Kind == OutputToolCall {
			_, err := inv.Conversation.PersistToolResultIfMissing(
				"task-1", o.ToolCall.ID, o.ToolCall.Name, "contents", false)
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []OutputKind{OutputToolCall, OutputText, OutputDone}, kinds)
	assert.Equal(t, 2, client.Calls())
}

func TestChatAgentRepairsPendingToolCallsFirst(t *testing.T) {
	client := llm.NewScriptClient(&llm.Response{Content: "ok", StopReason: llm.StopEndTurn})
	inv := newTestInvocation(t, client)

	// A previous run died between yielding the call and persisting its
	// result: history ends with an unanswered assistant tool call.
	_, err := inv.Conversation.Append("task-1",
		conversation.System("s"),
		conversation.User("u"),
		conversation.Assistant("", "", conversation.ToolCall{ID: "call_9", Name: "read_file", Args: []byte(`{}`)}),
	)
	require.NoError(t, err)

	var firstKind OutputKind
	var firstCallID string
	runErr := NewChatAgent(nil).Run(context.Background(), inv, func(o *Output) error {
		if firstKind == "" {
			firstKind = o.Kind
			if o.ToolCall != nil {
				firstCallID = o.ToolCall.ID
			}
		}
		if o.Kind == OutputToolCall {
			_, err := inv.Conversation.PersistToolResultIfMissing(
				"task-1", o.ToolCall.ID, o.ToolCall.Name, "repaired", false)
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, runErr)
	assert.Equal(t, OutputToolCall, firstKind)
	assert.Equal(t, "call_9", firstCallID)
}

func TestChatAgentLLMFailureYieldsFailed(t *testing.T) {
	client := llm.NewScriptClient().FailAt(0, errors.New("boom"))
	inv := newTestInvocation(t, client)

	outputs, err := collectOutputs(t, inv)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, OutputFailed, outputs[0].Kind)
	assert.Contains(t, outputs[0].Reason, "boom")
}

func TestChatAgentPauseStopsBeforeNextTurn(t *testing.T) {
	client := llm.NewScriptClient(&llm.Response{Content: "never", StopReason: llm.StopEndTurn})
	inv := newTestInvocation(t, client)
	inv.Paused = func() bool { return true }

	_, err := collectOutputs(t, inv)
	assert.ErrorIs(t, err, ErrStopPaused)
	assert.Equal(t, 0, client.Calls())
}

func TestChatAgentRepairsMalformedArguments(t *testing.T) {
	a := NewChatAgent(nil)
	calls := a.normalizeToolCalls("task-1", []conversation.ToolCall{
		{Name: "read_file", Args: []byte(`{path: 'a.txt'}`)},
	})
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ID)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(calls[0].Args))
}

func TestProfileMerge(t *testing.T) {
	base := Profile{SystemPrompt: "base", MaxIterations: 25}
	merged := base.Merge(&Profile{MaxIterations: 5, Temperature: 0.7})
	assert.Equal(t, "base", merged.SystemPrompt)
	assert.Equal(t, 5, merged.MaxIterations)
	assert.Equal(t, 0.7, merged.Temperature)
}
