package runtime

import (
	"seed/internal/agent"
	"seed/internal/conversation"
	"seed/internal/llm"
)

// UISink receives the ephemeral agent output the kernel does not
// persist: text and reasoning, streaming deltas, tool call progress.
// The server layer implements it over the ui websocket channel; tests
// implement it with a recorder.
type UISink interface {
	AgentOutput(taskID string, out *agent.Output)
	StreamDelta(taskID string, chunk *llm.Chunk)
	StreamEnd(taskID string)
	ToolCallStart(taskID string, call conversation.ToolCall)
	ToolCallEnd(taskID, toolCallID string, output string, isError bool)
}

type nopUISink struct{}

func (nopUISink) AgentOutput(string, *agent.Output)           {}
func (nopUISink) StreamDelta(string, *llm.Chunk)              {}
func (nopUISink) StreamEnd(string)                            {}
func (nopUISink) ToolCallStart(string, conversation.ToolCall) {}
func (nopUISink) ToolCallEnd(string, string, string, bool)    {}

// NopUISink discards all UI output.
func NopUISink() UISink { return nopUISink{} }
