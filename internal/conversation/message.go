// Package conversation persists the per-task LLM message history and
// reconciles tool results against outstanding tool calls.
package conversation

import (
	"encoding/json"
	"time"
)

// Role tags a message variant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Message is one entry in a task's conversation history. The role
// decides which fields are meaningful: assistant messages may carry
// reasoning and tool calls, tool messages carry the result of exactly
// one tool call.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// System builds a system prompt message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds an assistant message.
func Assistant(content, reasoning string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, Reasoning: reasoning, ToolCalls: calls}
}

// ToolResult builds a tool result message for a prior tool call.
func ToolResult(callID, toolName, output string, isError bool) Message {
	return Message{Role: RoleTool, ToolCallID: callID, ToolName: toolName, Content: output, IsError: isError}
}

// Stored is a message as it sits in the store: the message plus its
// per-task index and write time.
type Stored struct {
	Index     int       `json:"index"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingToolCalls returns the tool calls of the last assistant message
// that have no matching tool result after it. An empty result means the
// history is settled and the next LLM turn can proceed.
func PendingToolCalls(history []Stored) []ToolCall {
	lastAssistant := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Message.Role == RoleAssistant {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 {
		return nil
	}
	calls := history[lastAssistant].Message.ToolCalls
	if len(calls) == 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range history[lastAssistant+1:] {
		if m.Message.Role == RoleTool && m.Message.ToolCallID != "" {
			answered[m.Message.ToolCallID] = true
		}
	}
	var pending []ToolCall
	for _, c := range calls {
		if !answered[c.ID] {
			pending = append(pending, c)
		}
	}
	return pending
}

// HasToolResult reports whether history already contains a tool result
// for the given call id. Scans from the end since results live near the
// tail.
func HasToolResult(history []Stored, toolCallID string) bool {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i].Message
		if m.Role == RoleTool && m.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}
