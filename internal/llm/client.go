// Package llm defines the completion port the agent loop talks to and
// the OpenAI-compatible adapter that implements it.
package llm

import (
	"context"
	"encoding/json"

	"seed/internal/conversation"
)

// StopReason values a response can end with.
const (
	StopEndTurn   = "end_turn"
	StopToolCalls = "tool_calls"
	StopLength    = "length"
)

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one completion call.
type Request struct {
	Messages    []conversation.Message `json:"messages"`
	Tools       []ToolDefinition       `json:"tools,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"maxTokens,omitempty"`
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is the model's turn: text, optional reasoning, and any tool
// calls it wants executed.
type Response struct {
	Content    string                  `json:"content"`
	Reasoning  string                  `json:"reasoning,omitempty"`
	ToolCalls  []conversation.ToolCall `json:"toolCalls,omitempty"`
	StopReason string                  `json:"stopReason"`
	Usage      Usage                   `json:"usage"`
}

// Chunk is one streaming delta. Exactly one of the fields is usually
// set; tool call fragments are accumulated by the adapter and only
// surface in the final Response.
type Chunk struct {
	ContentDelta   string `json:"contentDelta,omitempty"`
	ReasoningDelta string `json:"reasoningDelta,omitempty"`
}

// StreamFunc receives chunks in arrival order. Returning an error stops
// the stream and propagates out of Stream.
type StreamFunc func(*Chunk) error

// Client is the provider port. Stream implementations must still return
// the complete assembled Response so callers never need both calls.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error)
	Model() string
}
