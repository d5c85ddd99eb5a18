package agent

import (
	"fmt"

	"seed/internal/conversation"
	"seed/internal/event"
)

// OutputKind tags one unit of agent work. The set is closed; the output
// handler matches it exhaustively.
type OutputKind string

const (
	OutputText        OutputKind = "text"
	OutputReasoning   OutputKind = "reasoning"
	OutputVerbose     OutputKind = "verbose"
	OutputError       OutputKind = "error"
	OutputToolCall    OutputKind = "tool_call"
	OutputInteraction OutputKind = "interaction"
	OutputDone        OutputKind = "done"
	OutputFailed      OutputKind = "failed"
)

// Output is one yielded unit of agent work. Which fields are set depends
// on the kind: Content for text/reasoning/verbose/error, ToolCall for
// tool_call, Interaction for interaction, Summary for done, Reason for
// failed.
type Output struct {
	Kind OutputKind

	Content string

	ToolCall *conversation.ToolCall

	Interaction *event.InteractionRequest

	Summary string
	Reason  string
}

// Text builds a user-visible text output.
func Text(content string) *Output {
	return &Output{Kind: OutputText, Content: content}
}

// Reasoning builds a reasoning-trace output.
func Reasoning(content string) *Output {
	return &Output{Kind: OutputReasoning, Content: content}
}

// Verbose builds a diagnostic output surfaces may hide by default.
func Verbose(format string, args ...any) *Output {
	return &Output{Kind: OutputVerbose, Content: fmt.Sprintf(format, args...)}
}

// Errorf builds a non-fatal error output. The task keeps running.
func Errorf(format string, args ...any) *Output {
	return &Output{Kind: OutputError, Content: fmt.Sprintf(format, args...)}
}

// ToolCall requests execution of one tool call.
func ToolCall(call conversation.ToolCall) *Output {
	return &Output{Kind: OutputToolCall, ToolCall: &call}
}

// Interaction asks the user a structured question.
func Interaction(req event.InteractionRequest) *Output {
	return &Output{Kind: OutputInteraction, Interaction: &req}
}

// Done ends the task successfully.
func Done(summary string) *Output {
	return &Output{Kind: OutputDone, Summary: summary}
}

// Failed ends the task with a failure.
func Failed(reason string) *Output {
	return &Output{Kind: OutputFailed, Reason: reason}
}
