package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"seed/internal/conversation"
	"seed/internal/llm"
	"seed/internal/logging"
	"seed/internal/utils/id"
)

// ChatAgentID is the id of the stock tool-using chat agent.
const ChatAgentID = "agent_seed_chat"

const (
	defaultMaxIterations = 25
	summaryMaxLen        = 500

	defaultSystemPrompt = "You are Seed, an autonomous assistant working on a task for the user. " +
		"Use the available tools to make progress. When you need a decision " +
		"or information only the user has, ask. When the task is complete, " +
		"reply with a short summary and stop calling tools."
)

// ChatAgent is the default agent: a plain tool-using LLM loop over the
// task's conversation history.
type ChatAgent struct {
	logger logging.Logger
}

// NewChatAgent builds the stock chat agent.
func NewChatAgent(logger logging.Logger) *ChatAgent {
	return &ChatAgent{logger: logging.OrNop(logger)}
}

func (a *ChatAgent) ID() string          { return ChatAgentID }
func (a *ChatAgent) DisplayName() string { return "Seed Chat" }
func (a *ChatAgent) Description() string {
	return "General-purpose tool-using agent that works a task conversationally"
}

// ToolGroups is empty: the chat agent may use every registered tool.
func (a *ChatAgent) ToolGroups() []string { return nil }

func (a *ChatAgent) DefaultProfile() Profile {
	return Profile{
		SystemPrompt:  defaultSystemPrompt,
		MaxIterations: defaultMaxIterations,
	}
}

// Run drives one pass of the loop. Each iteration: complete against the
// current history, persist the assistant turn, yield its outputs, and
// let the runtime settle tool results before the next completion.
func (a *ChatAgent) Run(ctx context.Context, inv *Invocation, yield YieldFunc) error {
	taskID := inv.Task.TaskID
	profile := a.DefaultProfile().Merge(&inv.Profile)
	maxIterations := profile.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	history, err := inv.Conversation.History(taskID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		seed := []conversation.Message{conversation.System(profile.SystemPrompt)}
		intent := strings.TrimSpace(inv.Task.Intent)
		if intent == "" {
			intent = inv.Task.Title
		}
		seed = append(seed, conversation.User(intent))
		if history, err = inv.Conversation.Append(taskID, seed...); err != nil {
			return fmt.Errorf("seed history: %w", err)
		}
	}

	// Repair pass: tool calls from a previous run that never got their
	// results are re-yielded before any new completion, so the history
	// the model sees next is always settled.
	for _, call := range conversation.PendingToolCalls(history) {
		if err := yield(ToolCall(call)); err != nil {
			return err
		}
	}

	for i := 0; i < maxIterations; i++ {
		if inv.Paused != nil && inv.Paused() {
			return ErrStopPaused
		}
		if err := ctx.Err(); err != nil {
			return ErrStopCanceled
		}

		history, err = inv.Conversation.History(taskID)
		if err != nil {
			return fmt.Errorf("reload history: %w", err)
		}
		a.logger.Debug("task %s: llm turn %d, %d messages, ~%d tokens",
			taskID, i+1, len(history), conversation.CountMessageTokens(history))

		resp, llmErr := a.complete(ctx, inv, history, profile)
		if llmErr != nil {
			if ctx.Err() != nil {
				return ErrStopCanceled
			}
			a.logger.Error("task %s: llm call failed: %v", taskID, llmErr)
			if err := yield(Failed(fmt.Sprintf("LLM call failed: %v", llmErr))); err != nil {
				return err
			}
			return nil
		}

		calls := a.normalizeToolCalls(taskID, resp.ToolCalls)
		if _, err := inv.Conversation.Append(taskID,
			conversation.Assistant(resp.Content, resp.Reasoning, calls...)); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}

		if resp.Reasoning != "" {
			if err := yield(Reasoning(resp.Reasoning)); err != nil {
				return err
			}
		}
		if resp.Content != "" {
			if err := yield(Text(resp.Content)); err != nil {
				return err
			}
		}

		if len(calls) > 0 {
			for _, call := range calls {
				if err := yield(ToolCall(call)); err != nil {
					return err
				}
			}
			continue
		}

		return yield(Done(summarize(resp.Content)))
	}

	return yield(Failed(fmt.Sprintf("no conclusion after %d iterations", maxIterations)))
}

func (a *ChatAgent) complete(ctx context.Context, inv *Invocation, history []conversation.Stored, profile Profile) (*llm.Response, error) {
	req := &llm.Request{
		Messages:    messagesOf(history),
		Tools:       inv.Tools,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	}
	if inv.Streaming {
		return inv.LLM.Stream(ctx, req, func(chunk *llm.Chunk) error {
			if inv.OnStreamChunk != nil {
				inv.OnStreamChunk(chunk)
			}
			return ctx.Err()
		})
	}
	return inv.LLM.Complete(ctx, req)
}

// normalizeToolCalls assigns ids to calls the model left unnamed and
// repairs near-JSON argument strings. Unsalvageable arguments stay as
// received; the executor reports them back to the model as tool errors.
func (a *ChatAgent) normalizeToolCalls(taskID string, calls []conversation.ToolCall) []conversation.ToolCall {
	out := make([]conversation.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" {
			call.ID = id.NewToolCallID()
		}
		if len(call.Args) == 0 {
			call.Args = json.RawMessage(`{}`)
		} else if !json.Valid(call.Args) {
			repaired, err := jsonrepair.JSONRepair(string(call.Args))
			if err == nil && json.Valid(json.RawMessage(repaired)) {
				a.logger.Warn("task %s: repaired malformed arguments for tool %s", taskID, call.Name)
				call.Args = json.RawMessage(repaired)
			}
		}
		out = append(out, call)
	}
	return out
}

func messagesOf(history []conversation.Stored) []conversation.Message {
	out := make([]conversation.Message, 0, len(history))
	for _, st := range history {
		out = append(out, st.Message)
	}
	return out
}

func summarize(content string) string {
	s := strings.TrimSpace(content)
	if len(s) > summaryMaxLen {
		s = s[:summaryMaxLen] + "..."
	}
	return s
}

var _ Agent = (*ChatAgent)(nil)
