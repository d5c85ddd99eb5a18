package conversation

import (
	"fmt"

	"seed/internal/logging"
)

// Manager owns all conversation mutation performed from inside an agent
// pass. Reads are shared; writes for one task are serialized by the
// runtime's per-task lock.
type Manager struct {
	store  *Store
	logger logging.Logger
}

// NewManager wraps a store.
func NewManager(store *Store, logger logging.Logger) *Manager {
	return &Manager{store: store, logger: logging.OrNop(logger)}
}

// History returns the task's messages in order.
func (m *Manager) History(taskID string) ([]Stored, error) {
	return m.store.Messages(taskID)
}

// Append adds messages to the task's history.
func (m *Manager) Append(taskID string, msgs ...Message) ([]Stored, error) {
	return m.store.Append(taskID, msgs...)
}

// AppendUser records a user instruction.
func (m *Manager) AppendUser(taskID, text string) error {
	_, err := m.store.Append(taskID, User(text))
	return err
}

// PersistToolResultIfMissing appends a tool result unless the history
// already holds one for the same call id. Safe to call again after a
// crash between tool execution and persistence; the second call is a
// no-op. Returns whether a message was written.
func (m *Manager) PersistToolResultIfMissing(taskID, toolCallID, toolName, output string, isError bool) (bool, error) {
	if toolCallID == "" {
		return false, fmt.Errorf("persist tool result: empty tool call id")
	}
	history, err := m.store.Messages(taskID)
	if err != nil {
		return false, err
	}
	if HasToolResult(history, toolCallID) {
		m.logger.Debug("task %s: tool result for %s already persisted, skipping", taskID, toolCallID)
		return false, nil
	}
	if _, err := m.store.Append(taskID, ToolResult(toolCallID, toolName, output, isError)); err != nil {
		return false, err
	}
	return true, nil
}

// PendingToolCalls returns the unanswered tool calls of the task's last
// assistant message.
func (m *Manager) PendingToolCalls(taskID string) ([]ToolCall, error) {
	history, err := m.store.Messages(taskID)
	if err != nil {
		return nil, err
	}
	return PendingToolCalls(history), nil
}

// Clear drops the task's history entirely.
func (m *Manager) Clear(taskID string) error {
	return m.store.Clear(taskID)
}

// Truncate drops every message with index >= index.
func (m *Manager) Truncate(taskID string, index int) error {
	return m.store.Truncate(taskID, index)
}
