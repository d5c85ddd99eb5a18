// Package audit records every tool invocation as an append-only trace
// and publishes entries live for UI surfaces. Nothing in the kernel
// reads the trace back; it exists for operators and frontends.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"seed/internal/logging"
)

// Kind tags an audit entry.
type Kind string

const (
	KindToolCallRequested Kind = "tool_call_requested"
	KindToolCallCompleted Kind = "tool_call_completed"
)

// Entry is one line of the audit trace.
type Entry struct {
	ID         int64           `json:"id"`
	Kind       Kind            `json:"kind"`
	TaskID     string          `json:"taskId"`
	ActorID    string          `json:"actorId,omitempty"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	DurationMS int64           `json:"durationMs,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

const logFileName = "audit.jsonl"

// Log is the append-only audit trace backed by a JSONL file, plus a
// best-effort live feed. Subscribers that fall behind lose entries;
// unlike the event store, the audit stream is advisory.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	nextID int64
	logger logging.Logger
	now    func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan Entry
	nextSub int
}

// Option customizes a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Log) { a.logger = logging.OrNop(l) }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Log) { a.now = now }
}

// Open creates or resumes the audit log under dir.
func Open(dir string, opts ...Option) (*Log, error) {
	a := &Log{
		logger: logging.Nop(),
		now:    time.Now,
		subs:   make(map[int]chan Entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	a.path = filepath.Join(dir, logFileName)
	if err := a.restore(a.path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.file = f
	return a, nil
}

// restore scans the existing file to find the next id.
func (a *Log) restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			a.nextID = 1
			return nil
		}
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	maxID := int64(0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			// Torn tail from a crash; later appends continue after it.
			a.logger.Warn("audit: dropping unreadable trailing line: %v", err)
			break
		}
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	a.nextID = maxID + 1
	return nil
}

// Append writes the entry, assigns its id and timestamp, and fans it
// out to live subscribers.
func (a *Log) Append(e Entry) (Entry, error) {
	a.mu.Lock()
	if a.file == nil {
		a.mu.Unlock()
		return Entry{}, fmt.Errorf("audit log closed")
	}
	e.ID = a.nextID
	e.CreatedAt = a.now().UTC()
	line, err := json.Marshal(e)
	if err != nil {
		a.mu.Unlock()
		return Entry{}, fmt.Errorf("encode audit entry: %w", err)
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.mu.Unlock()
		return Entry{}, fmt.Errorf("write audit entry: %w", err)
	}
	a.nextID++
	a.mu.Unlock()

	a.publish(e)
	return e, nil
}

// ToolCallRequested records the start of a tool invocation.
func (a *Log) ToolCallRequested(taskID, actorID, toolCallID, toolName string, input json.RawMessage) {
	_, err := a.Append(Entry{
		Kind:       KindToolCallRequested,
		TaskID:     taskID,
		ActorID:    actorID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Input:      input,
	})
	if err != nil {
		a.logger.Warn("audit: tool call requested entry failed: %v", err)
	}
}

// ToolCallCompleted records the end of a tool invocation.
func (a *Log) ToolCallCompleted(taskID, actorID, toolCallID, toolName, output string, isError bool, duration time.Duration) {
	_, err := a.Append(Entry{
		Kind:       KindToolCallCompleted,
		TaskID:     taskID,
		ActorID:    actorID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Output:     output,
		IsError:    isError,
		DurationMS: duration.Milliseconds(),
	})
	if err != nil {
		a.logger.Warn("audit: tool call completed entry failed: %v", err)
	}
}

// Entries reads back the trace, optionally filtered by task id, newest
// last. Used by the query endpoints only.
func (a *Log) Entries(taskID string, limit int) ([]Entry, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			break
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Subscribe returns a live feed of new entries. The feed is lossy: if
// the subscriber's buffer is full the entry is skipped for it.
func (a *Log) Subscribe() (<-chan Entry, func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.nextSub
	a.nextSub++
	ch := make(chan Entry, 256)
	a.subs[id] = ch
	return ch, func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if existing, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(existing)
		}
	}
}

func (a *Log) publish(e Entry) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close flushes and closes the underlying file.
func (a *Log) Close() error {
	a.subMu.Lock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
	a.subMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
