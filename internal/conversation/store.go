package conversation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"seed/internal/logging"
)

const (
	storeDirName = "conversations"

	// historyCacheSize bounds how many parsed task histories stay in
	// memory. Evicted histories reload from disk on next read.
	historyCacheSize = 128

	maxLineBytes = 16 * 1024 * 1024
)

// record is the on-disk line format, one per message.
type record struct {
	TaskID    string    `json:"taskId"`
	Index     int       `json:"index"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store keeps one append-only JSONL file per task under
// <dir>/conversations/<taskId>.jsonl. It is safe for concurrent use;
// per-task write ordering is the caller's concern (the runtime holds a
// per-task lock around agent passes).
type Store struct {
	mu     sync.Mutex
	dir    string
	logger logging.Logger
	cache  *lru.Cache[string, []Stored]
	now    func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(l logging.Logger) StoreOption {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithStoreClock overrides the clock, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// OpenStore creates the conversations directory under dir if needed.
func OpenStore(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:    filepath.Join(dir, storeDirName),
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	cache, err := lru.New[string, []Stored](historyCacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".jsonl")
}

// Append writes messages to the task's log in order and returns them
// with their assigned indexes.
func (s *Store) Append(taskID string, msgs ...Message) ([]Stored, error) {
	if taskID == "" {
		return nil, fmt.Errorf("conversation append: empty task id")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.loadLocked(taskID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	stored := make([]Stored, 0, len(msgs))
	var buf bytes.Buffer
	for i, m := range msgs {
		st := Stored{Index: len(history) + i, Message: m, CreatedAt: now}
		line, err := json.Marshal(record{TaskID: taskID, Index: st.Index, Message: st.Message, CreatedAt: st.CreatedAt})
		if err != nil {
			return nil, fmt.Errorf("encode conversation message: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		stored = append(stored, st)
	}

	f, err := os.OpenFile(s.path(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write conversation log: %w", err)
	}

	s.cache.Add(taskID, append(history, stored...))
	return stored, nil
}

// Messages returns the task's history in insertion order. The returned
// slice is the caller's to keep; messages themselves are read-only.
func (s *Store) Messages(taskID string) ([]Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, err := s.loadLocked(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Stored, len(history))
	copy(out, history)
	return out, nil
}

// Clear removes the task's entire history.
func (s *Store) Clear(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(taskID)
	if err := os.Remove(s.path(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// Truncate drops every message with index >= index, keeping the prefix.
// The file is rewritten atomically.
func (s *Store) Truncate(taskID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.loadLocked(taskID)
	if err != nil {
		return err
	}
	if index < 0 {
		index = 0
	}
	if index >= len(history) {
		return nil
	}
	kept := history[:index]

	var buf bytes.Buffer
	for _, st := range kept {
		line, err := json.Marshal(record{TaskID: taskID, Index: st.Index, Message: st.Message, CreatedAt: st.CreatedAt})
		if err != nil {
			return fmt.Errorf("encode conversation message: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := s.path(taskID) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write truncated conversation: %w", err)
	}
	if err := os.Rename(tmp, s.path(taskID)); err != nil {
		return fmt.Errorf("replace conversation log: %w", err)
	}

	cp := make([]Stored, len(kept))
	copy(cp, kept)
	s.cache.Add(taskID, cp)
	return nil
}

// loadLocked returns the parsed history, from cache when possible.
func (s *Store) loadLocked(taskID string) ([]Stored, error) {
	if cached, ok := s.cache.Get(taskID); ok {
		return cached, nil
	}

	f, err := os.Open(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()

	var history []Stored
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A torn trailing line from a crash mid-append is dropped;
			// the repair pass re-persists anything that went missing.
			s.logger.Warn("conversation %s: dropping unreadable line after index %d: %v", taskID, len(history)-1, err)
			break
		}
		history = append(history, Stored{Index: rec.Index, Message: rec.Message, CreatedAt: rec.CreatedAt})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan conversation log: %w", err)
	}

	s.cache.Add(taskID, history)
	return history, nil
}
