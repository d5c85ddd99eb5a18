package event

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"seed/internal/logging"
	"seed/internal/observability"
)

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("event not found")

// Store is the append-only event log contract. Appends are serialized;
// within one Append the batch is all-or-nothing. Subscribers receive every
// stored event exactly once, in append order, only after it is durable.
type Store interface {
	// Append assigns ids and seqs to drafts and persists them on streamID.
	Append(streamID string, drafts []*Draft) ([]*Envelope, error)
	// ReadAll returns every event with ID > afterID in global order.
	ReadAll(afterID int64) ([]*Envelope, error)
	// ReadStream returns streamID's events with Seq >= fromSeq in stream order.
	ReadStream(streamID string, fromSeq int64) ([]*Envelope, error)
	// ReadByID returns one event or ErrNotFound.
	ReadByID(id int64) (*Envelope, error)
	// GetProjection loads a named checkpoint, or (0, def, nil) when absent.
	GetProjection(name string, def json.RawMessage) (int64, json.RawMessage, error)
	// SaveProjection overwrites the single checkpoint slot for name.
	SaveProjection(name string, cursor int64, state json.RawMessage) error
	// Subscribe returns a live feed starting at the next append.
	Subscribe() (<-chan *Envelope, func())
	// Close flushes and stops the live feed.
	Close() error
}

const (
	logFileName    = "events.jsonl"
	projectionsDir = "projections"
)

// FileStore persists the log as newline-delimited JSON and keeps a full
// in-memory index for reads. The log is the database; a local workspace's
// event history fits comfortably in memory.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
	path string
	dir  string

	events   []*Envelope
	byStream map[string][]*Envelope
	nextID   int64

	bus     *bus
	logger  logging.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// FileStoreOption customizes a FileStore.
type FileStoreOption func(*FileStore)

// WithLogger attaches a diagnostics logger.
func WithLogger(l logging.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = logging.OrNop(l) }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *observability.Metrics) FileStoreOption {
	return func(s *FileStore) { s.metrics = m }
}

// WithClock overrides the timestamp source. Tests use it for determinism.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) { s.now = now }
}

// OpenFileStore opens (creating if needed) the event log under dir and
// loads the existing records. A trailing partial line — the residue of a
// crash mid-write — is tolerated and dropped.
func OpenFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event store dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, projectionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create projections dir: %w", err)
	}

	s := &FileStore{
		path:     filepath.Join(dir, logFileName),
		dir:      dir,
		byStream: make(map[string][]*Envelope),
		nextID:   1,
		bus:      newBus(),
		logger:   logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	s.file = file

	s.logger.Info("event store opened: %d events, next id %d", len(s.events), s.nextID)
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lineNo++
		var ev Envelope
		if err := json.Unmarshal(line, &ev); err != nil {
			// Only a trailing torn record is recoverable; anything earlier
			// means real corruption.
			if isLastLine(raw, lineNo) {
				s.logger.Warn("dropping torn trailing event record at line %d", lineNo)
				break
			}
			return fmt.Errorf("corrupt event log at line %d: %w", lineNo, err)
		}
		s.index(&ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event log: %w", err)
	}
	return nil
}

func isLastLine(raw []byte, lineNo int) bool {
	count := 0
	for _, chunk := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(chunk)) > 0 {
			count++
		}
	}
	return lineNo == count
}

func (s *FileStore) index(ev *Envelope) {
	s.events = append(s.events, ev)
	s.byStream[ev.StreamID] = append(s.byStream[ev.StreamID], ev)
	if ev.ID >= s.nextID {
		s.nextID = ev.ID + 1
	}
}

// Append implements Store. The batch is encoded into a single buffer and
// written with one call followed by fsync; subscribers are notified only
// after the write returns.
func (s *FileStore) Append(streamID string, drafts []*Draft) ([]*Envelope, error) {
	if streamID == "" {
		return nil, errors.New("append: empty stream id")
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(0)
	if tip := s.byStream[streamID]; len(tip) > 0 {
		seq = tip[len(tip)-1].Seq
	}

	envelopes := make([]*Envelope, 0, len(drafts))
	var buf bytes.Buffer
	for _, d := range drafts {
		seq++
		ev := &Envelope{
			ID:        s.nextID + int64(len(envelopes)),
			StreamID:  streamID,
			Seq:       seq,
			Type:      d.Type,
			Payload:   d.Payload,
			CreatedAt: s.now().UTC(),
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", d.Type, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		envelopes = append(envelopes, ev)
	}

	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("append to event log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return nil, fmt.Errorf("sync event log: %w", err)
	}

	for _, ev := range envelopes {
		s.index(ev)
	}

	s.metrics.RecordEventsAppended(context.Background(), len(envelopes))
	s.bus.publish(envelopes)
	return envelopes, nil
}

// ReadAll implements Store.
func (s *FileStore) ReadAll(afterID int64) ([]*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Envelope, 0)
	for _, ev := range s.events {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReadStream implements Store.
func (s *FileStore) ReadStream(streamID string, fromSeq int64) ([]*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Envelope, 0)
	for _, ev := range s.byStream[streamID] {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReadByID implements Store.
func (s *FileStore) ReadByID(id int64) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, ErrNotFound
}

type projectionRecord struct {
	Name          string          `json:"name"`
	CursorEventID int64           `json:"cursorEventId"`
	State         json.RawMessage `json:"state"`
}

// GetProjection implements Store.
func (s *FileStore) GetProjection(name string, def json.RawMessage) (int64, json.RawMessage, error) {
	raw, err := os.ReadFile(s.projectionPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, def, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read projection %s: %w", name, err)
	}

	var rec projectionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("projection %s unreadable, rebuilding from scratch: %v", name, err)
		return 0, def, nil
	}
	return rec.CursorEventID, rec.State, nil
}

// SaveProjection implements Store. One file per name, replaced atomically,
// so N saves leave exactly one record at rest.
func (s *FileStore) SaveProjection(name string, cursor int64, state json.RawMessage) error {
	rec := projectionRecord{Name: name, CursorEventID: cursor, State: state}
	raw, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode projection %s: %w", name, err)
	}

	path := s.projectionPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write projection %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace projection %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) projectionPath(name string) string {
	return filepath.Join(s.dir, projectionsDir, name+".json")
}

// Subscribe implements Store.
func (s *FileStore) Subscribe() (<-chan *Envelope, func()) {
	return s.bus.subscribe()
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.bus.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
