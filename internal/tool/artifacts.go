package tool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"seed/internal/utils/id"
)

// Artifact is a blob a tool parked outside the conversation, typically
// oversized command output or generated files.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	artifactsDirName  = "artifacts"
	artifactIndexName = "index.jsonl"
)

// ArtifactStore keeps artifact blobs under
// <dir>/artifacts/<taskId>/<artifactId> with a JSONL index alongside.
type ArtifactStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// OpenArtifactStore creates the artifacts directory under dir.
func OpenArtifactStore(dir string) (*ArtifactStore, error) {
	s := &ArtifactStore{dir: filepath.Join(dir, artifactsDirName), now: time.Now}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return s, nil
}

// Save stores data as a new artifact for the task.
func (s *ArtifactStore) Save(taskID, name string, data []byte) (*Artifact, error) {
	if taskID == "" {
		return nil, fmt.Errorf("save artifact: empty task id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Artifact{
		ID:        id.NewArtifactID(),
		TaskID:    taskID,
		Name:      name,
		Size:      int64(len(data)),
		CreatedAt: s.now().UTC(),
	}
	taskDir := filepath.Join(s.dir, taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact task dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, a.ID), data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	line, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, artifactIndexName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append artifact index: %w", err)
	}
	return a, nil
}

// Read returns an artifact's bytes.
func (s *ArtifactStore) Read(taskID, artifactID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, taskID, artifactID))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", artifactID, err)
	}
	return data, nil
}

// List returns the artifacts recorded for a task, in save order.
func (s *ArtifactStore) List(taskID string) ([]*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, artifactIndexName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open artifact index: %w", err)
	}
	defer f.Close()

	var out []*Artifact
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var a Artifact
		if err := json.Unmarshal(raw, &a); err != nil {
			break
		}
		if a.TaskID == taskID {
			out = append(out, &a)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan artifact index: %w", err)
	}
	return out, nil
}
