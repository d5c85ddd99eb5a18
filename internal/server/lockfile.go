package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LockFileName is the discovery file CLI clients read to find a
// running server.
const LockFileName = "seed.lock.json"

// LockFile records where the running server listens and the token that
// gets a client in.
type LockFile struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	StartedAt time.Time `json:"startedAt"`
}

// BaseURL returns the server's HTTP root.
func (l *LockFile) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", l.Host, l.Port)
}

func lockPath(dataDir string) string {
	return filepath.Join(dataDir, LockFileName)
}

// WriteLockFile records the running server in the data directory.
func WriteLockFile(dataDir string, lf *LockFile) error {
	raw, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock file: %w", err)
	}
	if err := os.WriteFile(lockPath(dataDir), raw, 0o600); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// ReadLockFile loads the lock file, or nil when no server is recorded.
func ReadLockFile(dataDir string) (*LockFile, error) {
	raw, err := os.ReadFile(lockPath(dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var lf LockFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lf, nil
}

// RemoveLockFile deletes the lock file; missing is fine.
func RemoveLockFile(dataDir string) error {
	err := os.Remove(lockPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
