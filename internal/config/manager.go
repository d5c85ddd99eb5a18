package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileName = "config.json"

// Manager handles configuration persistence. Load-or-create on open,
// atomic save on every mutation.
type Manager struct {
	mu     sync.RWMutex
	path   string
	config *Config
}

// NewManager loads the config from <dataDir>/config.json, creating the
// file with defaults when it does not exist. Environment overrides are
// applied after loading and are never written back.
func NewManager(dataDir string) (*Manager, error) {
	if dataDir == "" {
		dataDir = Default().DataDir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	m := &Manager{
		path:   filepath.Join(dataDir, fileName),
		config: Default(),
	}
	m.config.DataDir = dataDir

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := m.save(); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	m.config.ApplyEnv()
	m.config.Normalize()
	return m, nil
}

func (m *Manager) load() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", m.path, err)
	}
	m.config = cfg
	return nil
}

// save writes the config atomically. Must be called with mu held (or
// before the manager is shared).
func (m *Manager) save() error {
	raw, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// Update applies fn to the config under the lock and persists the
// result.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.config)
	m.config.Normalize()
	return m.save()
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.path
}
