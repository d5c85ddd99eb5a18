package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, 3, cfg.MaxSubtaskDepth)
	assert.FileExists(t, filepath.Join(dir, "config.json"))
}

func TestManagerPersistsUpdates(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	require.NoError(t, m.Update(func(c *Config) {
		c.Server.Port = 9999
		c.StreamingEnabled = true
	}))

	reloaded, err := NewManager(dir)
	require.NoError(t, err)
	cfg := reloaded.Get()
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.True(t, cfg.StreamingEnabled)
}

func TestManagerToleratesSparseFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"server":{"port":1234}}`), 0o644))

	m, err := NewManager(dir)
	require.NoError(t, err)
	cfg := m.Get()
	assert.Equal(t, 1234, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 300, cfg.InteractionTimeoutSeconds)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SEED_PORT", "4321")
	t.Setenv("SEED_LLM_MODEL", "test-model")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 4321, cfg.Server.Port)
	assert.Equal(t, "test-model", cfg.LLM.Model)
}

func TestLoadAgentCatalog(t *testing.T) {
	dir := t.TempDir()
	yaml := `
agents:
  agent_seed_chat:
    enabled: false
    profile:
      maxIterations: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(yaml), 0o644))

	cat, err := LoadAgentCatalog(dir)
	require.NoError(t, err)
	assert.True(t, cat.Disabled("agent_seed_chat"))
	o, ok := cat.For("agent_seed_chat")
	require.True(t, ok)
	require.NotNil(t, o.Profile)
	assert.Equal(t, 5, o.Profile.MaxIterations)

	missing, err := LoadAgentCatalog(t.TempDir())
	require.NoError(t, err)
	assert.False(t, missing.Disabled("agent_seed_chat"))
}
