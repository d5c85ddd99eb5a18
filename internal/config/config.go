// Package config holds the kernel's process-wide configuration: where
// state lives on disk, how the server binds, and which LLM endpoint the
// agents talk to. Configuration persists as JSON in the data directory
// and can be overridden through SEED_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"seed/internal/llm"
	"seed/internal/observability"
)

// DefaultDirName is the data directory under the user's home when no
// explicit location is configured.
const DefaultDirName = ".seed"

// ServerConfig is the network boundary configuration.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// AuthToken is the shared bearer token. Empty means one is
	// generated at server start and written to the lock file.
	AuthToken string `json:"authToken,omitempty"`
}

// Config is the full kernel configuration.
type Config struct {
	DataDir string       `json:"dataDir"`
	Server  ServerConfig `json:"server"`

	// WorkDir is the directory file tools operate in. Defaults to the
	// process working directory.
	WorkDir string `json:"workDir,omitempty"`

	StreamingEnabled bool `json:"streamingEnabled"`

	MaxSubtaskDepth           int `json:"maxSubtaskDepth"`
	InteractionTimeoutSeconds int `json:"interactionTimeoutSeconds"`
	ProjectionCheckpointEvery int `json:"projectionCheckpointEvery"`

	LLM     llm.Config           `json:"llm"`
	Metrics observability.Config `json:"metrics"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, DefaultDirName),
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		MaxSubtaskDepth:           3,
		InteractionTimeoutSeconds: 300,
		ProjectionCheckpointEvery: 20,
		LLM: llm.Config{
			Model:          "gpt-4o-mini",
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 120,
		},
		Metrics: observability.Config{Enabled: true},
	}
}

// ApplyEnv overlays SEED_* environment variables onto the config.
// Environment wins over the file so deployments can pin settings
// without editing persisted state.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SEED_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SEED_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("SEED_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SEED_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SEED_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("SEED_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SEED_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("SEED_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
}

// Normalize fills defaults for zero values so a sparse config file
// still yields a runnable configuration.
func (c *Config) Normalize() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.MaxSubtaskDepth == 0 {
		c.MaxSubtaskDepth = def.MaxSubtaskDepth
	}
	if c.InteractionTimeoutSeconds == 0 {
		c.InteractionTimeoutSeconds = def.InteractionTimeoutSeconds
	}
	if c.ProjectionCheckpointEvery == 0 {
		c.ProjectionCheckpointEvery = def.ProjectionCheckpointEvery
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = def.LLM.TimeoutSeconds
	}
}
