package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const catalogFileName = "agents.yaml"

// AgentOverride adjusts one registered agent without code changes.
// Zero values leave the agent's compiled-in defaults untouched.
type AgentOverride struct {
	// Enabled disables the agent entirely when set to false.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Profile overrides the agent's default execution profile.
	Profile *ProfileOverride `yaml:"profile,omitempty"`

	// ToolGroups replaces the agent's tool group selection.
	ToolGroups []string `yaml:"toolGroups,omitempty"`
}

// ProfileOverride tunes the agent loop.
type ProfileOverride struct {
	SystemPrompt  string  `yaml:"systemPrompt,omitempty"`
	Temperature   float64 `yaml:"temperature,omitempty"`
	MaxTokens     int     `yaml:"maxTokens,omitempty"`
	MaxIterations int     `yaml:"maxIterations,omitempty"`
}

// AgentCatalog is the optional agents.yaml file: per-agent overrides
// keyed by agent id.
type AgentCatalog struct {
	Agents map[string]AgentOverride `yaml:"agents"`
}

// LoadAgentCatalog reads <dataDir>/agents.yaml. A missing file returns
// an empty catalog, not an error.
func LoadAgentCatalog(dataDir string) (*AgentCatalog, error) {
	path := filepath.Join(dataDir, catalogFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AgentCatalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}
	var cat AgentCatalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cat, nil
}

// For returns the override for an agent id, if any.
func (c *AgentCatalog) For(agentID string) (AgentOverride, bool) {
	if c == nil || c.Agents == nil {
		return AgentOverride{}, false
	}
	o, ok := c.Agents[agentID]
	return o, ok
}

// Disabled reports whether the catalog turns an agent off.
func (c *AgentCatalog) Disabled(agentID string) bool {
	o, ok := c.For(agentID)
	return ok && o.Enabled != nil && !*o.Enabled
}
