// Package config loads and validates the runtime configuration envelope.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for optional settings.
const (
	DefaultProvider          = "anthropic"
	DefaultMaxTurns          = 20
	DefaultContextTokens     = 200_000
	DefaultMaxConcurrentRuns = 4
)

// validReasoningLevels are the accepted reasoning settings.
var validReasoningLevels = map[string]bool{
	"":        true,
	"minimal": true,
	"low":     true,
	"medium":  true,
	"high":    true,
	"xhigh":   true,
}

// ToolPolicy controls which tools the runtime exposes.
type ToolPolicy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Sandbox controls tool-side restrictions.
type Sandbox struct {
	Enabled    bool `yaml:"enabled"`
	AllowExec  bool `yaml:"allow_exec"`
	AllowWrite bool `yaml:"allow_write"`
}

// Config is the recognized option envelope.
type Config struct {
	Provider string            `yaml:"provider"`
	Model    string            `yaml:"model"`
	BaseURL  string            `yaml:"base_url"`
	Headers  map[string]string `yaml:"headers"`
	APIKey   string            `yaml:"api_key"`

	AgentID      string     `yaml:"agent_id"`
	SystemPrompt string     `yaml:"system_prompt"`
	Tools        []string   `yaml:"tools"`
	ToolPolicy   ToolPolicy `yaml:"tool_policy"`
	Sandbox      Sandbox    `yaml:"sandbox"`

	Temperature *float64 `yaml:"temperature"`
	Reasoning   string   `yaml:"reasoning"`

	MaxTurns          int `yaml:"max_turns"`
	ContextTokens     int `yaml:"context_tokens"`
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	EnableMemory    bool `yaml:"enable_memory"`
	EnableContext   bool `yaml:"enable_context"`
	EnableSkills    bool `yaml:"enable_skills"`
	EnableHeartbeat bool `yaml:"enable_heartbeat"`

	SessionDir   string `yaml:"session_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
}

// Default returns a config with defaults applied.
func Default() *Config {
	return &Config{
		Provider:          DefaultProvider,
		AgentID:           "main",
		MaxTurns:          DefaultMaxTurns,
		ContextTokens:     DefaultContextTokens,
		MaxConcurrentRuns: DefaultMaxConcurrentRuns,
		EnableContext:     true,
	}
}

// Load reads a YAML config file and applies defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.AgentID == "" {
		c.AgentID = "main"
	}
	c.AgentID = normalizeAgentID(c.AgentID)
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.ContextTokens <= 0 {
		c.ContextTokens = DefaultContextTokens
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	if !validReasoningLevels[c.Reasoning] {
		return fmt.Errorf("config: invalid reasoning level %q", c.Reasoning)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 1) {
		return fmt.Errorf("config: temperature %v out of range [0,1]", *c.Temperature)
	}
	return nil
}

// SessionKey returns the canonical session key for a session id.
func (c *Config) SessionKey(sessionID string) string {
	return fmt.Sprintf("agent:%s:session:%s", c.AgentID, sessionID)
}

// normalizeAgentID lowercases and strips characters that would not
// survive a session key.
func normalizeAgentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "main"
	}
	return b.String()
}
