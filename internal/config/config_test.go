package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "model: claude-sonnet-4-20250514\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", cfg.Provider)
	}
	if cfg.MaxTurns != 20 {
		t.Errorf("MaxTurns = %d, want 20", cfg.MaxTurns)
	}
	if cfg.ContextTokens != 200_000 {
		t.Errorf("ContextTokens = %d, want 200000", cfg.ContextTokens)
	}
	if cfg.MaxConcurrentRuns != 4 {
		t.Errorf("MaxConcurrentRuns = %d, want 4", cfg.MaxConcurrentRuns)
	}
}

func TestLoadRejectsBadReasoning(t *testing.T) {
	path := writeConfig(t, "reasoning: extreme\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted invalid reasoning level")
	}
}

func TestLoadRejectsBadTemperature(t *testing.T) {
	path := writeConfig(t, "temperature: 3.5\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted out-of-range temperature")
	}
}

func TestAgentIDNormalization(t *testing.T) {
	path := writeConfig(t, "agent_id: \"My Agent!\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentID != "myagent" {
		t.Errorf("AgentID = %q, want myagent", cfg.AgentID)
	}
	if got := cfg.SessionKey("42"); got != "agent:myagent:session:42" {
		t.Errorf("SessionKey() = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() of missing file should fail")
	}
}
