package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAgentConfig_Defaults(t *testing.T) {
	cfg, meta, err := LoadAgentConfig(AgentLoadOptions{})
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.LocalAPIPort != 8088 {
		t.Errorf("LocalAPIPort = %d, want 8088", cfg.LocalAPIPort)
	}
	if cfg.FileWatcher.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.FileWatcher.MaxConcurrent)
	}
	if meta.Source("localApiPort") != SourceDefault {
		t.Errorf("source = %v, want default", meta.Source("localApiPort"))
	}
}

func TestLoadAgentConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"localApiPort": 9999, "controllerUrl": "https://controller.example:9443"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, meta, err := LoadAgentConfig(AgentLoadOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.LocalAPIPort != 9999 {
		t.Errorf("LocalAPIPort = %d, want 9999", cfg.LocalAPIPort)
	}
	if cfg.ControllerURL != "https://controller.example:9443" {
		t.Errorf("ControllerURL = %q", cfg.ControllerURL)
	}
	if meta.Source("localApiPort") != SourceFile {
		t.Errorf("source = %v, want file", meta.Source("localApiPort"))
	}
	// Untouched field should still report default.
	if cfg.HeartbeatSeconds != 30 {
		t.Errorf("HeartbeatSeconds = %d, want 30 (default)", cfg.HeartbeatSeconds)
	}
}

func TestLoadAgentConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"localApiPort": 9999}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("AGENT_LOCALAPIPORT", "7000")

	cfg, meta, err := LoadAgentConfig(AgentLoadOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.LocalAPIPort != 7000 {
		t.Errorf("LocalAPIPort = %d, want 7000 (env should win over file)", cfg.LocalAPIPort)
	}
	if meta.Source("localApiPort") != SourceEnv {
		t.Errorf("source = %v, want environment", meta.Source("localApiPort"))
	}
}

func TestLoadAgentConfig_OverridesWinOverEverything(t *testing.T) {
	cfg, meta, err := LoadAgentConfig(AgentLoadOptions{
		Overrides: func(c *AgentConfig, m *Metadata) {
			c.Standalone = true
			m.set("standalone", SourceOverride)
		},
	})
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if !cfg.Standalone {
		t.Error("expected Standalone override to apply")
	}
	if meta.Source("standalone") != SourceOverride {
		t.Errorf("source = %v, want override", meta.Source("standalone"))
	}
}

func TestLoadControllerConfig_Defaults(t *testing.T) {
	cfg, _, err := LoadControllerConfig(ControllerLoadOptions{})
	if err != nil {
		t.Fatalf("LoadControllerConfig: %v", err)
	}
	if cfg.ListenAddr != ":9443" {
		t.Errorf("ListenAddr = %q, want :9443", cfg.ListenAddr)
	}
	if cfg.GitRepoName != "fleet-config" {
		t.Errorf("GitRepoName = %q", cfg.GitRepoName)
	}
}

func TestSaveAndReloadAgentConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultAgentConfig()
	cfg.ID = "agent-123"
	cfg.ControllerURL = "https://controller:9443"

	if err := SaveAgentConfig(path, cfg); err != nil {
		t.Fatalf("SaveAgentConfig: %v", err)
	}

	reloaded, _, err := LoadAgentConfig(AgentLoadOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if reloaded.ID != "agent-123" {
		t.Errorf("ID = %q, want agent-123", reloaded.ID)
	}
	if reloaded.ControllerURL != cfg.ControllerURL {
		t.Errorf("ControllerURL = %q, want %q", reloaded.ControllerURL, cfg.ControllerURL)
	}
}
