package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if cfg.API.BaseURL != "http://localhost:8000" {
		t.Errorf("expected base_url 'http://localhost:8000', got %q", cfg.API.BaseURL)
	}

	if cfg.Search.MaxDownloads != 0 {
		t.Errorf("expected search-only default, got max_downloads=%d", cfg.Search.MaxDownloads)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.LLM.Provider)
	}

	if cfg.Backend.RecallFeedURL == "" {
		t.Error("expected recall feed to be configured")
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
llm:
  provider: openai
  model: gpt-4o
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.LLM.Provider)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.LLM.OllamaURL != "http://localhost:11434" {
		t.Errorf("expected default ollama_url, got %q", cfg.LLM.OllamaURL)
	}
	if cfg.Analysis.Concurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Analysis.Concurrency)
	}
	if cfg.APITimeout() != 120*time.Second {
		t.Errorf("expected default timeout 120s, got %s", cfg.APITimeout())
	}
}

func TestParseInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"negative downloads", "search:\n  max_downloads: -1\n"},
		{"zero concurrency", "analysis:\n  concurrency: 0\n"},
		{"unknown log level", "logging:\n  level: TRACE\n"},
		{"bad yaml", "server: [port"},
	}
	for _, tt := range tests {
		if _, err := parse([]byte(tt.data)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Backend.OpenFDAURL == "" {
		t.Error("expected openfda_url to be populated from file")
	}
}

func TestResolveExplicitMissing(t *testing.T) {
	if _, err := ResolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
	if cfg.DBPath() != filepath.Join("/custom/path", "vera.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
}

func TestDebug(t *testing.T) {
	cfg := Default()
	if cfg.Debug() {
		t.Error("expected INFO by default")
	}
	cfg.Logging.Level = "debug"
	if !cfg.Debug() {
		t.Error("expected debug logging")
	}
}
