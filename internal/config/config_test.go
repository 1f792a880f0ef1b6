package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9090
backend:
  model: llama3:8b
tools:
  enabled: true
  allowlist: [web_search]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Backend.Model != "llama3:8b" {
		t.Errorf("model = %q", cfg.Backend.Model)
	}
	if !cfg.Tools.Enabled || len(cfg.Tools.Allowlist) != 1 {
		t.Errorf("tools = %+v", cfg.Tools)
	}

	// Untouched sections keep their defaults.
	if cfg.Context.MaxContext != 40 {
		t.Errorf("max_context = %d, want default 40", cfg.Context.MaxContext)
	}
	if cfg.Backend.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("base_url = %q, want default", cfg.Backend.BaseURL)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("EMBER_TEST_KEY", "sk-test-123")
	path := writeConfig(t, `
backend:
  api_keys: ["${EMBER_TEST_KEY}"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Backend.APIKeys) != 1 || cfg.Backend.APIKeys[0] != "sk-test-123" {
		t.Errorf("api_keys = %v", cfg.Backend.APIKeys)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "listen: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit path")
	}

	path := writeConfig(t, "data_dir: /tmp/ember")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestSearchConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  SearchConfig
		want bool
	}{
		{"searxng with url", SearchConfig{Provider: "searxng", SearXNGURL: "http://localhost:8888"}, true},
		{"searxng without url", SearchConfig{Provider: "searxng"}, false},
		{"brave with key", SearchConfig{Provider: "brave", BraveAPIKey: "k"}, true},
		{"brave without key", SearchConfig{Provider: "brave"}, false},
		{"unknown provider", SearchConfig{Provider: "bing", BraveAPIKey: "k"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Any(slog.LevelKey, LevelTrace)
	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace renders as %q, want TRACE", got.Value.String())
	}

	other := slog.String("msg", "hello")
	if got := ReplaceLogLevelNames(nil, other); got.Value.String() != "hello" {
		t.Error("non-level attrs must pass through unchanged")
	}
}
