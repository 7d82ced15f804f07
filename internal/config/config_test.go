package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopworks/relay/internal/llm"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "relay.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExplicitPath(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"models": {"primary_provider": "anthropic", "primary_model": "claude-sonnet-4"},
		"providers": {
			"anthropic": {"family": "anthropic", "api_key": "sk-test"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Models.PrimaryProvider != "anthropic" || cfg.Models.PrimaryModel != "claude-sonnet-4" {
		t.Errorf("primary = %s/%s", cfg.Models.PrimaryProvider, cfg.Models.PrimaryModel)
	}
	if p, ok := cfg.Provider("anthropic"); !ok || p.APIKey != "sk-test" {
		t.Errorf("provider not loaded: %+v", p)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	// Defaults fill gaps the file left open.
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Models.PrimaryProvider == "" || cfg.Models.PrimaryModel == "" {
		t.Error("defaults missing a primary selection")
	}
	if cfg.Path() != "" {
		t.Errorf("Path() = %q, want empty for defaults", cfg.Path())
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"models": `)
	if _, err := Load(path); err == nil {
		t.Error("Load() on invalid JSON returned nil error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Models: llm.ModelsConfig{
				PrimaryProvider: "gemini",
				PrimaryModel:    "gemini-2.5-flash",
			},
			Providers: map[string]llm.ProviderConfig{
				"gemini": {Family: llm.FamilyGemini, APIKey: "k"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no primary model", func(c *Config) { c.Models.PrimaryModel = "" }, "primary_model"},
		{"primary provider unknown", func(c *Config) { c.Models.PrimaryProvider = "nope" }, `"nope" not configured`},
		{"fallback provider unknown", func(c *Config) { c.Models.FallbackProvider = "ghost" }, `"ghost" not configured`},
		{"missing family", func(c *Config) {
			c.Providers["bad"] = llm.ProviderConfig{APIKey: "k"}
		}, "missing family"},
		{"unknown family", func(c *Config) {
			c.Providers["bad"] = llm.ProviderConfig{Family: "cohere"}
		}, "unknown family"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTripAndBackups(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"models": {"primary_provider": "gemini", "primary_model": "gemini-2.5-flash"},
		"providers": {"gemini": {"family": "gemini", "api_key": "k1"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if err := cfg.SetPrimary("gemini", "gemini-2.5-pro"); err != nil {
		t.Fatalf("SetPrimary() error: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if reloaded.Models.PrimaryModel != "gemini-2.5-pro" {
		t.Errorf("persisted primary model = %q, want gemini-2.5-pro", reloaded.Models.PrimaryModel)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("no backup created on save: %v", err)
	}

	// A second save rotates .bak to .bak.1.
	if err := cfg.SetPrimary("gemini", "gemini-2.5-flash"); err != nil {
		t.Fatalf("second SetPrimary() error: %v", err)
	}
	if _, err := os.Stat(path + ".bak.1"); err != nil {
		t.Errorf("backup not rotated: %v", err)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")

	if err := AtomicWriteJSON(path, map[string]string{"a": "b"}, 0600); err != nil {
		t.Fatalf("AtomicWriteJSON() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestToolTimeoutsAndOverridesParse(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"models": {"primary_provider": "gemini", "primary_model": "gemini-2.5-flash"},
		"providers": {"gemini": {"family": "gemini", "api_key": "k"}},
		"tool_timeouts": {"browser_snapshot": 310},
		"model_overrides": {"qwen3:30b": {"context_window": 32768}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ToolTimeouts["browser_snapshot"] != 310 {
		t.Errorf("tool timeout = %d, want 310", cfg.ToolTimeouts["browser_snapshot"])
	}
	if cfg.ModelOverrides["qwen3:30b"].ContextWindow != 32768 {
		t.Errorf("model override = %+v", cfg.ModelOverrides["qwen3:30b"])
	}
}
