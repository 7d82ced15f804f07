// Package config loads, defaults, and persists relay.json.
//
// Resolution order: an explicit --config path, then ./relay.json, then
// ~/.relay/relay.json. Values absent from the file are filled from
// Default(). Saving always goes through the atomic write + backup path.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dario.cat/mergo"

	"github.com/loopworks/relay/internal/llm"
	"github.com/loopworks/relay/internal/logging"
	"github.com/loopworks/relay/internal/paths"
)

// Config is the root of relay.json.
type Config struct {
	Models    llm.ModelsConfig              `json:"models"`
	Providers map[string]llm.ProviderConfig `json:"providers"`

	// ModelOverrides adjusts per-model limits without touching adapter
	// code, keyed by model id.
	ModelOverrides map[string]llm.ModelOverride `json:"model_overrides,omitempty"`

	// ToolTimeouts overrides per-tool execution budgets in seconds.
	ToolTimeouts map[string]int `json:"tool_timeouts,omitempty"`

	// Personality is prepended to the system prompt when set.
	Personality string `json:"personality,omitempty"`

	LogLevel string `json:"log_level,omitempty"` // trace|debug|info|warn|error

	// path is where the config was loaded from; Save writes back here.
	path string
}

// Default returns the built-in configuration. It names a primary selection
// so error messages stay concrete, but carries no credentials; a usable
// setup needs a relay.json with provider keys.
func Default() *Config {
	return &Config{
		Models: llm.ModelsConfig{
			PrimaryProvider: "gemini",
			PrimaryModel:    "gemini-2.5-flash",
		},
		Providers: map[string]llm.ProviderConfig{},
		LogLevel:  "info",
	}
}

// Load reads the config from explicitPath when given, otherwise from the
// standard locations. A missing file yields Default() with no error; a
// present but unreadable or invalid file is an error.
func Load(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		p, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if path == "" {
		logging.L_info("config: no relay.json found, using defaults")
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Fill gaps from defaults; file values win.
	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	cfg.path = path
	logging.L_debug("config: loaded", "path", path, "providers", len(cfg.Providers))
	return cfg, nil
}

// Path returns where the config was loaded from, or "" for defaults.
func (c *Config) Path() string { return c.path }

// Save writes the config back to its source path (or the default location
// when it was built from defaults), rotating backups first.
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := BackupAndWriteJSON(path, c, DefaultBackupCount); err != nil {
		return err
	}
	c.path = path
	return nil
}

// SetPrimary updates the primary selection and persists it. Wired as the
// model manager's save hook so "switch model and keep it" survives
// restarts.
func (c *Config) SetPrimary(provider, model string) error {
	c.Models.PrimaryProvider = provider
	c.Models.PrimaryModel = model
	return c.Save()
}

// Provider returns the provider config for an id.
func (c *Config) Provider(id string) (llm.ProviderConfig, bool) {
	p, ok := c.Providers[id]
	return p, ok
}

// Validate checks the parts every run needs: a primary selection naming a
// configured provider, and a known family on every provider entry.
func (c *Config) Validate() error {
	if c.Models.PrimaryProvider == "" || c.Models.PrimaryModel == "" {
		return fmt.Errorf("models.primary_provider and models.primary_model are required")
	}
	if _, ok := c.Providers[c.Models.PrimaryProvider]; !ok {
		return fmt.Errorf("primary provider %q not configured under providers", c.Models.PrimaryProvider)
	}
	if c.Models.FallbackProvider != "" {
		if _, ok := c.Providers[c.Models.FallbackProvider]; !ok {
			return fmt.Errorf("fallback provider %q not configured under providers", c.Models.FallbackProvider)
		}
	}
	for id, p := range c.Providers {
		switch p.Family {
		case llm.FamilyGemini, llm.FamilyAnthropic, llm.FamilyOpenAIChat:
		case "":
			return fmt.Errorf("provider %q missing family", id)
		default:
			return fmt.Errorf("provider %q has unknown family %q", id, p.Family)
		}
	}
	return nil
}
