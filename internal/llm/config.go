// Package llm - LLM configuration types
//
// This file contains the canonical configuration types for models and
// providers. They are embedded by config.Config; keeping them here lets the
// llm package consume its own config without importing internal/config.
package llm

import (
	"fmt"
	"strings"
)

// ModelsConfig controls model selection, the reasoning loop bounds, and the
// fallback engine. Key names follow the on-disk relay.json layout.
type ModelsConfig struct {
	PrimaryProvider  string `json:"primary_provider"`
	PrimaryModel     string `json:"primary_model"`
	FallbackProvider string `json:"fallback_provider,omitempty"`
	FallbackModel    string `json:"fallback_model,omitempty"`

	AutoFallback        *bool `json:"auto_fallback,omitempty"`          // default true
	ErrorThreshold      int   `json:"error_threshold,omitempty"`        // failures before SwitchToFallback suggestion
	RecoveryTimeSeconds int   `json:"recovery_time_seconds,omitempty"`  // primary retry window after switch
	MaxTurns            int   `json:"max_turns,omitempty"`              // reasoning loop bound, default 50
	SpeakTimeout        int   `json:"speak_timeout,omitempty"`          // wall-clock seconds per turn, default 600
	Streaming           *bool `json:"streaming,omitempty"`              // default true
	SmartRouting        bool  `json:"smart_routing,omitempty"`          // opt-in task-type routing
	ContextWindowTrim   bool  `json:"context_window_trim,omitempty"`    // drop oldest messages for local models

	// FallbackCooldowns overrides cooldown seconds per error kind
	// (keys are kind names: RATE_LIMIT, SERVER_ERROR, ...).
	FallbackCooldowns map[string]int `json:"fallback_cooldowns,omitempty"`

	// FallbackChain, when set, replaces the auto-generated chain.
	// Entries are "provider/model" references.
	FallbackChain []string `json:"fallback_chain,omitempty"`

	// Routing maps task types (coding, reasoning, creative, local, quick,
	// vision, math, chat) to "provider/model" references.
	Routing map[string]string `json:"routing,omitempty"`
}

// GetAutoFallback returns the AutoFallback setting, defaulting to true.
func (c *ModelsConfig) GetAutoFallback() bool {
	if c.AutoFallback == nil {
		return true
	}
	return *c.AutoFallback
}

// GetStreaming returns the Streaming setting, defaulting to true.
func (c *ModelsConfig) GetStreaming() bool {
	if c.Streaming == nil {
		return true
	}
	return *c.Streaming
}

// GetMaxTurns returns the loop bound, defaulting to 50.
func (c *ModelsConfig) GetMaxTurns() int {
	if c.MaxTurns <= 0 {
		return 50
	}
	return c.MaxTurns
}

// GetSpeakTimeout returns the wall-clock bound in seconds, defaulting to 600.
func (c *ModelsConfig) GetSpeakTimeout() int {
	if c.SpeakTimeout <= 0 {
		return 600
	}
	return c.SpeakTimeout
}

// GetErrorThreshold returns the consecutive-error count that triggers the
// switch to the fallback selection, defaulting to 3.
func (c *ModelsConfig) GetErrorThreshold() int {
	if c.ErrorThreshold <= 0 {
		return 3
	}
	return c.ErrorThreshold
}

// GetRecoveryTime returns how long the manager stays on the fallback
// selection before trying the primary again, defaulting to 5 minutes.
func (c *ModelsConfig) GetRecoveryTime() int {
	if c.RecoveryTimeSeconds <= 0 {
		return 300
	}
	return c.RecoveryTimeSeconds
}

// ProviderConfig configures a single provider instance keyed by id under
// providers.<id> in relay.json.
type ProviderConfig struct {
	Family  string `json:"family"`             // "gemini", "anthropic", "openai-chat"
	APIKey  string `json:"api_key,omitempty"`  // cloud providers; local backends may omit
	BaseURL string `json:"base_url,omitempty"` // endpoint override (required for OpenAI-compatible non-OpenAI backends)
	Model   string `json:"model,omitempty"`    // model used when this provider appears in the fallback chain

	Tier          int  `json:"tier,omitempty"`           // chain ordering, lower = preferred
	IsLocal       bool `json:"is_local,omitempty"`       // probe reachability before fallback attempts
	PromptCaching bool `json:"prompt_caching,omitempty"` // Anthropic cache_control on the system block

	MaxTokens      int `json:"max_tokens,omitempty"`      // default output limit (0 = metadata/model default)
	ContextTokens  int `json:"context_tokens,omitempty"`  // context window override (0 = metadata lookup)
	TimeoutSeconds int `json:"timeout_seconds,omitempty"` // read timeout override (0 = 600s)

	// StreamingOff lists model ids whose SSE endpoint is broken; the
	// adapter uses the non-streaming path for them.
	StreamingOff []string `json:"streaming_off,omitempty"`

	// Extras injects provider-specific request fields keyed by model id,
	// e.g. NVIDIA thinking-mode knobs. Data-driven; adapters never branch
	// on model names.
	Extras map[string]map[string]any `json:"extras,omitempty"`
}

// StreamingDisabled reports whether streaming is opted out for a model.
func (c *ProviderConfig) StreamingDisabled(model string) bool {
	for _, m := range c.StreamingOff {
		if m == model {
			return true
		}
	}
	return false
}

// ExtrasFor returns the extra request fields configured for a model, or nil.
func (c *ProviderConfig) ExtrasFor(model string) map[string]any {
	if c.Extras == nil {
		return nil
	}
	return c.Extras[model]
}

// ModelOverride carries per-model limits configured under
// model_overrides.<model> in relay.json.
type ModelOverride struct {
	MaxTokens     int `json:"max_tokens,omitempty"`
	ContextWindow int `json:"context_window,omitempty"`
}

// ModelSelection identifies the (provider, model, key) triple a call runs
// against. Held by the Manager; swapped by routing and the fallback walk and
// always restored at turn exit.
type ModelSelection struct {
	Provider string
	Model    string
	APIKey   string
}

// Ref returns the "provider/model" form used in config and logs.
func (s ModelSelection) Ref() string {
	return s.Provider + "/" + s.Model
}

// MaskedKey returns the loggable form of the API key: "***<last-8>" or
// "NONE". Full keys never reach checkpoints, traces, or logs.
func (s ModelSelection) MaskedKey() string {
	return MaskKey(s.APIKey)
}

// MaskKey masks an API key down to its last 8 characters.
func MaskKey(key string) string {
	if key == "" {
		return "NONE"
	}
	if len(key) <= 8 {
		return "***" + key
	}
	return "***" + key[len(key)-8:]
}

// ParseModelRef splits a "provider/model" reference. The model part may
// itself contain slashes (OpenRouter ids like "anthropic/claude-sonnet-4").
func ParseModelRef(ref string) (provider, model string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model reference %q (want provider/model)", ref)
	}
	return parts[0], parts[1], nil
}
