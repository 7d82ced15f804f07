package llm

import (
	"context"
	"fmt"

	"github.com/loopworks/relay/internal/types"
)

// Provider is the unified interface over the three wire families.
// Implementations: GeminiProvider, AnthropicProvider, OpenAIProvider.
type Provider interface {
	// Identity
	Name() string   // Provider instance id from config (e.g., "openrouter", "ollama-local")
	Family() string // Wire family: "gemini", "anthropic", "openai-chat"
	Model() string  // Current model id

	// WithModel clones the provider bound to a different model. The clone
	// shares the HTTP client; callers use it for chain walks and routing.
	WithModel(model string) Provider

	// Limits
	ContextTokens() int // Model's context window size
	MaxTokens() int     // Current output limit

	// Complete runs one request. Streaming is an internal choice; the
	// return shape is identical either way.
	Complete(ctx context.Context, req CompletionRequest) (*Response, error)
}

// Wire family tags.
const (
	FamilyGemini     = "gemini"
	FamilyAnthropic  = "anthropic"
	FamilyOpenAIChat = "openai-chat"
)

// CompletionRequest carries one model invocation.
type CompletionRequest struct {
	Messages []types.Message // Conversation history, oldest first
	System   string          // System prompt, rebuilt each turn, never stored in history
	OnDelta  func(string)    // Optional streaming callback for visible text

	// NoStream forces the non-streaming path (models.streaming=false).
	NoStream bool
	// TrimContext enables context-window trimming for local models
	// (models.context_window_trim).
	TrimContext bool
}

// Response is the normalized completion result across wire families.
type Response struct {
	Text         string // Assistant content (tool-call JSON text included verbatim)
	Thinking     string // Reasoning content when the backend separates it
	FinishReason string // Provider finish/stop reason, verbatim
	InputTokens  int
	OutputTokens int
	GenerationID string // Backend response id (OpenRouter cost lookup)

	cacheReadTokens int // Prompt cache hits, metrics only
}

// NewProvider constructs the adapter for a configured provider instance.
// model overrides cfg.Model when non-empty.
func NewProvider(id string, cfg ProviderConfig, model string, meta *Metadata) (Provider, error) {
	if model == "" {
		model = cfg.Model
	}
	if model == "" {
		return nil, fmt.Errorf("provider %s: no model configured", id)
	}

	switch cfg.Family {
	case FamilyGemini:
		return NewGeminiProvider(id, cfg, model, meta), nil
	case FamilyAnthropic:
		return NewAnthropicProvider(id, cfg, model, meta)
	case FamilyOpenAIChat:
		return NewOpenAIProvider(id, cfg, model, meta), nil
	}
	return nil, fmt.Errorf("provider %s: unknown family %q", id, cfg.Family)
}
