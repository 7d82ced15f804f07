package llm

import (
	"sync"

	. "github.com/loopworks/relay/internal/logging"
	"github.com/loopworks/relay/internal/types"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is cl100k_base; close enough across the model families
// relay fronts for trim and capping decisions.
const DefaultEncoding = "cl100k_base"

// Estimator provides token estimation using tiktoken with a chars/4
// fallback when the encoding cannot be loaded.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// GetEstimator returns the global token estimator (singleton).
func GetEstimator() *Estimator {
	globalEstimatorOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			L_warn("llm: tiktoken unavailable, estimating at chars/4", "error", err)
			globalEstimator = &Estimator{}
			return
		}
		globalEstimator = &Estimator{encoding: enc}
	})
	return globalEstimator
}

// Count returns the token count for a string.
// Falls back to chars/4 if tiktoken unavailable.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := e.encoding.Encode(text, nil, nil)
	return len(tokens)
}

// perMessageOverhead covers role markers and structural tokens.
const perMessageOverhead = 4

// perImageTokens is the flat estimate adapters charge per attached image.
const perImageTokens = 85

// EstimateTokens estimates tokens for a plain string using the global
// estimator.
func EstimateTokens(text string) int {
	return GetEstimator().Count(text)
}

// EstimateMessages estimates the prompt size of a system prompt plus
// history, including per-message and per-image overheads.
func EstimateMessages(system string, messages []types.Message) int {
	e := GetEstimator()
	total := 0
	if system != "" {
		total += e.Count(system) + perMessageOverhead
	}
	for _, m := range messages {
		total += e.Count(m.Content) + perMessageOverhead
		total += len(m.Images) * perImageTokens
	}
	return total
}

// SafetyMargin accounts for tokenizer inaccuracies across different models.
// cl100k_base may undercount for non-OpenAI models; 1.2 = 20% buffer.
const SafetyMargin = 1.2

// CapMaxTokens calculates a safe max_tokens value that won't exceed context.
// Applies SafetyMargin to estimatedInput to account for tokenizer variance.
// Returns min(requestedMax, contextWindow - safeInput - buffer).
func CapMaxTokens(requestedMax, contextWindow, estimatedInput, buffer int) int {
	if contextWindow <= 0 {
		return requestedMax // No context info, use requested
	}

	safeInput := int(float64(estimatedInput) * SafetyMargin)
	available := contextWindow - safeInput - buffer
	if available < 100 {
		available = 100 // Minimum output
	}

	if requestedMax > 0 && requestedMax < available {
		return requestedMax
	}
	return available
}

// TrimToContext drops the oldest non-system messages until the estimated
// prompt fits within budget tokens (callers pass 80% of the context
// window). The newest message is always kept. Returns the trimmed slice and
// how many messages were dropped.
func TrimToContext(system string, messages []types.Message, budget int) ([]types.Message, int) {
	if budget <= 0 || len(messages) <= 1 {
		return messages, 0
	}

	// Work on a copy so callers keep their history intact
	trimmed := make([]types.Message, len(messages))
	copy(trimmed, messages)
	dropped := 0
	for len(trimmed) > 1 && EstimateMessages(system, trimmed) > budget {
		// Skip leading system messages; history proper starts after them
		idx := 0
		for idx < len(trimmed)-1 && trimmed[idx].Role == types.RoleSystem {
			idx++
		}
		if idx >= len(trimmed)-1 {
			break
		}
		trimmed = append(trimmed[:idx], trimmed[idx+1:]...)
		dropped++
	}

	if dropped > 0 {
		L_debug("llm: trimmed history to fit context", "dropped", dropped, "budget", budget)
	}
	return trimmed, dropped
}
