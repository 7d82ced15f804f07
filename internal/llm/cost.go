package llm

import (
	"time"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
)

// CostEntry is one cost_log.jsonl record. Costs are USD; tin/tout are the
// provider-reported token counts. Free marks models with zero pricing.
// Actual is the provider-reported spend when one can be looked up
// (OpenRouter generation endpoint), else 0.
type CostEntry struct {
	Timestamp    string  `json:"ts"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	TokensIn     int     `json:"tin"`
	TokensOut    int     `json:"tout"`
	CostIn       float64 `json:"cost_in"`
	CostOut      float64 `json:"cost_out"`
	Cost         float64 `json:"cost"`
	Free         bool    `json:"free"`
	Actual       float64 `json:"actual"`
	GenerationID string  `json:"generation_id,omitempty"`
}

// CostFor prices a completed response against the metadata table. Pricing
// is USD per 1M tokens.
func CostFor(meta *Metadata, provider, model string, resp *Response) CostEntry {
	var priceIn, priceOut float64
	if meta != nil {
		priceIn, priceOut = meta.PricingFor(model)
	}

	entry := CostEntry{
		Timestamp:    time.Now().Format(time.RFC3339),
		Model:        model,
		Provider:     provider,
		TokensIn:     resp.InputTokens,
		TokensOut:    resp.OutputTokens,
		CostIn:       float64(resp.InputTokens) * priceIn / 1_000_000,
		CostOut:      float64(resp.OutputTokens) * priceOut / 1_000_000,
		Free:         priceIn == 0 && priceOut == 0,
		GenerationID: resp.GenerationID,
	}
	entry.Cost = entry.CostIn + entry.CostOut

	emitCostMetrics(provider, model, resp, entry)
	return entry
}

// emitCostMetrics records spend (microdollars) and token counters per
// provider for the metrics tree.
func emitCostMetrics(provider, model string, resp *Response, entry CostEntry) {
	topic := "llm/cost/" + provider

	MetricAdd(topic, "micro_usd", int64(entry.Cost*1_000_000))
	MetricAdd(topic, "input_tokens", int64(resp.InputTokens))
	MetricAdd(topic, "output_tokens", int64(resp.OutputTokens))
	MetricAdd(topic, "requests", 1)
	if resp.cacheReadTokens > 0 {
		MetricAdd(topic, "cache_read_tokens", int64(resp.cacheReadTokens))
	}

	L_debug("llm: request cost",
		"provider", provider,
		"model", model,
		"tin", resp.InputTokens,
		"tout", resp.OutputTokens,
		"cost", entry.Cost,
		"free", entry.Free)
}
