package llm

import (
	"sync"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
)

// providerHealth tracks one provider's recent failures.
type providerHealth struct {
	failures      int
	lastFailure   time.Time
	cooldownUntil time.Time
	lastKind      ErrorKind
}

// ProviderHealthStatus is the externally visible health of one provider.
type ProviderHealthStatus struct {
	Provider   string
	Failures   int
	InCooldown bool
	Until      time.Time
	Kind       ErrorKind
}

// HealthTracker maps provider ids to failure records. A provider is
// available iff it has no active cooldown; success clears its record
// entirely.
type HealthTracker struct {
	mu        sync.RWMutex
	records   map[string]*providerHealth
	overrides map[string]int // cooldown seconds by kind (models.fallback_cooldowns)
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		records: make(map[string]*providerHealth),
	}
}

// SetCooldownOverrides replaces the per-kind cooldown overrides. Called on
// config load and reload.
func (h *HealthTracker) SetCooldownOverrides(overrides map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overrides = overrides
}

// Available reports whether the provider has no active cooldown.
func (h *HealthTracker) Available(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec := h.records[provider]
	return rec == nil || !time.Now().Before(rec.cooldownUntil)
}

// RecordFailure marks a failure of the given kind and starts the kind's
// cooldown. Returns the cooldown duration applied.
func (h *HealthTracker) RecordFailure(provider string, kind ErrorKind) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.records[provider]
	if rec == nil {
		rec = &providerHealth{}
		h.records[provider] = rec
	}

	cooldown := CooldownFor(kind, h.overrides)
	rec.failures++
	rec.lastFailure = time.Now()
	rec.cooldownUntil = rec.lastFailure.Add(cooldown)
	rec.lastKind = kind

	MetricFailWithReason("llm/health", provider, string(kind))
	L_warn("llm: provider cooldown",
		"provider", provider,
		"kind", kind,
		"failures", rec.failures,
		"until", rec.cooldownUntil.Format("15:04:05"),
		"duration", cooldown)

	return cooldown
}

// RecordSuccess clears the provider's record entirely.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec, ok := h.records[provider]; ok {
		delete(h.records, provider)
		MetricSuccess("llm/health", provider)
		L_info("llm: provider health cleared", "provider", provider, "wasKind", rec.lastKind)
	}
}

// Failures returns the provider's consecutive failure count.
func (h *HealthTracker) Failures(provider string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if rec := h.records[provider]; rec != nil {
		return rec.failures
	}
	return 0
}

// CooldownRemaining returns how long until the provider becomes available,
// zero when it already is.
func (h *HealthTracker) CooldownRemaining(provider string) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec := h.records[provider]
	if rec == nil {
		return 0
	}
	remaining := time.Until(rec.cooldownUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearAll removes every record (reset command). Returns the number cleared.
func (h *HealthTracker) ClearAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := len(h.records)
	h.records = make(map[string]*providerHealth)
	if count > 0 {
		L_info("llm: all provider health cleared", "count", count)
	}
	return count
}

// Status returns a snapshot of all tracked providers.
func (h *HealthTracker) Status() []ProviderHealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	result := make([]ProviderHealthStatus, 0, len(h.records))
	for provider, rec := range h.records {
		result = append(result, ProviderHealthStatus{
			Provider:   provider,
			Failures:   rec.failures,
			InCooldown: now.Before(rec.cooldownUntil),
			Until:      rec.cooldownUntil,
			Kind:       rec.lastKind,
		})
	}
	return result
}
