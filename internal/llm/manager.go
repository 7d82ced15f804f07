package llm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
)

// Manager is the single source of truth for "which model serves the next
// call". It holds the primary and fallback selections plus the live pointer,
// builds provider adapters on demand, and ranks the fallback chain the
// engine walks. Temporary swaps (routing, chain walk) go through
// SetLiveSelection and are restored by the caller; durable changes go
// through SetPrimary / SwitchToFallback.
type Manager struct {
	mu sync.RWMutex

	models    ModelsConfig
	providers map[string]ProviderConfig
	meta      *Metadata

	primary  ModelSelection
	fallback ModelSelection // zero when no fallback pair is configured
	live     ModelSelection

	onFallback bool      // live == fallback pair via SwitchToFallback
	switchedAt time.Time // when the switch happened, for recovery timing

	errorCount int // consecutive resilient-call failures, cleared on success

	queued   *queuedSwitch
	saveHook func(provider, model string) error

	// Smart-routing state (routing.go). preRoute is only meaningful while
	// routed is true; restoration happens on every turn exit path.
	routed   bool
	preRoute ModelSelection

	cache map[string]Provider // "provider/model" -> built adapter
}

type queuedSwitch struct {
	provider string
	model    string
	persist  bool
}

// NewManager validates the configured selections and returns a manager with
// the live pointer on the primary.
func NewManager(models ModelsConfig, providers map[string]ProviderConfig, meta *Metadata) (*Manager, error) {
	if models.PrimaryProvider == "" {
		return nil, fmt.Errorf("models.primary_provider is required")
	}
	pcfg, ok := providers[models.PrimaryProvider]
	if !ok {
		return nil, fmt.Errorf("models.primary_provider %q has no providers.%s entry", models.PrimaryProvider, models.PrimaryProvider)
	}

	primaryModel := models.PrimaryModel
	if primaryModel == "" {
		primaryModel = pcfg.Model
	}
	if primaryModel == "" {
		return nil, fmt.Errorf("no model configured for primary provider %q", models.PrimaryProvider)
	}

	m := &Manager{
		models:    models,
		providers: providers,
		meta:      meta,
		cache:     make(map[string]Provider),
	}
	m.primary = m.selectionFor(models.PrimaryProvider, primaryModel)
	m.live = m.primary

	if models.FallbackProvider != "" {
		fcfg, ok := providers[models.FallbackProvider]
		if !ok {
			return nil, fmt.Errorf("models.fallback_provider %q has no providers.%s entry", models.FallbackProvider, models.FallbackProvider)
		}
		fallbackModel := models.FallbackModel
		if fallbackModel == "" {
			fallbackModel = fcfg.Model
		}
		if fallbackModel == "" {
			return nil, fmt.Errorf("no model configured for fallback provider %q", models.FallbackProvider)
		}
		m.fallback = m.selectionFor(models.FallbackProvider, fallbackModel)
	}

	L_info("llm: manager ready",
		"primary", m.primary.Ref(),
		"fallback", m.fallback.Ref(),
		"providers", len(providers),
		"autoFallback", models.GetAutoFallback(),
		"smartRouting", models.SmartRouting)

	return m, nil
}

// SetSaveHook installs the write-through used by persistent primary changes.
// The config layer sets this; the manager never imports it.
func (m *Manager) SetSaveHook(hook func(provider, model string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveHook = hook
}

// Models returns the models configuration the manager was built with.
func (m *Manager) Models() ModelsConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.models
}

// AutoFallback reports whether the fallback engine may walk the chain.
func (m *Manager) AutoFallback() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.models.GetAutoFallback()
}

// Primary returns the configured primary selection.
func (m *Manager) Primary() ModelSelection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary
}

// Fallback returns the configured fallback selection (zero when unset).
func (m *Manager) Fallback() ModelSelection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallback
}

// HasFallback reports whether a fallback pair is configured.
func (m *Manager) HasFallback() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallback.Provider != ""
}

// LiveSelection returns the selection the next call runs against.
func (m *Manager) LiveSelection() ModelSelection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live
}

// SetLiveSelection swaps the live selection. Used by the fallback walk and
// smart routing; both restore the previous value on exit.
func (m *Manager) SetLiveSelection(sel ModelSelection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = sel
}

// LiveProvider builds (or reuses) the adapter for the live selection.
func (m *Manager) LiveProvider() (Provider, error) {
	return m.providerFor(m.LiveSelection())
}

// ProviderConfig returns the config block for a provider id.
func (m *Manager) ProviderConfig(id string) (ProviderConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.providers[id]
	return cfg, ok
}

// ProviderIDs returns all configured provider ids, sorted.
func (m *Manager) ProviderIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metadata returns the model metadata table.
func (m *Manager) Metadata() *Metadata {
	return m.meta
}

// selectionFor builds a selection with the provider's configured key.
func (m *Manager) selectionFor(provider, model string) ModelSelection {
	sel := ModelSelection{Provider: provider, Model: model}
	if cfg, ok := m.providers[provider]; ok {
		sel.APIKey = cfg.APIKey
	}
	return sel
}

// providerFor returns the adapter for a selection, building and caching it
// on first use. Adapters are stateless per request so sharing is safe.
func (m *Manager) providerFor(sel ModelSelection) (Provider, error) {
	ref := sel.Ref()

	m.mu.RLock()
	cached := m.cache[ref]
	cfg, hasCfg := m.providers[sel.Provider]
	m.mu.RUnlock()

	if cached != nil {
		return cached, nil
	}
	if !hasCfg {
		return nil, fmt.Errorf("unknown provider %q", sel.Provider)
	}

	p, err := NewProvider(sel.Provider, cfg, sel.Model, m.meta)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[ref] = p
	m.mu.Unlock()
	return p, nil
}

// applyRequestFlags stamps the config-level request flags. Per-model and
// per-provider gates (streaming_off lists, is_local) live in the adapters.
func (m *Manager) applyRequestFlags(req *CompletionRequest) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.models.GetStreaming() {
		req.NoStream = true
	}
	if m.models.ContextWindowTrim {
		req.TrimContext = true
	}
}

// FallbackChain returns the ranked chain the engine walks after the live
// provider fails. An explicit models.fallback_chain replaces the generated
// ranking; otherwise entries come from configured providers that have a key
// (or are local), ordered by tier then id, excluding the primary and the
// explicit fallback pair.
func (m *Manager) FallbackChain() []ModelSelection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.models.FallbackChain) > 0 {
		return m.explicitChainLocked()
	}
	return m.rankedChainLocked()
}

func (m *Manager) explicitChainLocked() []ModelSelection {
	chain := make([]ModelSelection, 0, len(m.models.FallbackChain))
	for _, ref := range m.models.FallbackChain {
		provider, model, err := ParseModelRef(ref)
		if err != nil {
			L_warn("llm: ignoring bad fallback_chain entry", "ref", ref, "error", err)
			continue
		}
		cfg, ok := m.providers[provider]
		if !ok {
			L_warn("llm: fallback_chain names unconfigured provider", "ref", ref)
			continue
		}
		chain = append(chain, ModelSelection{Provider: provider, Model: model, APIKey: cfg.APIKey})
	}
	return chain
}

func (m *Manager) rankedChainLocked() []ModelSelection {
	type entry struct {
		id  string
		cfg ProviderConfig
	}

	var entries []entry
	for id, cfg := range m.providers {
		if id == m.primary.Provider || id == m.fallback.Provider {
			continue
		}
		if cfg.Model == "" {
			// Nothing to call this provider with during a walk.
			continue
		}
		if cfg.APIKey == "" && !cfg.IsLocal {
			continue
		}
		entries = append(entries, entry{id: id, cfg: cfg})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].cfg.Tier != entries[j].cfg.Tier {
			return entries[i].cfg.Tier < entries[j].cfg.Tier
		}
		return entries[i].id < entries[j].id
	})

	chain := make([]ModelSelection, 0, len(entries))
	for _, e := range entries {
		chain = append(chain, ModelSelection{Provider: e.id, Model: e.cfg.Model, APIKey: e.cfg.APIKey})
	}
	return chain
}

// RecordCallFailure bumps the consecutive-failure tally that drives the
// fallback switch. Returns the new count.
func (m *Manager) RecordCallFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
	return m.errorCount
}

// RecordCallSuccess clears the consecutive-failure tally.
func (m *Manager) RecordCallSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount = 0
}

// ShouldSwitchToFallback reports whether the error threshold has been hit
// while a fallback pair is configured and not yet active.
func (m *Manager) ShouldSwitchToFallback() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.onFallback &&
		m.fallback.Provider != "" &&
		m.errorCount >= m.models.GetErrorThreshold()
}

// ShouldRecoverPrimary reports whether the recovery window has elapsed since
// the switch, so the primary can be retried.
func (m *Manager) ShouldRecoverPrimary() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onFallback &&
		time.Since(m.switchedAt) >= time.Duration(m.models.GetRecoveryTime())*time.Second
}

// OnFallbackSelection reports whether the live selection is the switched
// fallback pair.
func (m *Manager) OnFallbackSelection() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onFallback
}

// SwitchToFallback flips the live selection to the fallback pair.
func (m *Manager) SwitchToFallback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fallback.Provider == "" {
		return fmt.Errorf("no fallback provider configured")
	}
	if m.onFallback {
		return nil
	}

	m.onFallback = true
	m.switchedAt = time.Now()
	m.live = m.fallback
	MetricInc("llm/manager", "switch_to_fallback")
	L_warn("llm: switched to fallback selection",
		"from", m.primary.Ref(),
		"to", m.fallback.Ref(),
		"errors", m.errorCount)
	return nil
}

// SwitchToPrimary flips back to the primary and clears the error counters.
func (m *Manager) SwitchToPrimary() {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasOn := m.onFallback
	m.onFallback = false
	m.errorCount = 0
	m.live = m.primary
	if wasOn {
		MetricInc("llm/manager", "switch_to_primary")
		L_info("llm: switched back to primary selection", "primary", m.primary.Ref())
	}
}

// SetPrimary changes the primary selection immediately. With persist, the
// change writes through to config storage via the save hook.
func (m *Manager) SetPrimary(provider, model string, persist bool) error {
	m.mu.Lock()

	cfg, ok := m.providers[provider]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown provider %q", provider)
	}
	if model == "" {
		model = cfg.Model
	}
	if model == "" {
		m.mu.Unlock()
		return fmt.Errorf("no model given and provider %q has none configured", provider)
	}

	old := m.primary
	m.primary = ModelSelection{Provider: provider, Model: model, APIKey: cfg.APIKey}
	m.models.PrimaryProvider = provider
	m.models.PrimaryModel = model
	m.errorCount = 0
	m.onFallback = false
	// Routing and walks restore to the snapshot they took, so only an
	// at-rest live pointer follows the new primary.
	if !m.routed {
		m.live = m.primary
	}
	hook := m.saveHook
	m.mu.Unlock()

	MetricOutcome("llm/manager", "primary", provider+"/"+model)
	L_info("llm: primary selection changed", "from", old.Ref(), "to", provider+"/"+model, "persist", persist)

	if persist && hook != nil {
		if err := hook(provider, model); err != nil {
			L_error("llm: failed to persist primary change", "error", err)
			return fmt.Errorf("selection changed but not saved: %w", err)
		}
	}
	return nil
}

// QueueSwitch records a primary change to apply at turn exit. Switches that
// arrive mid-turn must not move the live pointer under the orchestrator.
func (m *Manager) QueueSwitch(provider, model string, persist bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.providers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	if model == "" {
		model = cfg.Model
	}
	if model == "" {
		return fmt.Errorf("no model given and provider %q has none configured", provider)
	}

	m.queued = &queuedSwitch{provider: provider, model: model, persist: persist}
	L_debug("llm: model switch queued", "provider", provider, "model", model)
	return nil
}

// ApplyQueuedSwitch applies a pending switch, if any. The orchestrator calls
// this after restoring the pre-turn selection; idle callers may use it too.
func (m *Manager) ApplyQueuedSwitch() (ModelSelection, bool) {
	m.mu.Lock()
	q := m.queued
	m.queued = nil
	m.mu.Unlock()

	if q == nil {
		return ModelSelection{}, false
	}
	if err := m.SetPrimary(q.provider, q.model, q.persist); err != nil {
		L_error("llm: queued switch failed", "provider", q.provider, "model", q.model, "error", err)
		return ModelSelection{}, false
	}
	return m.Primary(), true
}
