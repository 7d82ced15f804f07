package llm

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
)

const (
	// shortcutTTL is how long the last successful fallback target is tried
	// first before the ranked chain walk.
	shortcutTTL = 60 * time.Second

	// localProbeTimeout bounds the TCP dial used to detect dead local
	// backends before committing to a 3-minute socket wait.
	localProbeTimeout = 2 * time.Second
)

// FallbackResult reports which provider served a completion and how many
// calls it took to get there.
type FallbackResult struct {
	Response   *Response
	Provider   string
	Model      string
	Attempts   int
	FailedOver bool
}

type shortcutEntry struct {
	provider string
	model    string
	at       time.Time
}

// Engine runs completions against the live model selection and walks the
// fallback chain when the call fails. The whole walk is serialized by a
// single mutex so concurrent turns cannot thrash the health table.
type Engine struct {
	mu      sync.Mutex
	manager *Manager
	health  *HealthTracker

	shortcut *shortcutEntry

	// Injection points for tests.
	probeLocal func(baseURL string) bool
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a fallback engine over the given manager and tracker.
func NewEngine(manager *Manager, health *HealthTracker) *Engine {
	return &Engine{
		manager:    manager,
		health:     health,
		probeLocal: probeTCP,
		sleep:      sleepCtx,
	}
}

// Health returns the engine's tracker.
func (e *Engine) Health() *HealthTracker {
	return e.health
}

// Complete runs one completion against the live selection. On failure, when
// auto-fallback is enabled, it retries transient errors once and then walks
// the fallback chain. onFallback fires for each successful failover so
// callers can trace it.
func (e *Engine) Complete(ctx context.Context, req CompletionRequest, onFallback func(from, to ModelSelection)) (*FallbackResult, error) {
	live := e.manager.LiveSelection()
	provider, err := e.manager.LiveProvider()
	if err != nil {
		return nil, err
	}

	e.manager.applyRequestFlags(&req)

	resp, callErr := provider.Complete(ctx, req)
	if callErr == nil {
		e.health.RecordSuccess(live.Provider)
		return &FallbackResult{Response: resp, Provider: live.Provider, Model: live.Model, Attempts: 1}, nil
	}

	if !e.manager.AutoFallback() {
		return nil, callErr
	}
	if ctx.Err() != nil {
		// Cancelled or out of time; walking the chain would only burn
		// candidates
		return nil, callErr
	}

	return e.walk(ctx, req, live, provider, callErr, onFallback)
}

// walk implements the resilience sequence: transient retry, failure record,
// shortcut cache, ranked chain. The live selection is restored on every
// exit path.
func (e *Engine) walk(ctx context.Context, req CompletionRequest, failed ModelSelection, failedProvider Provider, callErr error, onFallback func(from, to ModelSelection)) (*FallbackResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempts := 1
	kind := ClassifyError(callErr)
	MetricInc("llm/fallback", "walks")
	L_warn("llm: call failed",
		"provider", failed.Provider,
		"model", failed.Model,
		"kind", kind,
		"error", callErr)

	if kind.Transient() {
		delay := transientRetryDelay(kind)
		L_info("llm: transient error, retrying same provider once", "kind", kind, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, callErr
		}
		resp, err := failedProvider.Complete(ctx, req)
		attempts++
		if err == nil {
			e.health.RecordSuccess(failed.Provider)
			MetricHit("llm/fallback", "transient_retry")
			return &FallbackResult{Response: resp, Provider: failed.Provider, Model: failed.Model, Attempts: attempts}, nil
		}
		MetricMiss("llm/fallback", "transient_retry")
		callErr = err
		kind = ClassifyError(err)
	}

	e.health.RecordFailure(failed.Provider, kind)

	snapshot := e.manager.LiveSelection()
	defer e.manager.SetLiveSelection(snapshot)

	chain := e.manager.FallbackChain()
	MetricSet("llm/fallback", "chain_len", int64(len(chain)))
	lastErr := callErr
	tried := 0

	try := func(cand ModelSelection, via string) *FallbackResult {
		if cand.Provider == failed.Provider {
			return nil
		}
		if !e.health.Available(cand.Provider) {
			L_debug("llm: skipping candidate in cooldown", "provider", cand.Provider)
			return nil
		}
		cfg, ok := e.manager.ProviderConfig(cand.Provider)
		if !ok {
			return nil
		}
		if cfg.IsLocal && !e.probeLocal(cfg.BaseURL) {
			L_warn("llm: skipping dead local provider", "provider", cand.Provider, "baseURL", cfg.BaseURL)
			return nil
		}

		provider, err := e.manager.providerFor(cand)
		if err != nil {
			L_warn("llm: cannot build fallback provider", "provider", cand.Provider, "error", err)
			lastErr = err
			return nil
		}

		e.manager.SetLiveSelection(cand)
		tried++
		resp, err := provider.Complete(ctx, req)
		attempts++
		if err != nil {
			k := ClassifyError(err)
			e.health.RecordFailure(cand.Provider, k)
			lastErr = err
			L_warn("llm: fallback candidate failed",
				"provider", cand.Provider,
				"model", cand.Model,
				"kind", k,
				"via", via)
			return nil
		}

		e.health.RecordSuccess(cand.Provider)
		e.shortcut = &shortcutEntry{provider: cand.Provider, model: cand.Model, at: time.Now()}
		if onFallback != nil {
			onFallback(failed, cand)
		}
		MetricOutcome("llm/fallback", "served_by", cand.Ref())
		L_info("llm: fallback succeeded",
			"from", failed.Ref(),
			"to", cand.Ref(),
			"attempts", attempts,
			"via", via)
		return &FallbackResult{
			Response:   resp,
			Provider:   cand.Provider,
			Model:      cand.Model,
			Attempts:   attempts,
			FailedOver: true,
		}
	}

	if sc := e.shortcutSelection(); sc != nil {
		if result := try(*sc, "shortcut"); result != nil {
			return result, nil
		}
	}

	for _, cand := range chain {
		if ctx.Err() != nil {
			break
		}
		if result := try(cand, "chain"); result != nil {
			return result, nil
		}
	}

	L_error("llm: all fallback candidates failed",
		"chain", len(chain),
		"tried", tried,
		"lastError", lastErr)
	MetricFailWithReason("llm/fallback", "walk", string(ClassifyError(lastErr)))
	return nil, fmt.Errorf("All %d models in the fallback chain failed. Last error: %v", len(chain), lastErr)
}

// shortcutSelection returns the cached last-successful fallback when it is
// still fresh.
func (e *Engine) shortcutSelection() *ModelSelection {
	if e.shortcut == nil || time.Since(e.shortcut.at) >= shortcutTTL {
		return nil
	}
	sel := e.manager.selectionFor(e.shortcut.provider, e.shortcut.model)
	return &sel
}

// transientRetryDelay is the brief sleep before the same-provider retry.
func transientRetryDelay(kind ErrorKind) time.Duration {
	if kind == ErrRateLimit {
		return 2 * time.Second
	}
	return time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// probeTCP dials the base URL's host with a short timeout. Local backends
// that are down refuse quickly; this avoids minutes-long dead-socket waits.
func probeTCP(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return false
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := net.DialTimeout("tcp", host, localProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
