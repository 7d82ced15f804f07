package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loopworks/relay/internal/bus"
	"github.com/loopworks/relay/internal/llm"
	. "github.com/loopworks/relay/internal/metrics"
)

// registerBuiltins registers all built-in commands.
func registerBuiltins(m *Manager) {
	m.Register(&Command{
		Name:        "/status",
		Description: "Show session, model selection, and provider health",
		Handler:     handleStatus,
	})

	m.Register(&Command{
		Name:        "/model",
		Description: "Show or switch the primary model",
		Usage:       "[provider/model] [save]",
		Handler:     handleModel,
	})

	m.Register(&Command{
		Name:        "/health",
		Description: "Show provider cooldowns, or clear them",
		Usage:       "[reset]",
		Handler:     handleHealth,
	})

	m.Register(&Command{
		Name:        "/tools",
		Description: "List registered tools and their timeouts",
		Handler:     handleTools,
	})

	m.Register(&Command{
		Name:        "/metrics",
		Description: "Show collected runtime metrics",
		Handler:     handleMetrics,
	})

	m.Register(&Command{
		Name:        "/clear",
		Description: "Clear conversation history",
		Aliases:     []string{"/reset"},
		Handler:     handleClear,
	})

	m.Register(&Command{
		Name:        "/help",
		Description: "Show this help",
		Handler: func(ctx context.Context, args *Args) *Result {
			return handleHelp(m)
		},
	})
}

// handleStatus reports the session counters, the model selections, and a
// one-line health summary.
func handleStatus(ctx context.Context, args *Args) *Result {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("Session %s\n", args.SessionKey))
	if sess, ok := args.Provider.Sessions().Peek(args.SessionKey); ok {
		sess.Lock()
		state := sess.State()
		text.WriteString(fmt.Sprintf("  Messages: %d\n", len(sess.History())))
		text.WriteString(fmt.Sprintf("  Turns: %d, tool calls: %d\n", state.TurnCount, state.ToolCalls))
		if state.Plan != nil {
			text.WriteString(fmt.Sprintf("  Plan: %d steps\n", len(state.Plan.Steps)))
		}
		sess.Unlock()
	} else {
		text.WriteString("  (no conversation yet)\n")
	}

	mgr := args.Provider.Manager()
	text.WriteString("\nModels\n")
	text.WriteString(fmt.Sprintf("  Primary:  %s\n", mgr.Primary().Ref()))
	if mgr.HasFallback() {
		text.WriteString(fmt.Sprintf("  Fallback: %s\n", mgr.Fallback().Ref()))
	}
	live := mgr.LiveSelection()
	liveNote := ""
	if mgr.OnFallbackSelection() {
		liveNote = " (switched to fallback)"
	}
	text.WriteString(fmt.Sprintf("  Live:     %s%s\n", live.Ref(), liveNote))
	text.WriteString(fmt.Sprintf("  Chain:    %d candidates\n", len(mgr.FallbackChain())))

	status := args.Provider.Health().Status()
	cooling := 0
	for _, st := range status {
		if st.InCooldown {
			cooling++
		}
	}
	if cooling == 0 {
		text.WriteString("\nAll providers healthy.\n")
	} else {
		text.WriteString(fmt.Sprintf("\nProviders cooling down: %d (see /health)\n", cooling))
	}

	return &Result{Text: text.String()}
}

// handleModel lists the configured providers, or queues a primary switch.
// The switch rides the command bus: mid-turn requests land at turn exit
// instead of moving the live pointer under a running loop.
func handleModel(ctx context.Context, args *Args) *Result {
	mgr := args.Provider.Manager()

	if args.RawArgs == "" {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("Live: %s\n\nConfigured providers:\n", mgr.LiveSelection().Ref()))
		for _, id := range mgr.ProviderIDs() {
			cfg, _ := mgr.ProviderConfig(id)
			attrs := []string{fmt.Sprintf("key %s", llm.MaskKey(cfg.APIKey))}
			if cfg.Model != "" {
				attrs = append(attrs, fmt.Sprintf("model %s", cfg.Model))
			}
			if cfg.IsLocal {
				attrs = append(attrs, "local")
			}
			if cfg.Tier > 0 {
				attrs = append(attrs, fmt.Sprintf("tier %d", cfg.Tier))
			}
			text.WriteString(fmt.Sprintf("  %-12s %s (%s)\n", id, cfg.Family, strings.Join(attrs, ", ")))
		}
		text.WriteString(fmt.Sprintf("\nUsage: /model %s\n", args.Usage))
		return &Result{Text: text.String()}
	}

	fields := strings.Fields(args.RawArgs)
	ref := fields[0]
	persist := len(fields) > 1 && strings.EqualFold(fields[1], "save")

	provider, model, err := llm.ParseModelRef(ref)
	if err != nil {
		return &Result{Text: fmt.Sprintf("Bad model reference: %v\nUsage: /model %s", err, args.Usage), Error: err}
	}

	res := bus.SendCommand("models", "switch", ModelSwitch{
		Provider: provider,
		Model:    model,
		Persist:  persist,
	}, "cli")
	if res.Error != nil {
		return &Result{Text: fmt.Sprintf("Switch failed: %s", res.Message), Error: res.Error}
	}
	return &Result{Text: res.Message}
}

// handleHealth shows the provider cooldown table; "reset" clears it.
func handleHealth(ctx context.Context, args *Args) *Result {
	health := args.Provider.Health()

	if strings.EqualFold(strings.TrimSpace(args.RawArgs), "reset") {
		cleared := health.ClearAll()
		return &Result{Text: fmt.Sprintf("Cleared %d provider health records.", cleared)}
	}

	status := health.Status()
	if len(status) == 0 {
		return &Result{Text: "All providers healthy."}
	}

	sort.Slice(status, func(i, j int) bool { return status[i].Provider < status[j].Provider })

	var text strings.Builder
	text.WriteString("Provider health:\n")
	for _, st := range status {
		if st.InCooldown {
			text.WriteString(fmt.Sprintf("  %-12s %d failures, %s, available in %s\n",
				st.Provider, st.Failures, st.Kind, health.CooldownRemaining(st.Provider).Round(time.Second)))
		} else {
			text.WriteString(fmt.Sprintf("  %-12s %d failures, %s, available\n",
				st.Provider, st.Failures, st.Kind))
		}
	}
	text.WriteString("\nUse /health reset to clear cooldowns.\n")
	return &Result{Text: text.String()}
}

// handleTools lists the registered tools with their effective timeouts.
func handleTools(ctx context.Context, args *Args) *Result {
	registry := args.Provider.Registry()
	names := registry.Names()
	if len(names) == 0 {
		return &Result{Text: "No tools registered."}
	}

	var text strings.Builder
	text.WriteString(fmt.Sprintf("Registered tools (%d):\n", len(names)))
	for _, name := range names {
		t, _ := registry.Get(name)
		text.WriteString(fmt.Sprintf("  %-16s %-8s %s\n",
			name, registry.TimeoutFor(name), firstSentence(t.Description)))
	}
	return &Result{Text: text.String()}
}

// handleMetrics prints the snapshot, one line per metric path.
func handleMetrics(ctx context.Context, args *Args) *Result {
	snap := GetInstance().GetSnapshot()
	if len(snap) == 0 {
		return &Result{Text: "No metrics collected yet."}
	}

	paths := make([]string, 0, len(snap))
	for path := range snap {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var text strings.Builder
	text.WriteString(fmt.Sprintf("Metrics (%d):\n", len(paths)))
	for _, path := range paths {
		s := snap[path]
		text.WriteString(fmt.Sprintf("  %-40s %s\n", path, s.Type))
	}
	return &Result{Text: text.String()}
}

// handleClear drops the session; the next prompt starts a fresh one.
func handleClear(ctx context.Context, args *Args) *Result {
	args.Provider.Sessions().Remove(args.SessionKey)
	return &Result{Text: "Session cleared."}
}

// handleHelp lists commands from the registry.
func handleHelp(m *Manager) *Result {
	var text strings.Builder
	text.WriteString("Available commands:\n")
	for _, cmd := range m.List() {
		usage := cmd.Name
		if cmd.Usage != "" {
			usage += " " + cmd.Usage
		}
		text.WriteString(fmt.Sprintf("  %-28s %s\n", usage, cmd.Description))
	}
	return &Result{Text: text.String()}
}

// firstSentence trims a description to its first sentence for table views.
func firstSentence(desc string) string {
	if idx := strings.Index(desc, ". "); idx > 0 {
		return desc[:idx+1]
	}
	return desc
}
