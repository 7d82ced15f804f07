package llm

import (
	"strings"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
)

// Task types for smart routing. models.routing maps these to
// "provider/model" references.
const (
	TaskCoding    = "coding"
	TaskReasoning = "reasoning"
	TaskCreative  = "creative"
	TaskLocal     = "local"
	TaskQuick     = "quick"
	TaskVision    = "vision"
	TaskMath      = "math"
	TaskChat      = "chat"
)

// quickInputRunes is the length under which a plain message counts as a
// quick question when no other task type claimed it.
const quickInputRunes = 48

// taskOrder fixes classification precedence; first matching type wins.
// Local comes first so an explicit privacy request overrides everything
// except an attached image, which forces a vision-capable model.
var taskOrder = []string{TaskLocal, TaskCoding, TaskMath, TaskCreative, TaskReasoning, TaskQuick}

// taskKeywords maps task types to the lowercase substrings that select
// them. Data-driven so deployments reading the table can predict routing.
var taskKeywords = map[string][]string{
	TaskLocal: {
		"private", "confidential", "offline", "locally",
		"don't send", "do not send", "keep this local",
	},
	TaskCoding: {
		"code", "function", "compile", "debug", "refactor",
		"stack trace", "unit test", "regex", "script",
		"golang", "python", "javascript", "typescript", "rust", "sql",
		"bug in", "implement", "api endpoint", "segfault",
	},
	TaskMath: {
		"calculate", "equation", "integral", "derivative",
		"probability", "solve for", "how many", "percentage",
		"arithmetic", "math",
	},
	TaskCreative: {
		"write a story", "write a poem", "poem", "story about",
		"brainstorm", "imagine", "slogan", "lyrics", "haiku", "creative",
	},
	TaskReasoning: {
		"why does", "explain why", "analyze", "compare",
		"pros and cons", "trade-off", "tradeoff", "step by step",
		"reason about", "think through",
	},
	TaskQuick: {
		"quick question", "briefly", "tl;dr", "tldr",
		"one sentence", "yes or no", "in a word",
	},
}

// ClassifyTask maps a user input to a task type. Attached images force
// vision; otherwise the keyword tables decide, then a length heuristic for
// quick questions, then chat.
func ClassifyTask(input string, hasImages bool) string {
	if hasImages {
		return TaskVision
	}

	m := strings.ToLower(input)
	for _, task := range taskOrder {
		if containsAny(m, taskKeywords[task]...) {
			return task
		}
	}

	if len([]rune(strings.TrimSpace(input))) <= quickInputRunes {
		return TaskQuick
	}
	return TaskChat
}

// Route applies smart routing at the start of a turn. When enabled, it
// classifies the input, resolves models.routing.<type>, and swaps the live
// selection if the target has a key (or is local) and is not cooling. The
// pre-route selection is saved; RestoreRouting must run on every turn exit
// path so routing never survives beyond one turn.
func (m *Manager) Route(input string, hasImages bool, health *HealthTracker) (ModelSelection, bool) {
	m.mu.RLock()
	enabled := m.models.SmartRouting
	routing := m.models.Routing
	m.mu.RUnlock()

	if !enabled || len(routing) == 0 {
		return ModelSelection{}, false
	}

	task := ClassifyTask(input, hasImages)
	ref := routing[task]
	if ref == "" {
		return ModelSelection{}, false
	}

	provider, model, err := ParseModelRef(ref)
	if err != nil {
		L_warn("llm: ignoring bad routing entry", "task", task, "ref", ref, "error", err)
		return ModelSelection{}, false
	}

	if health != nil && !health.Available(provider) {
		L_debug("llm: routing target in cooldown, staying put", "task", task, "provider", provider)
		return ModelSelection{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.providers[provider]
	if !ok {
		L_warn("llm: routing names unconfigured provider", "task", task, "ref", ref)
		return ModelSelection{}, false
	}
	if cfg.APIKey == "" && !cfg.IsLocal {
		L_debug("llm: routing target keyless, staying put", "task", task, "provider", provider)
		return ModelSelection{}, false
	}
	if provider == m.live.Provider && model == m.live.Model {
		return ModelSelection{}, false
	}

	if !m.routed {
		m.preRoute = m.live
		m.routed = true
	}
	m.live = ModelSelection{Provider: provider, Model: model, APIKey: cfg.APIKey}

	MetricOutcome("llm/routing", "task", task)
	L_info("llm: smart routing applied",
		"task", task,
		"from", m.preRoute.Ref(),
		"to", m.live.Ref())
	return m.live, true
}

// RestoreRouting puts the pre-route selection back. Safe to call when no
// routing is active; the orchestrator runs it on every exit path.
func (m *Manager) RestoreRouting() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.routed {
		return
	}
	m.routed = false
	from := m.live
	m.live = m.preRoute
	L_debug("llm: routing restored", "from", from.Ref(), "to", m.live.Ref())
}
