package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/loopworks/relay/internal/bus"
	"github.com/loopworks/relay/internal/llm"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/tools"
)

func TestStatusCommand(t *testing.T) {
	p := testProvider(t)
	m := NewManager(p)

	res := m.Execute(context.Background(), "/status", "chat-1")
	if !strings.Contains(res.Text, "(no conversation yet)") {
		t.Errorf("fresh status = %q", res.Text)
	}

	sess := p.sessions.Get("chat-1")
	sess.AppendUser("hello", nil, "user")
	sess.AppendAssistant("hi")
	state := sess.State()
	state.TurnCount = 3
	state.ToolCalls = 5

	res = m.Execute(context.Background(), "/status", "chat-1")
	for _, want := range []string{
		"Messages: 2",
		"Turns: 3, tool calls: 5",
		"Primary:  alpha/alpha-1",
		"Fallback: beta/beta-1",
		"Live:     alpha/alpha-1",
		"Chain:    1 candidates",
		"All providers healthy.",
	} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("status missing %q:\n%s", want, res.Text)
		}
	}

	p.health.RecordFailure("gamma", llm.ErrRateLimit)
	res = m.Execute(context.Background(), "/status", "chat-1")
	if !strings.Contains(res.Text, "Providers cooling down: 1") {
		t.Errorf("status does not count cooldowns:\n%s", res.Text)
	}
}

func TestModelCommandListsProviders(t *testing.T) {
	m := NewManager(testProvider(t))

	res := m.Execute(context.Background(), "/model", "chat-1")
	if res.Error != nil {
		t.Fatalf("Execute(/model) error: %v", res.Error)
	}
	for _, want := range []string{
		"Live: alpha/alpha-1",
		"Configured providers:",
		"key ***ey-alpha",
		"key NONE",
		"model llama3.1",
		"local",
		"tier 1",
		"Usage: /model [provider/model] [save]",
	} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("listing missing %q:\n%s", want, res.Text)
		}
	}
}

func TestModelCommandQueuesSwitchOnBus(t *testing.T) {
	m := NewManager(testProvider(t))

	var captured ModelSwitch
	bus.RegisterCommand("models", "switch", func(cmd bus.Command) bus.CommandResult {
		captured, _ = cmd.Payload.(ModelSwitch)
		return bus.CommandResult{Success: true, Message: "Switch queued: beta/beta-1"}
	})
	defer bus.UnregisterCommand("models", "switch")

	res := m.Execute(context.Background(), "/model beta/beta-1 save", "chat-1")
	if res.Error != nil {
		t.Fatalf("Execute(/model ref) error: %v", res.Error)
	}
	if res.Text != "Switch queued: beta/beta-1" {
		t.Errorf("text = %q", res.Text)
	}
	if captured.Provider != "beta" || captured.Model != "beta-1" || !captured.Persist {
		t.Errorf("bus payload = %+v", captured)
	}
}

func TestModelCommandBadReference(t *testing.T) {
	m := NewManager(testProvider(t))

	res := m.Execute(context.Background(), "/model garbage", "chat-1")
	if res.Error == nil {
		t.Fatal("bad reference accepted")
	}
	if !strings.Contains(res.Text, "Bad model reference") || !strings.Contains(res.Text, "Usage: /model") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestModelCommandNoBridgeRegistered(t *testing.T) {
	m := NewManager(testProvider(t))

	res := m.Execute(context.Background(), "/model beta/beta-1", "chat-1")
	if res.Error == nil {
		t.Fatal("switch succeeded with no bus handler")
	}
	if !strings.Contains(res.Text, "Switch failed") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestHealthCommand(t *testing.T) {
	p := testProvider(t)
	m := NewManager(p)

	res := m.Execute(context.Background(), "/health", "chat-1")
	if res.Text != "All providers healthy." {
		t.Errorf("fresh health = %q", res.Text)
	}

	p.health.RecordFailure("alpha", llm.ErrRateLimit)
	res = m.Execute(context.Background(), "/health", "chat-1")
	for _, want := range []string{"alpha", "1 failures", "RATE_LIMIT", "available in"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("health table missing %q:\n%s", want, res.Text)
		}
	}

	res = m.Execute(context.Background(), "/health reset", "chat-1")
	if res.Text != "Cleared 1 provider health records." {
		t.Errorf("reset = %q", res.Text)
	}
	res = m.Execute(context.Background(), "/health", "chat-1")
	if res.Text != "All providers healthy." {
		t.Errorf("health after reset = %q", res.Text)
	}
}

func TestToolsCommand(t *testing.T) {
	m := NewManager(testProvider(t))

	res := m.Execute(context.Background(), "/tools", "chat-1")
	for _, want := range []string{"Registered tools (1):", "probe", "5s", "Checks one endpoint."} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("tools listing missing %q:\n%s", want, res.Text)
		}
	}
	if strings.Contains(res.Text, "Slowly") {
		t.Error("description not trimmed to its first sentence")
	}

	empty := testProvider(t)
	empty.registry = tools.NewRegistry()
	res = NewManager(empty).Execute(context.Background(), "/tools", "chat-1")
	if res.Text != "No tools registered." {
		t.Errorf("empty listing = %q", res.Text)
	}
}

func TestClearCommand(t *testing.T) {
	p := testProvider(t)
	m := NewManager(p)

	p.sessions.Get("chat-1").AppendUser("hello", nil, "user")
	res := m.Execute(context.Background(), "/clear", "chat-1")
	if res.Text != "Session cleared." {
		t.Errorf("clear = %q", res.Text)
	}
	if _, ok := p.sessions.Peek("chat-1"); ok {
		t.Error("session survived /clear")
	}

	// The alias does the same.
	p.sessions.Get("chat-1")
	m.Execute(context.Background(), "/reset", "chat-1")
	if _, ok := p.sessions.Peek("chat-1"); ok {
		t.Error("session survived /reset")
	}
}

func TestMetricsCommand(t *testing.T) {
	m := NewManager(testProvider(t))

	MetricInc("cmdtest", "ping")
	res := m.Execute(context.Background(), "/metrics", "chat-1")
	if !strings.Contains(res.Text, "Metrics (") || !strings.Contains(res.Text, "cmdtest") {
		t.Errorf("metrics output = %q", res.Text)
	}
}
