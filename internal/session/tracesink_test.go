package session

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/loopworks/relay/internal/paths"
	"github.com/loopworks/relay/internal/trace"
)

func TestTraceSinkWritesEvents(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	sink, err := NewTraceSink("run-42")
	if err != nil {
		t.Fatalf("NewTraceSink() error: %v", err)
	}

	em := trace.NewEmitter("chat-1", sink)
	em.Emit(trace.PhaseSessionStart, 0, map[string]any{"query": "hello"})
	em.Emit(trace.PhaseTurnStart, 1, nil)
	em.Emit(trace.PhaseFinalAnswer, 1, map[string]any{"response": "done"})

	runsDir, err := paths.RunsDir()
	if err != nil {
		t.Fatalf("RunsDir() error: %v", err)
	}
	lines := readLines(t, filepath.Join(runsDir, "run-42", "trace.jsonl"))
	if len(lines) != 3 {
		t.Fatalf("trace lines = %d, want 3", len(lines))
	}

	wantPhases := []trace.Phase{trace.PhaseSessionStart, trace.PhaseTurnStart, trace.PhaseFinalAnswer}
	for i, line := range lines {
		var ev trace.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d not valid JSON: %v", i, err)
		}
		if ev.Phase != wantPhases[i] {
			t.Errorf("line %d phase = %q, want %q", i, ev.Phase, wantPhases[i])
		}
		if ev.SessionID != "chat-1" {
			t.Errorf("line %d session = %q, want chat-1", i, ev.SessionID)
		}
	}
}

func TestFanoutSinkOrder(t *testing.T) {
	var order []string
	a := func(ev trace.Event) { order = append(order, "a") }
	b := func(ev trace.Event) { order = append(order, "b") }

	sink := FanoutSink(a, nil, b)
	sink(trace.Event{Phase: trace.PhaseTurnStart})

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("fanout order = %v, want [a b]", order)
	}
}
