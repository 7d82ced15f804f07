package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopworks/relay/internal/types"
)

func buildSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession("chat-9")
	s.AppendUser("find the logs", nil, "user")
	s.AppendAssistant(`{"tool": "search", "args": {"q": "logs"}}`)
	s.AppendUser("Observation: /var/log", nil, "tool")

	state := s.State()
	state.TurnCount = 3
	state.ToolCalls = 5
	state.ConsecutiveFailures = 1
	state.RollTool("search")
	state.RollTool("read")
	state.LastSignature = "read\x00{\"q\":\"logs\"}"
	state.NudgedWrapUp = true
	state.Plan = &Plan{
		Steps:         []string{"locate logs", "summarize"},
		CurrentStep:   1,
		OriginalQuery: "find the logs",
	}
	return s
}

func TestCheckpointSnapshotIsDeepCopy(t *testing.T) {
	s := buildSession(t)
	cp := s.Checkpoint("anthropic", "claude-sonnet-4", "***deadbeef")

	s.AppendAssistant("later message")
	s.State().Plan.Steps[0] = "mutated"
	s.State().RecentTools[0] = "mutated"

	if len(cp.Messages) != 3 {
		t.Fatalf("checkpoint messages = %d, want 3", len(cp.Messages))
	}
	if cp.Plan.Steps[0] != "locate logs" {
		t.Errorf("plan step mutated through snapshot: %q", cp.Plan.Steps[0])
	}
	if cp.RecentTools[0] != "search" {
		t.Errorf("recent tools mutated through snapshot: %q", cp.RecentTools[0])
	}
}

func TestCheckpointSaveLoadRestore(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s := buildSession(t)
	cp := s.Checkpoint("gemini", "gemini-2.5-flash", "***12345678")
	if err := cp.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	path, err := CheckpointPath(cp.RunID)
	if err != nil {
		t.Fatalf("CheckpointPath() error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}
	if filepath.Base(path) != "checkpoint.json" {
		t.Errorf("unexpected file name %q", path)
	}

	loaded, err := LoadCheckpoint(cp.RunID)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error: %v", err)
	}
	if loaded.SessionID != "chat-9" || loaded.TurnCount != 3 || loaded.ConsecutiveFailures != 1 {
		t.Errorf("loaded checkpoint fields wrong: %+v", loaded)
	}
	if loaded.Provider != "gemini" || loaded.Model != "gemini-2.5-flash" {
		t.Errorf("loaded selection = %s/%s", loaded.Provider, loaded.Model)
	}

	restored := Restore(loaded)
	if restored.ID() != "chat-9" || restored.RunID() != cp.RunID || restored.TraceID() != cp.TraceID {
		t.Error("restored ids do not match checkpoint")
	}
	if restored.HistoryLen() != 3 {
		t.Errorf("restored history len = %d, want 3", restored.HistoryLen())
	}
	state := restored.State()
	if state.Plan == nil || state.Plan.CurrentStep != 1 {
		t.Errorf("plan not restored: %+v", state.Plan)
	}
	if !state.NudgedWrapUp || state.NudgedFinal {
		t.Errorf("nudge flags not restored: %+v", state)
	}
	if got, count := state.MostCommonTool(); got == "" || count == 0 {
		t.Error("rolling window not restored")
	}
}

func TestCheckpointNeverStoresRawKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	rawKey := "sk-ant-REDACTED"
	s := NewSession("chat-key")
	s.AppendUser("hello", nil, "user")

	// Callers mask before snapshotting; the checkpoint only ever sees the
	// reference form.
	cp := s.Checkpoint("anthropic", "claude-sonnet-4", "***abcdef12")
	if err := cp.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	path, err := CheckpointPath(cp.RunID)
	if err != nil {
		t.Fatalf("CheckpointPath() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if strings.Contains(string(data), rawKey) {
		t.Error("checkpoint file contains a raw API key")
	}
	if !strings.Contains(string(data), "***abcdef12") {
		t.Error("checkpoint file missing the masked key reference")
	}
}

func TestCheckpointSaveOverwrites(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s := buildSession(t)
	first := s.Checkpoint("gemini", "gemini-2.5-flash", "NONE")
	if err := first.Save(); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}

	s.AppendAssistant("done")
	s.State().TurnCount = 4
	second := s.Checkpoint("gemini", "gemini-2.5-flash", "NONE")
	if err := second.Save(); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	loaded, err := LoadCheckpoint(s.RunID())
	if err != nil {
		t.Fatalf("LoadCheckpoint() error: %v", err)
	}
	if loaded.TurnCount != 4 || len(loaded.Messages) != 4 {
		t.Errorf("checkpoint not overwritten: turns=%d messages=%d",
			loaded.TurnCount, len(loaded.Messages))
	}
}
