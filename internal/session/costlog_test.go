package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loopworks/relay/internal/llm"
)

func entryAt(ts time.Time, model string) llm.CostEntry {
	return llm.CostEntry{
		Timestamp: ts.Format(time.RFC3339),
		Model:     model,
		Provider:  "gemini",
		TokensIn:  100,
		TokensOut: 20,
		Cost:      0.0003,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestCostLogPruneDropsOldEntries(t *testing.T) {
	dir := t.TempDir()
	w, err := NewJSONLWriter(filepath.Join(dir, "cost_log.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLWriter() error: %v", err)
	}
	cl := &CostLog{writer: w}

	now := time.Now()
	if err := cl.Append(entryAt(now.Add(-120*24*time.Hour), "old-model")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := cl.Append(entryAt(now.Add(-time.Hour), "fresh-model")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	if err := cl.Prune(); err != nil {
		t.Fatalf("Prune() error: %v", err)
	}

	lines := readLines(t, w.Path())
	if len(lines) != 1 {
		t.Fatalf("lines after prune = %d, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "fresh-model") {
		t.Errorf("kept line = %q, want the fresh entry", lines[0])
	}
}

func TestCostLogPruneKeepsUnparsableTimestamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cost_log.jsonl")
	seed := `{"ts":"not-a-time","model":"odd"}` + "\n" +
		`this line is not json` + "\n" +
		`{"ts":"` + time.Now().Format(time.RFC3339) + `","model":"fine"}` + "\n"
	if err := os.WriteFile(path, []byte(seed), 0600); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	w, err := NewJSONLWriter(path)
	if err != nil {
		t.Fatalf("NewJSONLWriter() error: %v", err)
	}
	cl := &CostLog{writer: w}
	if err := cl.Prune(); err != nil {
		t.Fatalf("Prune() error: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines after prune = %d, want 2 (odd ts kept, junk dropped)", len(lines))
	}
	if !strings.Contains(lines[0], "odd") || !strings.Contains(lines[1], "fine") {
		t.Errorf("unexpected surviving lines: %v", lines)
	}
}

func TestCostLogPruneNoopWhenAllFresh(t *testing.T) {
	dir := t.TempDir()
	w, err := NewJSONLWriter(filepath.Join(dir, "cost_log.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLWriter() error: %v", err)
	}
	cl := &CostLog{writer: w}
	if err := cl.Append(entryAt(time.Now(), "m")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	before, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := cl.Prune(); err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	after, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("prune rewrote the file with nothing to drop")
	}
}

func TestCostLogPruneMissingFile(t *testing.T) {
	w, err := NewJSONLWriter(filepath.Join(t.TempDir(), "cost_log.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLWriter() error: %v", err)
	}
	cl := &CostLog{writer: w}
	if err := cl.Prune(); err != nil {
		t.Errorf("Prune() on missing file = %v, want nil", err)
	}
}

func TestChatLogClampsContent(t *testing.T) {
	dir := t.TempDir()
	cl, err := NewChatLog(dir)
	if err != nil {
		t.Fatalf("NewChatLog() error: %v", err)
	}

	long := strings.Repeat("x", 5000)
	if err := cl.Append("assistant", long, ""); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := cl.Append("user", "short", "user"); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "chat_history.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if len(lines[0]) >= 5000 {
		t.Errorf("long content not clamped, line len = %d", len(lines[0]))
	}
	if !strings.Contains(lines[1], `"role":"user"`) || !strings.Contains(lines[1], `"source":"user"`) {
		t.Errorf("chat entry fields missing: %q", lines[1])
	}
}

func TestJSONLWriterAppend(t *testing.T) {
	w, err := NewJSONLWriter(filepath.Join(t.TempDir(), "nested", "out.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLWriter() error: %v", err)
	}

	if err := w.Append(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := w.Append(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := readLines(t, w.Path())
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0] != `{"n":1}` || lines[1] != `{"n":2}` {
		t.Errorf("unexpected lines: %v", lines)
	}
}
