package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/loopworks/relay/internal/llm"
	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/paths"
)

// CostRetention is how long cost_log.jsonl entries are kept.
const CostRetention = 90 * 24 * time.Hour

// CostLog appends per-request cost entries to <logs>/cost_log.jsonl and
// prunes entries older than CostRetention at startup and once a day.
type CostLog struct {
	writer *JSONLWriter
	cron   *cronlib.Cron
}

// NewCostLog opens the cost log under logsDir, prunes old entries, and
// schedules the daily prune.
func NewCostLog(logsDir string) (*CostLog, error) {
	w, err := NewJSONLWriter(filepath.Join(logsDir, "cost_log.jsonl"))
	if err != nil {
		return nil, err
	}
	cl := &CostLog{writer: w}

	if err := cl.Prune(); err != nil {
		L_warn("costlog: startup prune failed", "error", err)
	}

	cl.cron = cronlib.New()
	if _, err := cl.cron.AddFunc("30 3 * * *", func() {
		if err := cl.Prune(); err != nil {
			L_warn("costlog: daily prune failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	cl.cron.Start()

	return cl, nil
}

// Append records one request's cost.
func (cl *CostLog) Append(entry llm.CostEntry) error {
	MetricInc("costlog", "entries")
	return cl.writer.Append(entry)
}

// Close stops the prune schedule.
func (cl *CostLog) Close() {
	if cl.cron != nil {
		cl.cron.Stop()
	}
}

// Prune rewrites the log keeping only entries newer than CostRetention.
// Malformed lines are dropped; a line with an unparsable timestamp is kept.
func (cl *CostLog) Prune() error {
	cl.writer.mu.Lock()
	defer cl.writer.mu.Unlock()

	path := cl.writer.path
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-CostRetention)
	var kept []string
	dropped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var probe struct {
			Ts string `json:"ts"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			dropped++
			continue
		}
		ts, err := time.Parse(time.RFC3339, probe.Ts)
		if err == nil && ts.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, line)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return scanErr
	}
	if dropped == 0 {
		return nil
	}

	tmpPath := path + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(out)
	for _, line := range kept {
		if _, err := bw.WriteString(line + "\n"); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	L_info("costlog: pruned", "dropped", dropped, "kept", len(kept))
	return nil
}

// DefaultCostLog opens the cost log in the standard logs directory.
func DefaultCostLog() (*CostLog, error) {
	logsDir, err := paths.LogsDir()
	if err != nil {
		return nil, err
	}
	return NewCostLog(logsDir)
}
