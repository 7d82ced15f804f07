package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/paths"
	"github.com/loopworks/relay/internal/types"
)

// Checkpoint is a durable snapshot of one run: enough to resume the
// conversation and its guardrail counters after a restart. API keys are
// never stored; APIKeyMasked carries only a ***<last-8> reference.
type Checkpoint struct {
	RunID               string          `json:"run_id"`
	SessionID           string          `json:"session_id"`
	TraceID             string          `json:"trace_id"`
	SavedAt             time.Time       `json:"saved_at"`
	TurnCount           int             `json:"turn_count"`
	ToolCalls           int             `json:"tool_calls"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RecentTools         []string        `json:"recent_tools,omitempty"`
	LastSignature       string          `json:"last_signature,omitempty"`
	NudgedWrapUp        bool            `json:"nudged_wrap_up,omitempty"`
	NudgedFinal         bool            `json:"nudged_final,omitempty"`
	Plan                *Plan           `json:"plan,omitempty"`
	Provider            string          `json:"provider"`
	Model               string          `json:"model"`
	APIKeyMasked        string          `json:"api_key_ref"`
	Messages            []types.Message `json:"messages"`
}

// Checkpoint builds a snapshot of the session. Messages are deep-copied so
// later turns cannot mutate the saved state. maskedKey must already be
// masked; this function never sees a raw key.
func (s *Session) Checkpoint(provider, model, maskedKey string) *Checkpoint {
	cp := &Checkpoint{
		RunID:               s.runID,
		SessionID:           s.id,
		TraceID:             s.traceID,
		SavedAt:             time.Now(),
		TurnCount:           s.state.TurnCount,
		ToolCalls:           s.state.ToolCalls,
		ConsecutiveFailures: s.state.ConsecutiveFailures,
		LastSignature:       s.state.LastSignature,
		NudgedWrapUp:        s.state.NudgedWrapUp,
		NudgedFinal:         s.state.NudgedFinal,
		Provider:            provider,
		Model:               model,
		APIKeyMasked:        maskedKey,
		Messages:            types.CloneMessages(s.history),
	}
	if len(s.state.RecentTools) > 0 {
		cp.RecentTools = append([]string(nil), s.state.RecentTools...)
	}
	if s.state.Plan != nil {
		plan := *s.state.Plan
		plan.Steps = append([]string(nil), s.state.Plan.Steps...)
		cp.Plan = &plan
	}
	return cp
}

// CheckpointPath returns <runs>/<runID>/checkpoint.json.
func CheckpointPath(runID string) (string, error) {
	runsDir, err := paths.RunsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(runsDir, runID, "checkpoint.json"), nil
}

// Save writes the checkpoint atomically (temp file + rename) under the runs
// directory.
func (cp *Checkpoint) Save() error {
	path, err := CheckpointPath(cp.RunID)
	if err != nil {
		return err
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	MetricInc("checkpoint", "saved")
	L_debug("checkpoint: saved", "run", cp.RunID, "turn", cp.TurnCount, "messages", len(cp.Messages))
	return nil
}

// LoadCheckpoint reads a checkpoint by run id.
func LoadCheckpoint(runID string) (*Checkpoint, error) {
	path, err := CheckpointPath(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Restore rebuilds a live session from a checkpoint: history, plan, and
// guardrail counters come back; credentials never do. The run id is kept so
// later saves overwrite the same checkpoint.
func Restore(cp *Checkpoint) *Session {
	s := &Session{
		id:        cp.SessionID,
		runID:     cp.RunID,
		traceID:   cp.TraceID,
		createdAt: time.Now(),
		history:   types.CloneMessages(cp.Messages),
		state: TurnState{
			TurnCount:           cp.TurnCount,
			ToolCalls:           cp.ToolCalls,
			ConsecutiveFailures: cp.ConsecutiveFailures,
			LastSignature:       cp.LastSignature,
			NudgedWrapUp:        cp.NudgedWrapUp,
			NudgedFinal:         cp.NudgedFinal,
		},
	}
	if len(cp.RecentTools) > 0 {
		s.state.RecentTools = append([]string(nil), cp.RecentTools...)
	}
	if cp.Plan != nil {
		plan := *cp.Plan
		plan.Steps = append([]string(nil), cp.Plan.Steps...)
		s.state.Plan = &plan
	}
	L_info("checkpoint: restored", "run", cp.RunID, "session", cp.SessionID, "messages", len(s.history))
	return s
}
