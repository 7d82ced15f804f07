package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	"github.com/loopworks/relay/internal/paths"
)

const snapshotFileName = "metrics.json"

// snapshotFile is the on-disk shape of a persisted metrics snapshot.
type snapshotFile struct {
	SavedAt time.Time         `json:"saved_at"`
	Metrics []*MetricSnapshot `json:"metrics"`
}

// SaveSnapshot writes the current metric snapshot as JSON under the logs
// directory. Called on shutdown; failures are logged, never fatal.
func SaveSnapshot() error {
	logsDir, err := paths.LogsDir()
	if err != nil {
		return err
	}
	return SaveSnapshotTo(filepath.Join(logsDir, snapshotFileName))
}

// SaveSnapshotTo writes the snapshot to an explicit path (temp + rename).
func SaveSnapshotTo(path string) error {
	snap := GetInstance().GetSnapshot()

	// Stable ordering makes the file diffable between runs
	sorted := make([]*MetricSnapshot, 0, len(snap))
	for _, s := range snap {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	data, err := json.MarshalIndent(snapshotFile{
		SavedAt: time.Now(),
		Metrics: sorted,
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	L_debug("metrics: snapshot saved", "path", path, "count", len(sorted))
	return nil
}
