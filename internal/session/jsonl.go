package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/loopworks/relay/internal/paths"
)

// JSONLWriter appends marshaled records to a single JSONL file.
type JSONLWriter struct {
	mu   sync.Mutex
	path string
}

// NewJSONLWriter creates a writer for path, ensuring the parent directory
// exists.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}
	return &JSONLWriter{path: path}, nil
}

// Path returns the file this writer appends to.
func (w *JSONLWriter) Path() string { return w.path }

// Append marshals record and appends it as one line.
func (w *JSONLWriter) Append(record any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(string(data) + "\n"); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}
