package session

import (
	"path/filepath"

	. "github.com/loopworks/relay/internal/logging"
	"github.com/loopworks/relay/internal/paths"
	"github.com/loopworks/relay/internal/trace"
)

// NewTraceSink returns a trace sink that appends events to
// <runs>/<runID>/trace.jsonl. Write failures are logged, never fatal.
func NewTraceSink(runID string) (trace.Sink, error) {
	runsDir, err := paths.RunsDir()
	if err != nil {
		return nil, err
	}
	w, err := NewJSONLWriter(filepath.Join(runsDir, runID, "trace.jsonl"))
	if err != nil {
		return nil, err
	}
	return func(ev trace.Event) {
		if err := w.Append(ev); err != nil {
			L_warn("trace: append failed", "run", runID, "error", err)
		}
	}, nil
}

// FanoutSink delivers each event to every sink in order.
func FanoutSink(sinks ...trace.Sink) trace.Sink {
	return func(ev trace.Event) {
		for _, s := range sinks {
			if s != nil {
				s(ev)
			}
		}
	}
}
