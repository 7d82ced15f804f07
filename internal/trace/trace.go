// Package trace emits structured reasoning-loop events to a pluggable sink.
// Every phase of a turn (model call, tool call, guardrail trip, abort) is
// observable without grepping logs; sinks get events synchronously in
// generation order.
package trace

import (
	"encoding/json"
	"sync"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
)

// Phase identifies one loop event. The set is closed; sinks may rely on it.
type Phase string

const (
	PhaseSessionStart     Phase = "session_start"
	PhaseTurnStart        Phase = "turn_start"
	PhasePlanningStart    Phase = "planning_start"
	PhasePlanGenerated    Phase = "plan_generated"
	PhaseThinking         Phase = "thinking"
	PhaseLLMResponse      Phase = "llm_response"
	PhaseToolCall         Phase = "tool_call"
	PhaseToolResult       Phase = "tool_result"
	PhaseToolNotFound     Phase = "tool_not_found"
	PhaseDuplicateBlocked Phase = "duplicate_blocked"
	PhaseCircuitBreaker   Phase = "circuit_breaker"
	PhaseRepetitionGuard  Phase = "repetition_guard"
	PhaseModelFallback    Phase = "model_fallback"
	PhaseFinalAnswer      Phase = "final_answer"
	PhaseSessionAbort     Phase = "session_abort"
)

// Payload clamp limits, in runes.
const (
	MaxResponseChars = 3000 // llm_response / thinking payloads
	MaxResultChars   = 3000 // tool_result payloads
	MaxSnippetChars  = 500  // everything else carrying content
)

// Event is one trace record. On the wire it is a single flat object: the
// envelope keys phase/turn/ts/session_id alongside the payload keys, so
// trace.jsonl lines grep cleanly without a nested data object.
type Event struct {
	Phase     Phase
	Turn      int
	Timestamp time.Time
	SessionID string
	Data      map[string]any
}

// MarshalJSON renders the flat wire object. Envelope keys win when a
// payload key collides.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		obj[k] = v
	}
	obj["phase"] = e.Phase
	obj["turn"] = e.Turn
	obj["ts"] = e.Timestamp.Format(time.RFC3339Nano)
	obj["session_id"] = e.SessionID
	return json.Marshal(obj)
}

// UnmarshalJSON reverses MarshalJSON: envelope keys populate the struct,
// everything else lands in Data.
func (e *Event) UnmarshalJSON(b []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if v, ok := obj["phase"].(string); ok {
		e.Phase = Phase(v)
	}
	if v, ok := obj["turn"].(float64); ok {
		e.Turn = int(v)
	}
	if v, ok := obj["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Timestamp = ts
		}
	}
	if v, ok := obj["session_id"].(string); ok {
		e.SessionID = v
	}
	delete(obj, "phase")
	delete(obj, "turn")
	delete(obj, "ts")
	delete(obj, "session_id")
	if len(obj) > 0 {
		e.Data = obj
	} else {
		e.Data = nil
	}
	return nil
}

// Sink receives events. Calls arrive in generation order; a sink that
// blocks stalls the loop, so heavy work belongs behind a queue the sink
// owns.
type Sink func(Event)

// Emitter stamps and delivers events for one trace session.
type Emitter struct {
	mu        sync.Mutex
	sessionID string
	sink      Sink
	count     int
}

// NewEmitter creates an emitter for the given trace session id. A nil sink
// turns delivery into a no-op; events are still logged and counted.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	return &Emitter{sessionID: sessionID, sink: sink}
}

// SessionID returns the trace session id.
func (e *Emitter) SessionID() string {
	return e.sessionID
}

// Count returns how many events have been emitted.
func (e *Emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Emit stamps and delivers one event, clamping string payloads to the
// per-phase limits.
func (e *Emitter) Emit(phase Phase, turn int, data map[string]any) {
	ev := Event{
		Phase:     phase,
		Turn:      turn,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      clampData(phase, data),
	}

	MetricInc("trace", string(phase))
	L_trace("trace: event", "phase", phase, "turn", turn, "session", e.sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
	if e.sink != nil {
		e.sink(ev)
	}
}

// clampData bounds string payloads. The response/result keys get the large
// budget on their owning phases; every other string value is snippet-sized.
func clampData(phase Phase, data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}

	out := make(map[string]any, len(data))
	for k, v := range data {
		s, isString := v.(string)
		if !isString {
			out[k] = v
			continue
		}
		out[k] = Clamp(s, limitFor(phase, k))
	}
	return out
}

func limitFor(phase Phase, key string) int {
	switch {
	case key == "response" && (phase == PhaseLLMResponse || phase == PhaseThinking):
		return MaxResponseChars
	case key == "result" && phase == PhaseToolResult:
		return MaxResultChars
	default:
		return MaxSnippetChars
	}
}

// Clamp truncates s to at most max runes, ellipsis included.
func Clamp(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
