// Package session holds per-session conversation state, the turn
// bookkeeping the guardrails read, durable checkpoints, and the JSONL cost
// and chat logs.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/loopworks/relay/internal/logging"
	"github.com/loopworks/relay/internal/types"
)

// RecentToolWindow is the rolling window size for the repetition guard.
const RecentToolWindow = 6

// Plan is an ordered step list produced by the planner for one request.
type Plan struct {
	Steps         []string `json:"steps"`
	CurrentStep   int      `json:"current_step"`
	OriginalQuery string   `json:"original_query"`
}

// TurnState is the guardrail bookkeeping that survives across loop
// iterations and restarts (checkpoints restore it).
type TurnState struct {
	TurnCount           int      `json:"turn_count"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	RecentTools         []string `json:"recent_tools,omitempty"`
	LastSignature       string   `json:"last_signature,omitempty"`
	NudgedWrapUp        bool     `json:"nudged_wrap_up,omitempty"`
	NudgedFinal         bool     `json:"nudged_final,omitempty"`
	ToolCalls           int      `json:"tool_calls"`
	Plan                *Plan    `json:"plan,omitempty"`
}

// Session is one conversation: an append-only history plus turn state.
// The embedded mutex serializes whole turns; the orchestrator holds it from
// user message to final answer.
type Session struct {
	mu sync.Mutex

	id        string
	runID     string // checkpoint directory name
	traceID   string
	createdAt time.Time

	history []types.Message
	state   TurnState
}

// NewSession creates a session with fresh run and trace ids.
func NewSession(id string) *Session {
	s := &Session{
		id:        id,
		runID:     uuid.NewString(),
		traceID:   uuid.NewString(),
		createdAt: time.Now(),
	}
	L_debug("session: created", "id", id, "run", s.runID)
	return s
}

// Lock serializes a turn. Unlock when the turn fully completes.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the turn lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// ID returns the session key.
func (s *Session) ID() string { return s.id }

// RunID returns the checkpoint directory name for this session.
func (s *Session) RunID() string { return s.runID }

// TraceID returns the trace session id.
func (s *Session) TraceID() string { return s.traceID }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the turn state. Callers must hold the session lock while
// mutating it.
func (s *Session) State() *TurnState { return &s.state }

// Append adds a message to history. History is append-only; nothing ever
// reorders or removes entries.
func (s *Session) Append(msg types.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.history = append(s.history, msg)
}

// AppendUser appends a user message with optional images.
func (s *Session) AppendUser(text string, images []types.ImageAttachment, source string) {
	s.Append(types.Message{
		Role:    types.RoleUser,
		Content: text,
		Images:  images,
		Source:  source,
	})
}

// AppendAssistant appends an assistant message.
func (s *Session) AppendAssistant(text string) {
	s.Append(types.Message{Role: types.RoleAssistant, Content: text})
}

// AppendNudge delivers orchestrator guidance. When the trailing message is
// user-role it is merged in (providers reject consecutive user messages);
// otherwise a new user message is appended.
func (s *Session) AppendNudge(text, source string) {
	if n := len(s.history); n > 0 && s.history[n-1].Role == types.RoleUser {
		s.history[n-1].Content += "\n\n" + text
		return
	}
	s.Append(types.Message{Role: types.RoleUser, Content: text, Source: source})
}

// History returns a copy of the history slice. Messages themselves are
// shared; callers that mutate must Clone.
func (s *Session) History() []types.Message {
	out := make([]types.Message, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryLen returns the number of history entries.
func (s *Session) HistoryLen() int { return len(s.history) }

// LastMessage returns the newest history entry, or nil.
func (s *Session) LastMessage() *types.Message {
	if len(s.history) == 0 {
		return nil
	}
	return &s.history[len(s.history)-1]
}

// RollTool appends a tool name to the rolling window, keeping the newest
// RecentToolWindow entries.
func (t *TurnState) RollTool(name string) {
	t.RecentTools = append(t.RecentTools, name)
	if len(t.RecentTools) > RecentToolWindow {
		t.RecentTools = t.RecentTools[len(t.RecentTools)-RecentToolWindow:]
	}
}

// MostCommonTool returns the most frequent name in the window and its
// count.
func (t *TurnState) MostCommonTool() (string, int) {
	if len(t.RecentTools) == 0 {
		return "", 0
	}
	counts := make(map[string]int, len(t.RecentTools))
	best, bestCount := "", 0
	for _, name := range t.RecentTools {
		counts[name]++
		if counts[name] > bestCount {
			best, bestCount = name, counts[name]
		}
	}
	return best, bestCount
}

// ClearWindow empties the rolling window (repetition guard reset).
func (t *TurnState) ClearWindow() {
	t.RecentTools = nil
}

// ResetForTurn clears the per-turn flags. Session-lifetime counters
// (TurnCount, ToolCalls) keep accumulating.
func (t *TurnState) ResetForTurn() {
	t.ConsecutiveFailures = 0
	t.LastSignature = ""
	t.NudgedWrapUp = false
	t.NudgedFinal = false
}

// Store keeps live sessions by id.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns the session for an id, creating it when absent.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := NewSession(id)
	st.sessions[id] = s
	return s
}

// Peek returns the session for an id without creating one.
func (st *Store) Peek(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Put installs a restored session, replacing any live one with the same id.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.id] = s
}

// Remove drops a session from the store.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
