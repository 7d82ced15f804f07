// Package gateway runs the reasoning loop. It owns the conversation
// sessions, drives the model through the fallback engine, extracts and
// dispatches tool calls, and enforces the guards that stop a looping model
// from spinning forever.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loopworks/relay/internal/llm"
	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/session"
	"github.com/loopworks/relay/internal/tools"
	"github.com/loopworks/relay/internal/trace"
	"github.com/loopworks/relay/internal/types"
)

// DefaultSessionKey is used when a request names no session.
const DefaultSessionKey = "default"

const (
	// circuitBreakerLimit is the consecutive tool-failure count that ends
	// a run.
	circuitBreakerLimit = 3

	// repetitionWindowMin / repetitionCount: the repetition guard fires
	// when the window holds at least repetitionWindowMin calls and the
	// most common tool accounts for repetitionCount of them.
	repetitionWindowMin = 5
	repetitionCount     = 4

	// checkpointEvery is the tool-call cadence for durable checkpoints.
	checkpointEvery = 5
)

const (
	wrapUpNudge = "You are over halfway through your reasoning budget. Start wrapping up: finish the current step and move toward your final answer."
	finalNudge  = "You are nearly out of turns. Stop calling tools and give your final answer now."

	duplicateGuardText  = "You already made that exact tool call and have its result. Do not repeat it; give your final answer now."
	circuitBreakerText  = "Multiple tools failed in a row. Stop calling tools and give your final answer with what you have."
	cancelledText       = "Task cancelled by user."
	timeoutTextTemplate = "Task stopped: the %s time budget for this request ran out before a final answer."
)

// Request is one user turn addressed to a session.
type Request struct {
	Text          string
	Images        []types.ImageAttachment
	Context       string // session key; empty means DefaultSessionKey
	CorrelationID string // cancellation handle, optional
}

// Completer is the slice of the fallback engine the gateway drives.
// *llm.Engine satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest, onFallback func(from, to llm.ModelSelection)) (*llm.FallbackResult, error)
	Health() *llm.HealthTracker
}

// Gateway coordinates sessions, the model manager/fallback engine, and the
// tool registry.
type Gateway struct {
	manager  *llm.Manager
	engine   Completer
	registry *tools.Registry
	store    *session.Store

	personality string
	costLog     *session.CostLog
	chatLog     *session.ChatLog
	extSink     trace.Sink
	onTyping    func(sessionKey string)

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	emitters map[string]*trace.Emitter
}

// New creates a gateway over an existing manager, engine, and registry.
func New(manager *llm.Manager, engine Completer, registry *tools.Registry) *Gateway {
	return &Gateway{
		manager:  manager,
		engine:   engine,
		registry: registry,
		store:    session.NewStore(),
		cancels:  make(map[string]context.CancelFunc),
		emitters: make(map[string]*trace.Emitter),
	}
}

// SetPersonality prepends custom identity text to the system prompt.
func (g *Gateway) SetPersonality(p string) { g.personality = p }

// SetCostLog wires the per-request cost log.
func (g *Gateway) SetCostLog(cl *session.CostLog) { g.costLog = cl }

// SetChatLog wires the append-only chat history log.
func (g *Gateway) SetChatLog(cl *session.ChatLog) { g.chatLog = cl }

// SetTraceSink adds an external trace sink alongside the per-run file.
func (g *Gateway) SetTraceSink(s trace.Sink) { g.extSink = s }

// SetOnTyping registers the keep-alive callback fired once per loop turn.
func (g *Gateway) SetOnTyping(fn func(sessionKey string)) { g.onTyping = fn }

// Sessions returns the session store.
func (g *Gateway) Sessions() *session.Store { return g.store }

// Manager returns the model manager.
func (g *Gateway) Manager() *llm.Manager { return g.manager }

// Registry returns the tool registry.
func (g *Gateway) Registry() *tools.Registry { return g.registry }

// Health returns the provider health tracker.
func (g *Gateway) Health() *llm.HealthTracker { return g.engine.Health() }

// RestoreSession installs a checkpointed session, replacing any live one
// with the same id.
func (g *Gateway) RestoreSession(cp *session.Checkpoint) *session.Session {
	s := session.Restore(cp)
	g.store.Put(s)
	return s
}

// Cancel aborts the in-flight Speak registered under correlationID.
// Returns false when nothing is running under that id.
func (g *Gateway) Cancel(correlationID string) bool {
	g.mu.Lock()
	cancel, ok := g.cancels[correlationID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	L_info("gateway: cancelling run", "correlation", correlationID)
	cancel()
	return true
}

// emitterFor returns the session's trace emitter, creating it (and emitting
// session_start) on first use.
func (g *Gateway) emitterFor(sess *session.Session, firstQuery string) *trace.Emitter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if em, ok := g.emitters[sess.ID()]; ok {
		return em
	}

	fileSink, err := session.NewTraceSink(sess.RunID())
	if err != nil {
		L_warn("gateway: trace file unavailable", "run", sess.RunID(), "error", err)
		fileSink = nil
	}
	em := trace.NewEmitter(sess.TraceID(), session.FanoutSink(fileSink, g.extSink))
	g.emitters[sess.ID()] = em
	em.Emit(trace.PhaseSessionStart, 0, map[string]any{
		"session": sess.ID(),
		"query":   firstQuery,
	})
	return em
}

// Speak runs one full request: user text in, final answer out. The session
// lock is held for the duration, so concurrent Speaks on one session queue
// up rather than interleave.
func (g *Gateway) Speak(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return "", fmt.Errorf("empty request")
	}

	key := req.Context
	if key == "" {
		key = DefaultSessionKey
	}

	sess := g.store.Get(key)
	sess.Lock()
	defer sess.Unlock()

	done := MetricStartAuto("gateway/speak")
	defer done()

	models := g.manager.Models()
	timeout := time.Duration(models.GetSpeakTimeout()) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if req.CorrelationID != "" {
		g.mu.Lock()
		g.cancels[req.CorrelationID] = cancel
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.cancels, req.CorrelationID)
			g.mu.Unlock()
		}()
	}

	em := g.emitterFor(sess, req.Text)

	if g.manager.ShouldRecoverPrimary() {
		g.manager.SwitchToPrimary()
	}
	// Routing and queued switches unwind at exit on every path; the
	// fallback engine restores its own swaps per call.
	defer func() {
		g.manager.RestoreRouting()
		if sel, ok := g.manager.ApplyQueuedSwitch(); ok {
			L_info("gateway: applied queued model switch", "to", sel.Ref())
		}
	}()

	if models.SmartRouting {
		if sel, ok := g.manager.Route(req.Text, len(req.Images) > 0, g.engine.Health()); ok {
			L_info("gateway: routed request", "to", sel.Ref())
		}
	}

	state := sess.State()
	state.ResetForTurn()
	state.ClearWindow()

	sess.AppendUser(req.Text, req.Images, "user")
	g.logChat("user", req.Text, "user")

	if g.shouldPlan(req.Text, state.Plan) {
		if plan, err := g.runPlanner(runCtx, em, req.Text); err != nil {
			L_warn("gateway: planner failed, continuing without a plan", "error", err)
		} else if plan != nil {
			state.Plan = plan
		}
	}

	system := BuildSystemPrompt(PromptParams{
		Personality: g.personality,
		Registry:    g.registry,
		Plan:        state.Plan,
	})

	maxTurns := models.GetMaxTurns()
	wrapAt := maxTurns / 2
	finalAt := maxTurns * 4 / 5
	abortReason := "max_turns"
	lastTurn := 0

	for turn := 1; turn <= maxTurns; turn++ {
		lastTurn = turn
		if msg, stopped := g.deadlineExit(runCtx, sess, em, turn, timeout); stopped {
			return msg, nil
		}

		state.TurnCount++
		em.Emit(trace.PhaseTurnStart, turn, map[string]any{
			"live": g.manager.LiveSelection().Ref(),
		})

		if turn == wrapAt && !state.NudgedWrapUp {
			state.NudgedWrapUp = true
			sess.AppendNudge(wrapUpNudge, "nudge")
		}
		if turn == finalAt && !state.NudgedFinal {
			state.NudgedFinal = true
			sess.AppendNudge(finalNudge, "nudge")
		}

		if g.onTyping != nil {
			g.onTyping(key)
		}

		result, err := g.engine.Complete(runCtx, llm.CompletionRequest{
			Messages: sess.History(),
			System:   system,
		}, func(from, to llm.ModelSelection) {
			em.Emit(trace.PhaseModelFallback, turn, map[string]any{
				"from": from.Ref(),
				"to":   to.Ref(),
			})
		})
		if err != nil {
			if msg, stopped := g.deadlineExit(runCtx, sess, em, turn, timeout); stopped {
				return msg, nil
			}
			g.manager.RecordCallFailure()
			if g.manager.ShouldSwitchToFallback() {
				from := g.manager.LiveSelection()
				if serr := g.manager.SwitchToFallback(); serr == nil {
					em.Emit(trace.PhaseModelFallback, turn, map[string]any{
						"from":   from.Ref(),
						"to":     g.manager.LiveSelection().Ref(),
						"reason": "error threshold",
					})
				}
			}
			em.Emit(trace.PhaseSessionAbort, turn, map[string]any{
				"reason": "llm_error",
				"error":  err.Error(),
			})
			g.saveCheckpoint(sess)
			return "", err
		}
		g.manager.RecordCallSuccess()
		g.logCost(result)

		raw := result.Response.Text
		visible, thinking := tools.StripThink(raw)
		if result.Response.Thinking != "" {
			if thinking != "" {
				thinking += "\n"
			}
			thinking += result.Response.Thinking
		}
		em.Emit(trace.PhaseLLMResponse, turn, map[string]any{
			"response": raw,
			"provider": result.Provider,
			"model":    result.Model,
		})
		if thinking != "" {
			em.Emit(trace.PhaseThinking, turn, map[string]any{"response": thinking})
		}

		name, args, isCall := tools.Extract(raw, g.registry.Has)
		if !isCall {
			if visible == "" {
				visible = strings.TrimSpace(raw)
			}
			sess.AppendAssistant(visible)
			g.logChat("assistant", visible, "")
			em.Emit(trace.PhaseFinalAnswer, turn, map[string]any{"response": visible})
			g.saveCheckpoint(sess)
			L_info("gateway: final answer", "session", key, "turns", turn, "chars", len(visible))
			return visible, nil
		}

		// Tool-call turns keep the raw assistant text so the duplicate
		// context survives in history.
		sess.AppendAssistant(raw)

		tool, found := g.registry.Resolve(name)
		if !found {
			em.Emit(trace.PhaseToolNotFound, turn, map[string]any{"tool": name})
			MetricInc("gateway", "tool_not_found")
			// Hallucinated names roll the window too, so a model stuck on a
			// nonexistent tool still trips the repetition guard.
			state.RollTool(name)
			sess.AppendNudge(g.registry.UnknownToolText(name), "guard")
			g.repetitionGuard(sess, em, turn)
			continue
		}

		sig := tools.Signature(tool.Name, args)
		if sig == state.LastSignature && !tools.RepeatAllowed(tool.Name) {
			em.Emit(trace.PhaseDuplicateBlocked, turn, map[string]any{"tool": tool.Name})
			MetricInc("gateway", "duplicate_blocked")
			sess.AppendNudge(duplicateGuardText, "guard")
			continue
		}
		state.LastSignature = sig

		em.Emit(trace.PhaseToolCall, turn, map[string]any{
			"tool": tool.Name,
			"args": args,
		})

		obs := g.registry.Dispatch(runCtx, tool, args)
		em.Emit(trace.PhaseToolResult, turn, map[string]any{
			"tool":   tool.Name,
			"result": obs.Text,
			"failed": obs.Failed,
		})

		sess.Append(obs.Message())
		state.ToolCalls++
		state.RollTool(tool.Name)

		if obs.Failed {
			state.ConsecutiveFailures++
			g.saveCheckpoint(sess)
		} else {
			state.ConsecutiveFailures = 0
			if state.ToolCalls%checkpointEvery == 0 {
				g.saveCheckpoint(sess)
			}
		}

		if state.ConsecutiveFailures >= circuitBreakerLimit {
			em.Emit(trace.PhaseCircuitBreaker, turn, map[string]any{
				"failures": state.ConsecutiveFailures,
				"tool":     tool.Name,
			})
			MetricInc("gateway", "circuit_breaker")
			sess.AppendNudge(circuitBreakerText, "guard")
			abortReason = "circuit_breaker"
			break
		}

		if g.repetitionGuard(sess, em, turn) {
			continue
		}
	}

	msg := fmt.Sprintf("[ABORT] Stopped after %d turns without a final answer.", lastTurn)
	if abortReason == "circuit_breaker" {
		msg = "[ABORT] Stopped after repeated tool failures without a final answer."
	}
	em.Emit(trace.PhaseSessionAbort, lastTurn, map[string]any{"reason": abortReason})
	MetricFailWithReason("gateway", "speak", abortReason)
	sess.AppendAssistant(msg)
	g.logChat("assistant", msg, "")
	g.saveCheckpoint(sess)
	return msg, nil
}

// deadlineExit handles the two context exits: wall-clock timeout and
// cancellation. Both append their sentinel to history so the next turn sees
// what happened.
func (g *Gateway) deadlineExit(runCtx context.Context, sess *session.Session, em *trace.Emitter, turn int, timeout time.Duration) (string, bool) {
	err := runCtx.Err()
	if err == nil {
		return "", false
	}

	var msg, reason string
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf(timeoutTextTemplate, timeout)
		reason = "speak_timeout"
	} else {
		msg = cancelledText
		reason = "user_cancelled"
	}

	em.Emit(trace.PhaseSessionAbort, turn, map[string]any{"reason": reason})
	MetricFailWithReason("gateway", "speak", reason)
	sess.AppendAssistant(msg)
	g.logChat("assistant", msg, "")
	g.saveCheckpoint(sess)
	L_warn("gateway: run stopped", "reason", reason, "turn", turn)
	return msg, true
}

// repetitionGuard fires when one tool dominates the rolling window. It
// clears the window so the model gets a fresh start after the warning.
func (g *Gateway) repetitionGuard(sess *session.Session, em *trace.Emitter, turn int) bool {
	state := sess.State()
	if len(state.RecentTools) < repetitionWindowMin {
		return false
	}
	name, count := state.MostCommonTool()
	if count < repetitionCount || tools.RepeatAllowed(name) {
		return false
	}

	em.Emit(trace.PhaseRepetitionGuard, turn, map[string]any{
		"tool":  name,
		"count": count,
	})
	MetricInc("gateway", "repetition_guard")
	sess.AppendNudge(fmt.Sprintf(
		"You have called '%s' %d times in your last few steps. Try a different approach, or give your final answer with what you have.",
		name, count), "guard")
	state.ClearWindow()
	return true
}

// saveCheckpoint snapshots the session to disk. Failures are logged, never
// fatal.
func (g *Gateway) saveCheckpoint(sess *session.Session) {
	live := g.manager.LiveSelection()
	cp := sess.Checkpoint(live.Provider, live.Model, live.MaskedKey())
	if err := cp.Save(); err != nil {
		L_warn("gateway: checkpoint save failed", "run", sess.RunID(), "error", err)
	}
}

// logCost appends one request's cost to the cost log.
func (g *Gateway) logCost(result *llm.FallbackResult) {
	if g.costLog == nil || result == nil || result.Response == nil {
		return
	}
	entry := llm.CostFor(g.manager.Metadata(), result.Provider, result.Model, result.Response)
	if err := g.costLog.Append(entry); err != nil {
		L_warn("gateway: cost log append failed", "error", err)
	}
}

// logChat appends one turn to the chat history log.
func (g *Gateway) logChat(role, content, source string) {
	if g.chatLog == nil {
		return
	}
	if err := g.chatLog.Append(role, content, source); err != nil {
		L_warn("gateway: chat log append failed", "error", err)
	}
}
