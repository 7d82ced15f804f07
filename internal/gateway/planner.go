package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loopworks/relay/internal/llm"
	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/session"
	"github.com/loopworks/relay/internal/tools"
	"github.com/loopworks/relay/internal/trace"
	"github.com/loopworks/relay/internal/types"
)

// plannerTimeout bounds the whole planning sub-run.
const plannerTimeout = 300 * time.Second

// plannerMaxTurns bounds the planner's investigation loop. Planning is a
// scouting pass, not the task itself.
const plannerMaxTurns = 8

// planKeywords are the lowercase substrings that mark a request as worth
// planning before execution. A "plan:" prefix always triggers.
var planKeywords = []string{
	"refactor", "implement", "build", "migrate", "create a", "design",
	"set up", "restructure", "step by step", "organize",
}

// planTagRe captures the numbered list between plan tags.
var planTagRe = regexp.MustCompile(`(?s)<plan>(.*?)</plan>`)

// planStepRe strips leading list markers: "1.", "2)", "-", "*".
var planStepRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s*`)

// shouldPlan reports whether the request warrants a planning pass. An
// active plan suppresses re-planning so the model finishes what it started.
func (g *Gateway) shouldPlan(input string, active *session.Plan) bool {
	if active != nil {
		return false
	}
	m := strings.ToLower(strings.TrimSpace(input))
	if strings.HasPrefix(m, "plan:") {
		return true
	}
	for _, kw := range planKeywords {
		if strings.Contains(m, kw) {
			return true
		}
	}
	return false
}

// runPlanner produces an ordered step list through an isolated sub-run:
// fresh history, the planner system prompt, the usual tools for scouting,
// and a hard timeout. The main session's history is never touched.
func (g *Gateway) runPlanner(ctx context.Context, em *trace.Emitter, query string) (*session.Plan, error) {
	done := MetricStartAuto("gateway/planner")
	defer done()

	em.Emit(trace.PhasePlanningStart, 0, map[string]any{"query": query})

	planCtx, cancel := context.WithTimeout(ctx, plannerTimeout)
	defer cancel()

	goal := strings.TrimSpace(query)
	if len(goal) >= 5 && strings.EqualFold(goal[:5], "plan:") {
		goal = strings.TrimSpace(goal[5:])
	}

	system := buildPlannerPrompt(g.registry)
	history := []types.Message{{
		Role:      types.RoleUser,
		Content:   goal,
		Source:    "planner",
		Timestamp: time.Now(),
	}}

	for turn := 1; turn <= plannerMaxTurns; turn++ {
		result, err := g.engine.Complete(planCtx, llm.CompletionRequest{
			Messages: history,
			System:   system,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("planner completion failed: %w", err)
		}
		g.manager.RecordCallSuccess()
		g.logCost(result)

		raw := result.Response.Text
		if steps := parsePlanSteps(raw); len(steps) > 0 {
			plan := &session.Plan{Steps: steps, OriginalQuery: query}
			em.Emit(trace.PhasePlanGenerated, 0, map[string]any{
				"steps": steps,
			})
			L_info("gateway: plan generated", "steps", len(steps))
			return plan, nil
		}

		name, args, isCall := tools.Extract(raw, g.registry.Has)
		if !isCall {
			// No plan tags and no tool call; one nudge, then give up on
			// the next empty round via the turn budget.
			history = append(history, types.Message{
				Role: types.RoleAssistant, Content: raw, Timestamp: time.Now(),
			}, types.Message{
				Role:      types.RoleUser,
				Content:   "Reply with the plan wrapped in <plan></plan> tags as a numbered list.",
				Source:    "planner",
				Timestamp: time.Now(),
			})
			continue
		}

		history = append(history, types.Message{
			Role: types.RoleAssistant, Content: raw, Timestamp: time.Now(),
		})
		tool, found := g.registry.Resolve(name)
		if !found {
			history = append(history, types.Message{
				Role:      types.RoleUser,
				Content:   g.registry.UnknownToolText(name),
				Source:    "planner",
				Timestamp: time.Now(),
			})
			continue
		}
		obs := g.registry.Dispatch(planCtx, tool, args)
		history = append(history, obs.Message())
	}

	return nil, fmt.Errorf("planner produced no plan within %d turns", plannerMaxTurns)
}

// parsePlanSteps extracts the step list from planner output. The numbered
// list between plan tags is authoritative; when no line parses as a list
// entry, plain line-splitting of the tag content is the fallback.
func parsePlanSteps(raw string) []string {
	text, _ := tools.StripThink(raw)
	m := planTagRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}

	var steps []string
	for _, line := range strings.Split(m[1], "\n") {
		stripped := strings.TrimSpace(planStepRe.ReplaceAllString(line, ""))
		if stripped == "" {
			continue
		}
		if stripped != strings.TrimSpace(line) { // a list marker was stripped
			steps = append(steps, stripped)
		}
	}
	if len(steps) > 0 {
		return steps
	}

	// Line-split fallback: anything non-empty inside the tags.
	for _, line := range strings.Split(m[1], "\n") {
		if t := strings.TrimSpace(line); t != "" {
			steps = append(steps, t)
		}
	}
	return steps
}

// buildPlannerPrompt is the planner's system context: scout, then emit the
// plan in tags.
func buildPlannerPrompt(reg *tools.Registry) string {
	var sections []string

	sections = append(sections, "You are a planning assistant. Break the user's request into a short ordered plan of concrete steps. Investigate first when it helps: list directories, read files, search. Do not execute the task itself.")

	// The scout gets the compact tool listing, not the full schema; its
	// calls are simple and its context is thrown away after planning.
	if reg != nil && reg.Count() > 0 {
		sections = append(sections, strings.TrimRight(reg.Summary(), "\n"))
		sections = append(sections, buildProtocolSection())
	}

	var lines []string
	lines = append(lines, "## Plan Format")
	lines = append(lines, "When you are ready, reply with only the plan, wrapped in literal <plan></plan> tags, as a numbered list:")
	lines = append(lines, "<plan>")
	lines = append(lines, "1. First step")
	lines = append(lines, "2. Second step")
	lines = append(lines, "</plan>")
	lines = append(lines, "Keep it to at most ten steps.")
	sections = append(sections, strings.Join(lines, "\n"))

	return strings.Join(sections, "\n\n")
}
