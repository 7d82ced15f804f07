package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/loopworks/relay/internal/session"
	"github.com/loopworks/relay/internal/tools"
)

// PromptParams contains parameters for building the system prompt
type PromptParams struct {
	Personality string           // custom identity text, optional
	Registry    *tools.Registry  // nil or empty registry drops the tooling sections
	Plan        *session.Plan    // active plan, optional
	Now         func() time.Time // test hook; nil means time.Now
}

// BuildSystemPrompt assembles the system prompt from the identity, tooling,
// protocol, plan, and time sections. Empty sections are dropped.
func BuildSystemPrompt(params PromptParams) string {
	var sections []string

	sections = append(sections, buildIdentitySection(params.Personality))

	if params.Registry != nil && params.Registry.Count() > 0 {
		sections = append(sections, buildToolingSection(params.Registry))
		sections = append(sections, buildProtocolSection())
		sections = append(sections, buildExamplesSection())
	}

	if params.Plan != nil && len(params.Plan.Steps) > 0 {
		sections = append(sections, buildPlanSection(params.Plan))
	}

	now := time.Now
	if params.Now != nil {
		now = params.Now
	}
	sections = append(sections, buildTimeSection(now()))

	var nonEmpty []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func buildIdentitySection(personality string) string {
	if strings.TrimSpace(personality) != "" {
		return strings.TrimSpace(personality)
	}
	return "You are a capable assistant that solves tasks step by step. You reason about the request, use the available tools when they help, and finish with a clear answer."
}

func buildToolingSection(reg *tools.Registry) string {
	var lines []string
	lines = append(lines, "## Tooling")
	lines = append(lines, "You have the following tools. Tool names are case-sensitive; call them exactly as listed.")
	lines = append(lines, "")
	lines = append(lines, reg.SchemaJSON())
	return strings.Join(lines, "\n")
}

func buildProtocolSection() string {
	var lines []string
	lines = append(lines, "## Tool Call Protocol")
	lines = append(lines, `To call a tool, respond with a single JSON object and nothing else: {"tool": "<name>", "args": {<arguments>}}`)
	lines = append(lines, "One tool call per message. The result arrives in the next message; read it before deciding your next step.")
	lines = append(lines, "Never repeat a call you already made with the same arguments; you already have its result.")
	lines = append(lines, "Keep tool chains short. If you have used around ten calls, stop and answer with what you have.")
	lines = append(lines, "When you have enough information, reply with your final answer as plain text. Do not wrap the final answer in JSON.")
	return strings.Join(lines, "\n")
}

func buildExamplesSection() string {
	var lines []string
	lines = append(lines, "## Examples")
	lines = append(lines, "Calling a tool:")
	lines = append(lines, `{"tool": "current_time", "args": {}}`)
	lines = append(lines, "")
	lines = append(lines, "Giving a final answer:")
	lines = append(lines, "It is 14:32 on Tuesday, so the shops are still open.")
	return strings.Join(lines, "\n")
}

// buildPlanSection renders the active plan with the current step marked so
// the model keeps its place across turns.
func buildPlanSection(plan *session.Plan) string {
	var lines []string
	lines = append(lines, "## Current Plan")
	if plan.OriginalQuery != "" {
		lines = append(lines, fmt.Sprintf("Goal: %s", plan.OriginalQuery))
	}
	for i, step := range plan.Steps {
		marker := "  "
		if i == plan.CurrentStep {
			marker = "→ "
		}
		lines = append(lines, fmt.Sprintf("%s%d. %s", marker, i+1, step))
	}
	lines = append(lines, "Work through the steps in order and keep your progress aligned with the plan.")
	return strings.Join(lines, "\n")
}

func buildTimeSection(now time.Time) string {
	var lines []string
	lines = append(lines, "## Current Date & Time")
	lines = append(lines, fmt.Sprintf("Current time: %s", now.Format("2006-01-02 15:04:05 MST")))
	lines = append(lines, fmt.Sprintf("Day of week: %s", now.Format("Monday")))
	return strings.Join(lines, "\n")
}
