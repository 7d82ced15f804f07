package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/loopworks/relay/internal/session"
	"github.com/loopworks/relay/internal/tools"
)

func TestBuildSystemPromptBare(t *testing.T) {
	now := func() time.Time { return time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC) }
	got := BuildSystemPrompt(PromptParams{Now: now})

	if !strings.HasPrefix(got, "You are a capable assistant") {
		t.Errorf("prompt does not open with the default identity: %q", got)
	}
	for _, absent := range []string{"## Tooling", "## Tool Call Protocol", "## Current Plan"} {
		if strings.Contains(got, absent) {
			t.Errorf("bare prompt contains %q", absent)
		}
	}
	if !strings.Contains(got, "Current time: 2025-03-01 14:30:00 UTC") {
		t.Errorf("time section wrong:\n%s", got)
	}
	if !strings.Contains(got, "Day of week: Saturday") {
		t.Errorf("day-of-week line wrong:\n%s", got)
	}
}

func TestBuildSystemPromptWithRegistry(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{Name: "current_time", Description: "Tells the time."})

	got := BuildSystemPrompt(PromptParams{Registry: reg})
	for _, want := range []string{
		"## Tooling",
		"## Tool Call Protocol",
		"## Examples",
		`"current_time"`,
		`{"tool": "<name>", "args": {<arguments>}}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// Empty registries drop the tooling sections entirely.
	bare := BuildSystemPrompt(PromptParams{Registry: tools.NewRegistry()})
	if strings.Contains(bare, "## Tooling") {
		t.Error("empty registry still rendered a tooling section")
	}
}

func TestBuildSystemPromptPersonality(t *testing.T) {
	got := BuildSystemPrompt(PromptParams{Personality: "You are Marvin, a gloomy but precise android."})
	if !strings.HasPrefix(got, "You are Marvin") {
		t.Errorf("prompt does not open with the personality: %q", got)
	}
	if strings.Contains(got, "capable assistant") {
		t.Error("default identity rendered alongside the personality")
	}
}

func TestBuildSystemPromptPlanSection(t *testing.T) {
	plan := &session.Plan{
		Steps:         []string{"Survey the inputs", "Write the report"},
		CurrentStep:   1,
		OriginalQuery: "monthly report",
	}
	got := BuildSystemPrompt(PromptParams{Plan: plan})

	if !strings.Contains(got, "## Current Plan") {
		t.Fatal("plan section missing")
	}
	if !strings.Contains(got, "Goal: monthly report") {
		t.Error("goal line missing")
	}
	if !strings.Contains(got, "  1. Survey the inputs") {
		t.Error("completed step not rendered unmarked")
	}
	if !strings.Contains(got, "→ 2. Write the report") {
		t.Error("current step not marked")
	}

	if strings.Contains(BuildSystemPrompt(PromptParams{Plan: &session.Plan{}}), "## Current Plan") {
		t.Error("empty plan rendered a plan section")
	}
}

func TestBuildSystemPromptSectionOrder(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{Name: "probe", Description: "Checks one endpoint."})
	got := BuildSystemPrompt(PromptParams{
		Registry: reg,
		Plan:     &session.Plan{Steps: []string{"only step"}},
	})

	order := []string{"## Tooling", "## Tool Call Protocol", "## Examples", "## Current Plan", "## Current Date & Time"}
	prev := -1
	for _, header := range order {
		idx := strings.Index(got, header)
		if idx < 0 {
			t.Fatalf("prompt missing %q", header)
		}
		if idx < prev {
			t.Errorf("%q appears out of order", header)
		}
		prev = idx
	}
}
