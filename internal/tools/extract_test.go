package tools

import (
	"reflect"
	"strings"
	"testing"
)

func TestStripThink(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantStripped string
		wantThinking string
	}{
		{"no think span", "plain answer", "plain answer", ""},
		{"single span", "<think>hmm</think>final", "final", "hmm"},
		{"span mid-text", "a <think>x</think> b", "a  b", "x"},
		{"multiple spans", "<think>one</think>mid<think>two</think>end", "midend", "onetwo"},
		{"unterminated span", "before<think>never closed", "before", "never closed"},
		{"empty span", "<think></think>answer", "answer", ""},
		{"only think", "<think>all reasoning</think>", "", "all reasoning"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stripped, thinking := StripThink(tt.input)
			if stripped != tt.wantStripped {
				t.Errorf("StripThink(%q) stripped = %q, want %q", tt.input, stripped, tt.wantStripped)
			}
			if thinking != tt.wantThinking {
				t.Errorf("StripThink(%q) thinking = %q, want %q", tt.input, thinking, tt.wantThinking)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	known := func(name string) bool {
		return name == "web_search" || name == "read_file"
	}

	tests := []struct {
		name     string
		raw      string
		wantName string
		wantArgs map[string]any
		wantOK   bool
	}{
		{
			"canonical tool args",
			`{"tool": "shell", "args": {"command": "ls"}}`,
			"shell", map[string]any{"command": "ls"}, true,
		},
		{
			"tool with inline keys",
			`{"tool": "wait", "seconds": 5}`,
			"wait", map[string]any{"seconds": float64(5)}, true,
		},
		{
			"tool with prose around it",
			`I will now list files. {"tool": "shell", "args": {"command": "ls"}} Done.`,
			"shell", map[string]any{"command": "ls"}, true,
		},
		{
			"react action",
			`{"action": "calculator", "action_input": {"expr": "2+2"}}`,
			"calculator", map[string]any{"expr": "2+2"}, true,
		},
		{
			"react action string input",
			`{"action": "calculator", "action_input": "2+2"}`,
			"calculator", map[string]any{"input": "2+2"}, true,
		},
		{
			"react action json string input",
			`{"action": "calculator", "action_input": "{\"expr\": \"2+2\"}"}`,
			"calculator", map[string]any{"expr": "2+2"}, true,
		},
		{
			"name parameters registered",
			`{"name": "web_search", "parameters": {"query": "go"}}`,
			"web_search", map[string]any{"query": "go"}, true,
		},
		{
			"name parameters unregistered rejected",
			`{"name": "Bob", "parameters": {"query": "go"}}`,
			"", nil, false,
		},
		{
			"name without parameters registered",
			`{"name": "read_file"}`,
			"read_file", map[string]any{}, true,
		},
		{
			"function string with string arguments",
			`{"function": "shell", "arguments": "{\"command\": \"pwd\"}"}`,
			"shell", map[string]any{"command": "pwd"}, true,
		},
		{
			"function nested native form",
			`{"function": {"name": "shell", "arguments": "{\"command\": \"pwd\"}"}}`,
			"shell", map[string]any{"command": "pwd"}, true,
		},
		{
			"fenced block preferred over loose json",
			"{\"noise\": 1}\n```json\n{\"tool\": \"shell\", \"args\": {\"command\": \"id\"}}\n```",
			"shell", map[string]any{"command": "id"}, true,
		},
		{
			"fence without language tag",
			"```\n{\"tool\": \"wait\", \"args\": {\"seconds\": 1}}\n```",
			"wait", map[string]any{"seconds": float64(1)}, true,
		},
		{
			"think span hides call",
			`<think>{"tool": "shell", "args": {}}</think>The answer is 4.`,
			"", nil, false,
		},
		{
			"call after think span",
			`<think>planning</think>{"tool": "wait", "args": {"seconds": 2}}`,
			"wait", map[string]any{"seconds": float64(2)}, true,
		},
		{
			"nested call inside wrapper object",
			`{"response": {"tool": "shell", "args": {"command": "ls"}}}`,
			"shell", map[string]any{"command": "ls"}, true,
		},
		{
			"malformed then valid candidate",
			`{"tool": "broken {"tool": "wait", "args": {"seconds": 3}}`,
			"wait", map[string]any{"seconds": float64(3)}, true,
		},
		{"plain text", "The answer is 4.", "", nil, false},
		{"empty input", "", "", nil, false},
		{"unbalanced brace only", `{"tool": "shell"`, "", nil, false},
		{"json without call shape", `{"answer": 42, "unit": "none"}`, "", nil, false},
		{
			"brace inside string honored",
			`{"tool": "echo", "args": {"text": "a } b { c"}}`,
			"echo", map[string]any{"text": "a } b { c"}, true,
		},
		{
			"escaped quote inside string",
			`{"tool": "echo", "args": {"text": "say \"hi\""}}`,
			"echo", map[string]any{"text": `say "hi"`}, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, ok := Extract(tt.raw, known)
			if ok != tt.wantOK {
				t.Fatalf("Extract(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if name != tt.wantName {
				t.Errorf("Extract(%q) name = %q, want %q", tt.raw, name, tt.wantName)
			}
			if tt.wantOK && !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("Extract(%q) args = %#v, want %#v", tt.raw, args, tt.wantArgs)
			}
		})
	}
}

func TestExtractNilKnown(t *testing.T) {
	// The generic {name, parameters} shape must stay rejected without a
	// lookup, while explicit shapes keep working.
	if _, _, ok := Extract(`{"name": "web_search", "parameters": {}}`, nil); ok {
		t.Error("Extract with nil known accepted a {name, parameters} call")
	}
	name, _, ok := Extract(`{"tool": "shell", "args": {}}`, nil)
	if !ok || name != "shell" {
		t.Errorf("Extract with nil known = (%q, %v), want (shell, true)", name, ok)
	}
}

func TestExtractLargeInputNoPanic(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 2000; i++ {
		sb.WriteString(`{"deep": `)
	}
	sb.WriteString(`{"tool": "wait", "args": {"seconds": 1}}`)
	// Unbalanced on purpose; the scan must survive it.
	name, _, ok := Extract(sb.String(), nil)
	if !ok || name != "wait" {
		t.Errorf("Extract(deeply nested) = (%q, %v), want (wait, true)", name, ok)
	}
}

func TestFencedBlocks(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"no fences", "plain", nil},
		{"single fence", "```\nbody\n```", []string{"body\n"}},
		{"json tag dropped", "```json\n{\"a\":1}\n```", []string{"{\"a\":1}\n"}},
		{"unterminated fence ignored", "```json\n{\"a\":1}", nil},
		{"two fences", "```\none\n```mid```\ntwo\n```", []string{"one\n", "two\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fencedBlocks(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("fencedBlocks(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}
