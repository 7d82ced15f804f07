package tools

import (
	"encoding/json"
	"strings"
)

// Extract pulls a tool invocation out of raw model output. Reasoning spans
// are stripped, fenced code blocks are tried before the full text, and
// every balanced {...} substring is parsed and matched against the accepted
// call shapes. known reports whether a tool name is registered; it gates
// the generic {name, parameters} shape only. Malformed candidates are
// skipped; the function never panics.
func Extract(raw string, known func(string) bool) (string, map[string]any, bool) {
	text, _ := StripThink(raw)

	for _, block := range fencedBlocks(text) {
		if name, args, ok := scanCandidates(block, known); ok {
			return name, args, true
		}
	}

	return scanCandidates(text, known)
}

// StripThink removes <think>...</think> spans and returns the cleaned text
// plus the concatenated reasoning. An unterminated <think> swallows the
// rest of the string, which matches how local models truncate mid-thought.
func StripThink(s string) (stripped, thinking string) {
	const open, close = "<think>", "</think>"

	var out, thought strings.Builder
	for {
		start := strings.Index(s, open)
		if start < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:start])
		rest := s[start+len(open):]

		end := strings.Index(rest, close)
		if end < 0 {
			thought.WriteString(rest)
			break
		}
		thought.WriteString(rest[:end])
		s = rest[end+len(close):]
	}

	return strings.TrimSpace(out.String()), strings.TrimSpace(thought.String())
}

// fencedBlocks returns the contents of ``` fences, language tags dropped.
func fencedBlocks(s string) []string {
	var blocks []string
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			break
		}
		rest := s[start+3:]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		block := rest[:end]
		// Drop a language tag like "json" (or the empty remainder of the
		// opening line) so candidates start clean.
		if nl := strings.IndexByte(block, '\n'); nl >= 0 {
			if !strings.ContainsAny(block[:nl], "{}") {
				block = block[nl+1:]
			}
		}
		blocks = append(blocks, block)
		s = rest[end+3:]
	}
	return blocks
}

// scanCandidates enumerates balanced {...} substrings in start order
// (outer objects before the objects nested in them) and returns the first
// that parses and matches a call shape.
func scanCandidates(s string, known func(string) bool) (string, map[string]any, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(s[i:end+1]), &obj); err != nil {
			continue
		}
		if name, args, ok := matchCallShape(obj, known); ok {
			return name, args, true
		}
	}
	return "", nil, false
}

// matchBrace returns the index of the brace closing the object opened at
// start, or -1. String contents and escapes are honored.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if c == '{' {
			depth++
		} else if c == '}' {
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// matchCallShape tries the accepted tool-call shapes in a fixed order:
//
//  1. {"tool": name, "args": {...}}. Args absent means the remaining
//     keys are the arguments.
//  2. {"action": name, "action_input": {...}}. String input is
//     re-parsed, or wrapped as {"input": s} when it is not JSON.
//  3. {"name": name, "parameters": {...}}. Only for registered names;
//     the shape is too generic to accept unchecked.
//  4. {"function": name-or-object, "arguments": {...}}. Native
//     tool_calls echo; string arguments are re-parsed.
func matchCallShape(obj map[string]any, known func(string) bool) (string, map[string]any, bool) {
	if name, ok := stringKey(obj, "tool"); ok {
		if args, ok := mapKey(obj, "args"); ok {
			return name, args, true
		}
		args := make(map[string]any, len(obj)-1)
		for k, v := range obj {
			if k != "tool" {
				args[k] = v
			}
		}
		return name, args, true
	}

	if name, ok := stringKey(obj, "action"); ok {
		if raw, present := obj["action_input"]; present {
			return name, coerceArgs(raw, "input"), true
		}
	}

	if name, ok := stringKey(obj, "name"); ok && known != nil && known(name) {
		if args, ok := mapKey(obj, "parameters"); ok {
			return name, args, true
		}
		if _, present := obj["parameters"]; !present {
			return name, map[string]any{}, true
		}
	}

	if fn, present := obj["function"]; present {
		switch f := fn.(type) {
		case string:
			if f != "" {
				return f, coerceArgs(obj["arguments"], "value"), true
			}
		case map[string]any:
			if name, ok := stringKey(f, "name"); ok {
				return name, coerceArgs(f["arguments"], "value"), true
			}
		}
	}

	return "", nil, false
}

// coerceArgs normalizes an arguments value into a mapping. Strings are
// re-parsed as JSON; non-object values are wrapped under wrapKey.
func coerceArgs(raw any, wrapKey string) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed
		}
		return map[string]any{wrapKey: v}
	default:
		return map[string]any{wrapKey: v}
	}
}

func stringKey(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func mapKey(obj map[string]any, key string) (map[string]any, bool) {
	v, ok := obj[key].(map[string]any)
	return v, ok
}
