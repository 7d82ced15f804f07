package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/loopworks/relay/internal/tools"
)

// registerDemoTools installs the built-in demonstration tools. They give a
// fresh install something real to exercise the loop with; deployments
// register their own tools alongside (or over) these.
func registerDemoTools(r *tools.Registry) {
	r.Register(tools.Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a named timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. 'Europe/Amsterdam'. Defaults to the server's zone.",
				},
			},
		},
		Handler: currentTimeHandler,
	})

	r.Register(tools.Tool{
		Name:        "wait",
		Description: "Pause for a number of seconds before continuing. Useful when something needs time before the next check.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{
					"type":        "number",
					"description": "How long to wait, in seconds (max 300).",
				},
			},
			"required": []string{"seconds"},
		},
		// Budget above the cap so the cap decides, not the dispatcher.
		Timeout: 310 * time.Second,
		Handler: waitHandler,
	})

	r.Register(tools.Tool{
		Name:        "json_query",
		Description: "Query and transform inline JSON using jq syntax.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "jq filter expression, e.g. '.items[] | .name'.",
				},
				"input": map[string]any{
					"type":        "string",
					"description": "The JSON document to query, as a string.",
				},
				"raw": map[string]any{
					"type":        "boolean",
					"description": "Output raw strings without JSON encoding (like jq -r). Default: false.",
				},
			},
			"required": []string{"query", "input"},
		},
		Handler: jsonQueryHandler,
	})
}

func currentTimeHandler(ctx context.Context, args map[string]any) (any, error) {
	loc := time.Local
	if name, _ := args["timezone"].(string); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", name)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return fmt.Sprintf("%s (%s)",
		now.Format("Monday, 2 January 2006 15:04:05 MST"),
		now.Format(time.RFC3339)), nil
}

func waitHandler(ctx context.Context, args map[string]any) (any, error) {
	secs, ok := numberArg(args, "seconds")
	if !ok || secs <= 0 {
		return nil, fmt.Errorf("seconds must be a positive number")
	}
	if secs > 300 {
		return nil, fmt.Errorf("refusing to wait longer than 300 seconds")
	}

	d := time.Duration(secs * float64(time.Second))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return fmt.Sprintf("Waited %s.", d), nil
}

func jsonQueryHandler(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	input, _ := args["input"].(string)
	if input == "" {
		return nil, fmt.Errorf("input is required")
	}
	raw, _ := args["raw"].(bool)

	var data any
	if err := json.Unmarshal([]byte(input), &data); err != nil {
		return nil, fmt.Errorf("invalid JSON input: %w", err)
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}

	var lines []string
	iter := parsed.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq: %w", qerr)
		}
		line, err := formatJQValue(v, raw)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return "(no results)", nil
	}
	return strings.Join(lines, "\n"), nil
}

// formatJQValue encodes one jq result. With raw set, strings pass through
// unquoted the way jq -r prints them.
func formatJQValue(v any, raw bool) (string, error) {
	if raw {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cannot encode result: %w", err)
	}
	return string(b), nil
}

// numberArg reads a numeric argument, accepting the string form models
// sometimes produce.
func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
