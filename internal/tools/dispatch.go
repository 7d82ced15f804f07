package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
)

// repeatAllowedStems marks tools that may run twice in a row with identical
// arguments: idempotent reads and queries, plus generators whose repetition
// is usually intentional. Matched as substrings of the normalized name.
var repeatAllowedStems = []string{
	"snapshot", "search", "read", "memory", "image", "imagine", "screenshot",
}

// RepeatAllowed reports whether the duplicate-call guard exempts a tool.
func RepeatAllowed(name string) bool {
	n := normalizeName(name)
	for _, stem := range repeatAllowedStems {
		if strings.Contains(n, stem) {
			return true
		}
	}
	return false
}

// Signature canonicalizes a call for the duplicate guard. encoding/json
// sorts map keys, so equal argument sets produce equal signatures
// regardless of extraction order.
func Signature(name string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		// Unmarshalable args cannot collide meaningfully; make it unique.
		data = []byte(fmt.Sprintf("%v@%d", args, time.Now().UnixNano()))
	}
	return name + "\x00" + string(data)
}

type handlerResult struct {
	value any
	err   error
}

// Dispatch runs a resolved tool under its effective timeout and shapes the
// result into an Observation. The handler runs in its own goroutine; on
// timeout its context is cancelled and the observation reports the timeout
// without waiting for the handler to notice.
func (r *Registry) Dispatch(ctx context.Context, t *Tool, args map[string]any) Observation {
	timeout := r.TimeoutFor(t.Name)

	done := MetricStartAuto("tools/" + t.Name)
	defer done()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- handlerResult{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		value, err := t.Handler(runCtx, args)
		resultCh <- handlerResult{value: value, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; report it as an error, not a tool fault.
			MetricFailWithReason("tools/dispatch", t.Name, "cancelled")
			return Observation{
				Text:   fmt.Sprintf("[Tool Error] %s: %v", t.Name, ctx.Err()),
				Failed: true,
			}
		}
		MetricFailWithReason("tools/dispatch", t.Name, "timeout")
		L_warn("tools: execution timed out", "tool", t.Name, "timeout", timeout)
		return Observation{
			Text:   fmt.Sprintf("[Tool Timeout] %s did not return within %s", t.Name, timeout),
			Failed: true,
		}

	case res := <-resultCh:
		if res.err != nil {
			// A handler that surfaces its deadline still counts as a
			// timeout, whichever select case won the race.
			if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
				MetricFailWithReason("tools/dispatch", t.Name, "timeout")
				L_warn("tools: execution timed out", "tool", t.Name, "timeout", timeout)
				return Observation{
					Text:   fmt.Sprintf("[Tool Timeout] %s did not return within %s", t.Name, timeout),
					Failed: true,
				}
			}
			MetricFail("tools/dispatch", t.Name)
			L_warn("tools: execution failed", "tool", t.Name, "error", res.err)
			return Observation{
				Text:   fmt.Sprintf("[Tool Error] %v", res.err),
				Failed: true,
			}
		}
		MetricSuccess("tools/dispatch", t.Name)
		return shapeResult(t.Name, res.value)
	}
}

// shapeResult converts a handler's return value into an observation.
// Maps carrying ImageSentinel become multimodal; other maps are serialized
// as JSON so structure survives the round trip through history.
func shapeResult(name string, value any) Observation {
	switch v := value.(type) {
	case nil:
		return Observation{Text: "(tool returned no output)"}

	case string:
		if strings.TrimSpace(v) == "" {
			return Observation{Text: "(tool returned no output)"}
		}
		return Observation{Text: v}

	case map[string]any:
		if b64, ok := v[ImageSentinel].(string); ok && b64 != "" {
			return imageObservation(name, v, b64)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return Observation{Text: fmt.Sprintf("%v", v)}
		}
		return Observation{Text: string(data)}

	default:
		return Observation{Text: fmt.Sprintf("%v", v)}
	}
}

// imageObservation builds a multimodal observation from a sentinel-carrying
// result map. The MIME type is taken from the map or sniffed from the
// decoded payload.
func imageObservation(name string, result map[string]any, b64 string) Observation {
	caption, _ := result["caption"].(string)
	if caption == "" {
		caption = fmt.Sprintf("Image produced by %s", name)
	}

	mime, _ := result["mime_type"].(string)
	if mime == "" {
		mime = sniffImageMime(b64)
	}

	MetricInc("tools/dispatch", "image_results")
	return Observation{Text: caption, ImageB64: b64, MimeType: mime}
}

// sniffImageMime detects the MIME type from the decoded payload head.
// Only the first KiB is decoded; magic numbers sit at the front.
func sniffImageMime(b64 string) string {
	head := strings.Join(strings.Fields(b64), "")
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = head[:len(head)/4*4]

	data, err := base64.StdEncoding.DecodeString(head)
	if err != nil || len(data) == 0 {
		return "image/png"
	}
	return mimetype.Detect(data).String()
}
