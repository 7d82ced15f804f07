package llm

import (
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want ErrorKind
	}{
		{"status 429", "status 429: slow down", ErrRateLimit},
		{"rate limit text", "Rate limit exceeded, retry later", ErrRateLimit},
		{"rate_limit snake", "error code: rate_limit_exceeded", ErrRateLimit},
		{"gemini resource exhausted", "rpc error: RESOURCE_EXHAUSTED", ErrRateLimit},
		{"too many requests", "Too Many Requests", ErrRateLimit},

		{"status 500", "status 500: internal server error", ErrServerError},
		{"status 502", "status 502: upstream died", ErrServerError},
		{"status 503", "503 Service Unavailable", ErrServerError},
		{"anthropic overloaded", "overloaded_error: try again soon", ErrServerError},
		{"bad gateway text", "bad gateway from edge proxy", ErrServerError},

		{"timed out", "request timed out after 600s", ErrTimeout},
		{"deadline", "context deadline exceeded", ErrTimeout},

		{"status 401", "status 401: nope", ErrAuth},
		{"status 403", "status 403: forbidden", ErrAuth},
		{"invalid key", "invalid api key provided", ErrAuth},
		{"anthropic header", "invalid x-api-key", ErrAuth},
		{"auth word", "authentication failed", ErrAuth},

		{"status 402", "status 402: payment required", ErrQuotaExhausted},
		{"billing", "billing hard limit reached", ErrQuotaExhausted},
		{"credits", "your credit balance is too low", ErrQuotaExhausted},

		{"refused", "dial tcp 127.0.0.1:11434: connection refused", ErrNetwork},
		{"reset", "read: connection reset by peer", ErrNetwork},
		{"dns", "lookup api.example.com: no such host", ErrNetwork},
		{"tls", "tls handshake timeout", ErrTimeout}, // timeout wins, checked first
		{"broken pipe", "write: broken pipe", ErrNetwork},

		{"empty response", "openai: empty response (finishReason: stop)", ErrEmptyResponse},
		{"no candidates", "gemini: no candidates returned", ErrEmptyResponse},

		{"unknown", "something nobody has seen before", ErrUnknown},
		{"empty string", "", ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.msg); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestClassifyOrderRateLimitBeatsServerError(t *testing.T) {
	// A 429 body that also mentions "overloaded" must classify as the more
	// specific rate limit.
	got := Classify("status 429: server overloaded, too many requests")
	if got != ErrRateLimit {
		t.Errorf("Classify = %v, want %v", got, ErrRateLimit)
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(nil); got != ErrUnknown {
		t.Errorf("ClassifyError(nil) = %v, want %v", got, ErrUnknown)
	}
	if got := ClassifyError(errors.New("status 429")); got != ErrRateLimit {
		t.Errorf("ClassifyError(429) = %v, want %v", got, ErrRateLimit)
	}
}

func TestTransient(t *testing.T) {
	transient := []ErrorKind{ErrRateLimit, ErrServerError, ErrTimeout, ErrNetwork, ErrEmptyResponse}
	for _, k := range transient {
		if !k.Transient() {
			t.Errorf("%v.Transient() = false, want true", k)
		}
	}
	permanent := []ErrorKind{ErrAuth, ErrQuotaExhausted, ErrUnknown}
	for _, k := range permanent {
		if k.Transient() {
			t.Errorf("%v.Transient() = true, want false", k)
		}
	}
}

func TestCooldownFor(t *testing.T) {
	tests := []struct {
		name      string
		kind      ErrorKind
		overrides map[string]int
		want      time.Duration
	}{
		{"rate limit default", ErrRateLimit, nil, 60 * time.Second},
		{"server error default", ErrServerError, nil, 30 * time.Second},
		{"timeout default", ErrTimeout, nil, 10 * time.Second},
		{"auth default", ErrAuth, nil, 86400 * time.Second},
		{"quota default", ErrQuotaExhausted, nil, 3600 * time.Second},
		{"network default", ErrNetwork, nil, 15 * time.Second},
		{"empty default", ErrEmptyResponse, nil, 5 * time.Second},
		{"unknown default", ErrUnknown, nil, 10 * time.Second},
		{"unlisted kind falls back to unknown", ErrorKind("WEIRD"), nil, 10 * time.Second},
		{"override wins", ErrRateLimit, map[string]int{"RATE_LIMIT": 5}, 5 * time.Second},
		{"zero override ignored", ErrRateLimit, map[string]int{"RATE_LIMIT": 0}, 60 * time.Second},
		{"override for other kind ignored", ErrTimeout, map[string]int{"RATE_LIMIT": 5}, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CooldownFor(tt.kind, tt.overrides); got != tt.want {
				t.Errorf("CooldownFor(%v) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}
