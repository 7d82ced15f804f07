// Package llm provides LLM provider adapters, error classification,
// provider health tracking, the fallback engine, and model selection.
package llm

import (
	"strings"
	"time"
)

// ErrorKind categorizes provider errors for retry, cooldown, and failover
// decisions. The set is closed; Classify never returns anything else.
type ErrorKind string

const (
	ErrRateLimit      ErrorKind = "RATE_LIMIT"
	ErrServerError    ErrorKind = "SERVER_ERROR"
	ErrTimeout        ErrorKind = "TIMEOUT"
	ErrAuth           ErrorKind = "AUTH_ERROR"
	ErrQuotaExhausted ErrorKind = "QUOTA_EXHAUSTED"
	ErrNetwork        ErrorKind = "NETWORK"
	ErrEmptyResponse  ErrorKind = "EMPTY_RESPONSE"
	ErrUnknown        ErrorKind = "UNKNOWN"
)

// Transient reports whether an error kind is worth retrying on the same
// provider. AUTH_ERROR and QUOTA_EXHAUSTED are permanent until a human
// intervenes (new key, paid bill).
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrRateLimit, ErrServerError, ErrTimeout, ErrNetwork, ErrEmptyResponse:
		return true
	}
	return false
}

// defaultCooldowns maps each error kind to the seconds a provider sits out
// after failing with it. Overridable via models.fallback_cooldowns.<kind>.
var defaultCooldowns = map[ErrorKind]int{
	ErrRateLimit:      60,
	ErrServerError:    30,
	ErrTimeout:        10,
	ErrAuth:           86400,
	ErrQuotaExhausted: 3600,
	ErrNetwork:        15,
	ErrEmptyResponse:  5,
	ErrUnknown:        10,
}

// CooldownFor returns the cooldown duration for an error kind, honoring
// config overrides (seconds keyed by kind name). Unknown kinds get the
// UNKNOWN default.
func CooldownFor(kind ErrorKind, overrides map[string]int) time.Duration {
	if overrides != nil {
		if secs, ok := overrides[string(kind)]; ok && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	secs, ok := defaultCooldowns[kind]
	if !ok {
		secs = defaultCooldowns[ErrUnknown]
	}
	return time.Duration(secs) * time.Second
}

// ClassifyError classifies a Go error. Nil errors classify as UNKNOWN;
// callers should not classify success paths.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrUnknown
	}
	return Classify(err.Error())
}

// Classify maps a raw provider error message (status codes, response body
// text, exception descriptions) to an ErrorKind. Matching is ordered so the
// most specific kind wins; all patterns are checked against a lowercased
// view of the message.
func Classify(msg string) ErrorKind {
	m := strings.ToLower(msg)

	switch {
	case isRateLimitMessage(m):
		return ErrRateLimit
	case isServerErrorMessage(m):
		return ErrServerError
	case isTimeoutMessage(m):
		return ErrTimeout
	case isAuthMessage(m):
		return ErrAuth
	case isQuotaMessage(m):
		return ErrQuotaExhausted
	case isNetworkMessage(m):
		return ErrNetwork
	case isEmptyResponseMessage(m):
		return ErrEmptyResponse
	}
	return ErrUnknown
}

// containsAny reports whether m contains any of the patterns.
// m must already be lowercased.
func containsAny(m string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

func isRateLimitMessage(m string) bool {
	return containsAny(m,
		"429",
		"rate limit",
		"rate_limit",
		"quota exceeded",
		"resource_exhausted",
		"too many requests",
	)
}

func isServerErrorMessage(m string) bool {
	return containsAny(m,
		"500",
		"502",
		"503",
		"service unavailable",
		"overloaded",
		"bad gateway",
		"internal server error",
	)
}

func isTimeoutMessage(m string) bool {
	return containsAny(m,
		"timed out",
		"timeout",
		"deadline exceeded",
	)
}

func isAuthMessage(m string) bool {
	return containsAny(m,
		"401",
		"403",
		"unauthorized",
		"forbidden",
		"invalid api key",
		"invalid x-api-key",
		"authentication",
	)
}

func isQuotaMessage(m string) bool {
	return containsAny(m,
		"402",
		"payment required",
		"billing",
		"insufficient credit",
		"insufficient funds",
		"credit balance",
	)
}

func isNetworkMessage(m string) bool {
	return containsAny(m,
		"connection refused",
		"connection reset",
		"reset by peer",
		"dns",
		"no such host",
		"ssl",
		"tls handshake",
		"broken pipe",
	)
}

func isEmptyResponseMessage(m string) bool {
	return containsAny(m,
		"empty response",
		"no content",
		"no candidates",
	)
}
