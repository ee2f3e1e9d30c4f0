package retry

import (
	"context"
	"errors"
	"strings"
)

// DefaultRetryablePatterns matches the transient failure modes a worker is
// expected to surface: timeouts, dropped connections, a target (page/browser)
// going away mid-operation, and throttling.
//
// Matching is a case-insensitive substring test on the error text; explicit
// validation failures never match.
var DefaultRetryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"target closed",
	"temporarily unavailable",
	"too many requests",
	"rate limit",
	"econnreset",
	"broken pipe",
}

// Retryable classifies err against the given patterns (DefaultRetryablePatterns
// when nil). NoRetry-wrapped errors are always permanent; context.Canceled is
// never retryable.
func Retryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	if IsNoRetry(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A per-attempt timeout is transient: the operation may succeed given
	// another attempt.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if patterns == nil {
		patterns = DefaultRetryablePatterns
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Action is a suggested operator/caller response to a failure.
type Action string

const (
	ActionRetryWithDelay    Action = "retry-with-delay"
	ActionCaptureDiagnostic Action = "capture-diagnostic"
	ActionEscalate          Action = "escalate"
	ActionAbandon           Action = "abandon"
)

// SuggestRecoveryActions maps an error to a small ordered set of suggested
// actions. Advisory only: the policy's own retry behavior does not consult it.
func SuggestRecoveryActions(err error) []Action {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		return []Action{ActionEscalate, ActionAbandon}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return []Action{ActionAbandon}
	case Retryable(err, nil):
		return []Action{ActionRetryWithDelay, ActionCaptureDiagnostic}
	default:
		return []Action{ActionCaptureDiagnostic, ActionEscalate}
	}
}
