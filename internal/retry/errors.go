package retry

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without invoking
// the operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// NoRetry marks an error as non-retryable.
//
// Callers can wrap validation errors or other permanent failures with NoRetry
// so the policy won't waste attempts.
//
// Example:
//
//	return retry.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Attempt records one failed invocation inside Run.
type Attempt struct {
	N     int           `json:"n"`
	Err   string        `json:"err"`
	Delay time.Duration `json:"delay"`
	At    time.Time     `json:"at"`
}

// ExhaustedError is returned when every attempt allowed by the policy failed.
// It carries the full attempt history and the last underlying error.
type ExhaustedError struct {
	Attempts []Attempt
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", len(e.Attempts), e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// IsExhausted reports whether err is a retry-exhaustion failure.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
