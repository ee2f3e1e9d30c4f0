// Package retry wraps fallible operations with bounded retries, exponential
// backoff with jitter, and per-key circuit breaking.
//
// The backoff schedule comes from cenkalti/backoff; the breaker from
// sony/gobreaker. Classification of transient vs permanent failures is a
// substring match against a configurable pattern table (see classify.go).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds one operation's retry behavior.
//
// Delay before retry n (0-indexed) is min(BaseDelay*Multiplier^n, MaxDelay),
// jittered uniformly by ±Jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     float64 // 0.2 = ±20%

	// Patterns overrides DefaultRetryablePatterns when non-nil.
	Patterns []string
}

// DefaultPolicy mirrors the engine-wide defaults applied when a task does not
// provide overrides.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   15 * time.Second,
		Jitter:     0.2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter <= 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = p.Jitter
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0 // attempts are bounded by MaxRetries, not wall time
	bo.Reset()
	return bo
}

// DelayFor returns the jittered backoff delay preceding retry n (0-indexed).
// Used by callers that re-queue instead of blocking a worker on the wait.
func (p Policy) DelayFor(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	// Uniform jitter in [1-j, 1+j].
	d *= 1 + (rand.Float64()*2-1)*p.Jitter
	if d < 0 {
		d = 0
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Operation is any fallible unit of work.
type Operation[T any] func(ctx context.Context) (T, error)

// Run executes op up to MaxRetries+1 times.
//
// Before each retry the most recent failure is classified against the policy's
// retryable patterns; a non-matching error aborts immediately without further
// attempts. When all attempts are consumed, Run returns *ExhaustedError
// carrying the attempt history and last underlying error.
func Run[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()
	bo := p.newBackOff()

	var attempts []Attempt
	maxAttempts := p.MaxRetries + 1
	for n := 0; n < maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}

		rec := Attempt{N: n + 1, Err: err.Error(), At: time.Now()}
		if !Retryable(err, p.Patterns) {
			// Permanent: surface the underlying error untouched.
			var nr noRetryError
			if errors.As(err, &nr) {
				err = nr.err
			}
			return zero, err
		}
		if n == maxAttempts-1 {
			attempts = append(attempts, rec)
			return zero, &ExhaustedError{Attempts: attempts, LastErr: err}
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay < 0 {
			delay = p.MaxDelay
		}
		rec.Delay = delay
		attempts = append(attempts, rec)

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return zero, ctx.Err()
		case <-tmr.C:
		}
	}
	// Unreachable: the loop always returns.
	return zero, nil
}
