package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"conductor/internal/eventbus"
	logx "conductor/pkg/logx"
)

// BreakerConfig controls the per-key circuit breakers.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many consecutive failures
	// accumulate while closed.
	FailureThreshold uint32
	// SuccessThreshold closes a half-open breaker after this many consecutive
	// successes.
	SuccessThreshold uint32
	// Timeout is how long an open breaker rejects calls before allowing a
	// half-open probe through.
	Timeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// BreakerState is a point-in-time view of one key's breaker.
type BreakerState struct {
	Key                  string    `json:"key"`
	State                string    `json:"state"` // closed | open | half-open
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time,omitzero"`
}

type breakerEntry struct {
	cb *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
}

// Breakers manages one circuit breaker per resource key (e.g. a worker id),
// created lazily, never shared across keys.
type Breakers struct {
	cfg BreakerConfig
	log logx.Logger
	bus eventbus.Bus

	mu sync.Mutex
	m  map[string]*breakerEntry
}

func NewBreakers(cfg BreakerConfig, log logx.Logger, bus eventbus.Bus) *Breakers {
	return &Breakers{
		cfg: cfg.withDefaults(),
		log: log,
		bus: bus,
		m:   make(map[string]*breakerEntry),
	}
}

func (r *Breakers) entry(key string) *breakerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.m[key]; ok {
		return e
	}

	cfg := r.cfg
	e := &breakerEntry{}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0, // don't clear counts while closed
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if !r.log.IsZero() {
				r.log.Warn("circuit state changed", logx.String("key", name), logx.String("from", from.String()), logx.String("to", to.String()))
			}
			if r.bus == nil {
				return
			}
			switch to {
			case gobreaker.StateOpen:
				r.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitOpen, Data: name})
			case gobreaker.StateClosed:
				r.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitClosed, Data: name})
			}
		},
	})
	r.m[key] = e
	return e
}

// Do runs op through key's breaker. While the breaker is open, calls fail with
// ErrCircuitOpen and op is never invoked. A half-open probe that fails
// re-opens the breaker immediately.
func (r *Breakers) Do(key string, op func() (any, error)) (any, error) {
	e := r.entry(key)
	res, err := e.cb.Execute(op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, key)
		}
		e.mu.Lock()
		e.lastFailure = time.Now()
		e.mu.Unlock()
		return nil, err
	}
	return res, nil
}

// State returns the current breaker state for key. A key that has never been
// used reports a closed breaker with zero counts.
func (r *Breakers) State(key string) BreakerState {
	r.mu.Lock()
	e, ok := r.m[key]
	r.mu.Unlock()
	if !ok {
		return BreakerState{Key: key, State: "closed"}
	}

	counts := e.cb.Counts()
	e.mu.Lock()
	lastFailure := e.lastFailure
	e.mu.Unlock()

	return BreakerState{
		Key:                  key,
		State:                stateName(e.cb.State()),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		LastFailureTime:      lastFailure,
	}
}

// Snapshot returns the state of every breaker created so far.
func (r *Breakers) Snapshot() []BreakerState {
	r.mu.Lock()
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	out := make([]BreakerState, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.State(k))
	}
	return out
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
