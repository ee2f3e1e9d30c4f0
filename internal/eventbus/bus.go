// Package eventbus provides the in-process pub/sub channel the core
// components use to signal lifecycle changes without referencing each
// other directly.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types emitted by the core. Consumers should treat unknown
// types as forward-compatible noise.
const (
	TypeTaskQueued    = "task.queued"
	TypeTaskStarted   = "task.started"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskCancelled = "task.cancelled"
	TypeScheduleFired = "schedule.fired"
	TypeScaled        = "scaled"
	TypeCircuitOpen   = "circuit.open"
	TypeCircuitClosed = "circuit.closed"
	TypeLogRecord     = "log.record"
)

// Event is a small in-memory notification. Data should be cheap to copy and
// JSON-serializable so sinks such as the persistence loop can store it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines; delivery happens on
// the publisher's stack.
func New() Bus {
	return &fanout{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type fanout struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Sends happen under the read lock. Unsubscribe takes the write lock
	// before closing its channel, so a send can never hit a closed channel.
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			s.closed = true
			for i, cur := range f.subs {
				if cur == s {
					f.subs = append(f.subs[:i], f.subs[i+1:]...)
					break
				}
			}
			close(s.ch)
			f.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (f *fanout) Dropped() uint64 { return f.dropped.Load() }
