// Package queue implements the priority-ordered, dependency-gated task queue:
// admission control, bounded concurrency, sliding-window rate limiting, and
// the retry-on-failure loop for dispatched tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/eventbus"
	logx "conductor/pkg/logx"
)

// ExecuteFunc hands a dispatched task to a worker. It receives a snapshot of
// the task; mutations to the snapshot are not observed by the queue.
type ExecuteFunc func(ctx context.Context, t Task) (any, error)

type Queue struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	exec ExecuteFunc

	pending []*Task          // priority order, FIFO within equal priority
	tasks   map[string]*Task // pending + running
	running map[string]*Task
	// notBefore delays a re-queued task's eligibility (retry backoff).
	notBefore map[string]time.Time

	history  []*Task // terminal ring, oldest first
	terminal map[string]Status

	waiters map[string][]chan Task

	// Sliding window of dispatch timestamps for the rate limit.
	dispatches []time.Time

	waitTotal  time.Duration
	waitCount  uint64
	dispatched uint64
	completed  uint64
	failed     uint64

	kick    chan struct{}
	stopped bool
}

func New(cfg Config, exec ExecuteFunc, log logx.Logger, bus eventbus.Bus) *Queue {
	return &Queue{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		exec:      exec,
		tasks:     make(map[string]*Task),
		running:   make(map[string]*Task),
		notBefore: make(map[string]time.Time),
		terminal:  make(map[string]Status),
		waiters:   make(map[string][]chan Task),
		kick:      make(chan struct{}, 1),
	}
}

// Apply swaps queue limits at runtime. Structural settings (history, retry
// policy) take effect on the next dispatch decision.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
	q.kickDispatch()
}

// Enqueue admits a task into the pending sequence at its priority position.
// Equal-priority tasks keep FIFO order.
func (q *Queue) Enqueue(payload any, opt Options) (Task, error) {
	now := time.Now()
	t := &Task{
		ID:           uuid.NewString(),
		Payload:      payload,
		Priority:     opt.Priority,
		Dependencies: append([]string(nil), opt.Dependencies...),
		Status:       StatusQueued,
		MaxRetries:   opt.MaxRetries,
		Timeout:      opt.Timeout,
		CreatedAt:    now,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return Task{}, ErrStopped
	}
	cfg := q.cfg
	if t.MaxRetries == 0 {
		t.MaxRetries = cfg.DefaultMaxRetries
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	if t.Timeout <= 0 {
		t.Timeout = cfg.DefaultTimeout
	}
	if len(q.pending) >= cfg.MaxSize {
		q.mu.Unlock()
		return Task{}, ErrQueueFull
	}
	for _, dep := range t.Dependencies {
		if _, live := q.tasks[dep]; live {
			continue
		}
		if _, done := q.terminal[dep]; done {
			continue
		}
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
	}
	q.insertLocked(t)
	q.tasks[t.ID] = t
	snap := t.clone()
	q.mu.Unlock()

	q.publish(eventbus.TypeTaskQueued, TaskEvent{ID: snap.ID, Status: snap.Status, Priority: snap.Priority})
	q.log.Debug("task queued", logx.String("id", snap.ID), logx.String("priority", snap.Priority.String()), logx.Int("deps", len(snap.Dependencies)))
	q.kickDispatch()
	return snap, nil
}

// insertLocked places t before the first pending entry with strictly lower
// priority (higher value), preserving FIFO among equals.
func (q *Queue) insertLocked(t *Task) {
	i := len(q.pending)
	for j, p := range q.pending {
		if p.Priority > t.Priority {
			i = j
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = t
}

// Cancel removes a still-pending task. It returns false if the task is
// already running, terminal, or unknown.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.Status == StatusRunning {
		q.mu.Unlock()
		return false
	}
	q.removePendingLocked(id)
	t.Status = StatusCancelled
	t.CompletedAt = time.Now()
	q.finishLocked(t)
	snap := t.clone()
	q.mu.Unlock()

	q.publish(eventbus.TypeTaskCancelled, TaskEvent{ID: snap.ID, Status: StatusCancelled, Priority: snap.Priority})
	q.log.Debug("task cancelled", logx.String("id", id))
	q.kickDispatch()
	return true
}

// Get returns a snapshot of a known task (pending, running, or retained in
// history).
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		return t.clone(), true
	}
	for _, h := range q.history {
		if h.ID == id {
			return h.clone(), true
		}
	}
	return Task{}, false
}

// Await blocks until the task reaches a terminal state and returns its final
// snapshot. A failed task is returned alongside an error carrying its message.
func (q *Queue) Await(ctx context.Context, id string) (Task, error) {
	q.mu.Lock()
	if t, ok := q.tasks[id]; ok && t.Status.Terminal() {
		snap := t.clone()
		q.mu.Unlock()
		return snap, terminalErr(snap)
	}
	if _, ok := q.tasks[id]; !ok {
		for _, h := range q.history {
			if h.ID == id {
				snap := h.clone()
				q.mu.Unlock()
				return snap, terminalErr(snap)
			}
		}
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	ch := make(chan Task, 1)
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case snap := <-ch:
		return snap, terminalErr(snap)
	}
}

func terminalErr(t Task) error {
	if t.Status == StatusFailed {
		return errors.New(t.Error)
	}
	if t.Status == StatusCancelled {
		return fmt.Errorf("task %s cancelled", t.ID)
	}
	return nil
}

func (q *Queue) removePendingLocked(id string) {
	for i, p := range q.pending {
		if p.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// finishLocked moves a terminal task into the bounded history ring and wakes
// its waiters. Callers hold q.mu.
func (q *Queue) finishLocked(t *Task) {
	delete(q.tasks, t.ID)
	delete(q.running, t.ID)
	delete(q.notBefore, t.ID)
	q.terminal[t.ID] = t.Status

	q.history = append(q.history, t)
	if n := q.cfg.HistorySize; len(q.history) > n {
		for _, old := range q.history[:len(q.history)-n] {
			delete(q.terminal, old.ID)
		}
		q.history = q.history[len(q.history)-n:]
	}

	if ws := q.waiters[t.ID]; len(ws) > 0 {
		snap := t.clone()
		for _, ch := range ws {
			ch <- snap
		}
		delete(q.waiters, t.ID)
	}
}

// Stats returns the queue's current metrics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	waiting := 0
	for _, p := range q.pending {
		if p.Status == StatusWaiting {
			waiting++
		}
	}
	var avg time.Duration
	if q.waitCount > 0 {
		avg = q.waitTotal / time.Duration(q.waitCount)
	}
	return Stats{
		QueueDepth:  len(q.pending),
		Running:     len(q.running),
		Waiting:     waiting,
		AvgWaitTime: avg,
		Dispatched:  q.dispatched,
		Completed:   q.completed,
		Failed:      q.failed,
	}
}

// Snapshot returns a diagnostics view including a copy of the terminal
// history (oldest first).
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	hist := make([]Task, 0, len(q.history))
	for _, h := range q.history {
		hist = append(hist, h.clone())
	}
	return Snapshot{
		Enabled:       q.cfg.Enabled,
		MaxConcurrent: q.cfg.MaxConcurrent,
		MaxSize:       q.cfg.MaxSize,
		Stats:         q.statsLocked(),
		History:       hist,
	}
}

func (q *Queue) publish(typ string, ev TaskEvent) {
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (q *Queue) kickDispatch() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}
