package queue

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/eventbus"
	"conductor/internal/retry"
	logx "conductor/pkg/logx"
)

// Run drives the dispatch loop until ctx is canceled. Dispatch decisions are
// made on a fixed tick and whenever enqueue/completion kicks the loop.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	tick := q.cfg.TickInterval
	q.mu.Unlock()

	t := time.NewTicker(tick)
	defer t.Stop()

	q.log.Info("queue dispatch started", logx.Duration("tick", tick))
	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.stopped = true
			q.mu.Unlock()
			q.log.Info("queue dispatch stopped")
			return nil
		case <-t.C:
		case <-q.kick:
		}
		q.dispatchReady(ctx)
	}
}

// dispatchReady moves ready tasks from pending to running while concurrency
// and rate budgets remain. Tasks whose dependencies are unmet are marked
// waiting and skipped so they never block tasks behind them.
func (q *Queue) dispatchReady(ctx context.Context) {
	for {
		q.mu.Lock()
		if !q.cfg.Enabled || len(q.running) >= q.cfg.MaxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		now := time.Now()
		if !q.rateAdmitLocked(now) {
			// Budget exhausted: block (retry next tick), never drop.
			q.mu.Unlock()
			return
		}

		t := q.pickLocked(now)
		if t == nil {
			q.mu.Unlock()
			return
		}

		q.removePendingLocked(t.ID)
		t.Status = StatusRunning
		t.StartedAt = now
		q.running[t.ID] = t
		q.waitTotal += now.Sub(t.CreatedAt)
		q.waitCount++
		q.dispatched++
		// The window only matters under a rate cap; without one the slice
		// would grow forever.
		if rl := q.cfg.RateLimit; rl.MaxPerMinute > 0 || rl.MaxPerHour > 0 {
			q.dispatches = append(q.dispatches, now)
		}
		snap := t.clone()
		q.mu.Unlock()

		q.publish(eventbus.TypeTaskStarted, TaskEvent{ID: snap.ID, Status: StatusRunning, Priority: snap.Priority, Attempts: snap.RetryCount})
		q.log.Debug("task started", logx.String("id", snap.ID), logx.String("priority", snap.Priority.String()), logx.Int("attempt", snap.RetryCount+1))

		go q.execute(ctx, snap)
	}
}

// pickLocked scans pending head-first for the first task that is eligible:
// past any retry backoff and with every dependency completed. Failed
// dependencies fail the dependent in place.
func (q *Queue) pickLocked(now time.Time) *Task {
	for i := 0; i < len(q.pending); i++ {
		t := q.pending[i]
		if nb, ok := q.notBefore[t.ID]; ok && now.Before(nb) {
			continue
		}
		switch q.depStateLocked(t) {
		case depsMet:
			if t.Status == StatusWaiting {
				t.Status = StatusQueued
			}
			return t
		case depsFailed:
			// The dependent can never run; fail it and cascade. The pending
			// slice shrank under us, so re-examine the same index.
			q.failDependentLocked(t, now)
			i--
		case depsPending:
			t.Status = StatusWaiting
		}
	}
	return nil
}

type depState int

const (
	depsMet depState = iota
	depsPending
	depsFailed
)

func (q *Queue) depStateLocked(t *Task) depState {
	for _, dep := range t.Dependencies {
		switch q.terminal[dep] {
		case StatusCompleted:
			continue
		case StatusFailed, StatusCancelled:
			return depsFailed
		}
		if _, live := q.tasks[dep]; !live {
			// Enqueue verified the dependency existed, so its record has
			// since been evicted from the history with an unknown outcome.
			// Failing beats waiting forever.
			return depsFailed
		}
		return depsPending
	}
	return depsMet
}

func (q *Queue) failDependentLocked(t *Task, now time.Time) {
	q.removePendingLocked(t.ID)
	t.Status = StatusFailed
	t.Error = fmt.Sprintf("%v: %v", ErrDependencyFailed, t.Dependencies)
	t.CompletedAt = now
	q.failed++
	q.finishLocked(t)
	q.publish(eventbus.TypeTaskFailed, TaskEvent{ID: t.ID, Status: StatusFailed, Priority: t.Priority, Error: t.Error})
}

// rateAdmitLocked checks the sliding dispatch window against the configured
// per-minute and per-hour caps, pruning expired timestamps as it goes.
func (q *Queue) rateAdmitLocked(now time.Time) bool {
	rl := q.cfg.RateLimit
	if rl.MaxPerMinute <= 0 && rl.MaxPerHour <= 0 {
		return true
	}

	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(q.dispatches) && q.dispatches[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		q.dispatches = q.dispatches[i:]
	}

	if rl.MaxPerHour > 0 && len(q.dispatches) >= rl.MaxPerHour {
		return false
	}
	if rl.MaxPerMinute > 0 {
		minuteCutoff := now.Add(-time.Minute)
		n := 0
		for j := len(q.dispatches) - 1; j >= 0; j-- {
			if q.dispatches[j].Before(minuteCutoff) {
				break
			}
			n++
		}
		if n >= rl.MaxPerMinute {
			return false
		}
	}
	return true
}

// execute runs one dispatched task on its own goroutine and reports the
// outcome back to the queue.
func (q *Queue) execute(ctx context.Context, snap Task) {
	runCtx := ctx
	var cancel context.CancelFunc
	if snap.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, snap.Timeout)
	}

	var res any
	var err error
	if q.exec == nil {
		err = retry.NoRetry(fmt.Errorf("no execute callback configured"))
	} else {
		func() {
			// One bad task must not take down the dispatch loop.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			res, err = q.exec(runCtx, snap)
		}()
	}
	if cancel != nil {
		cancel()
	}
	// A per-task timeout counts as a retryable failure; side effects of the
	// interrupted attempt are the worker's responsibility.
	if err == nil && runCtx.Err() == context.DeadlineExceeded {
		err = context.DeadlineExceeded
	}

	q.complete(snap.ID, res, err)
}

// complete applies one execution outcome. A retryable failure inside the
// retry budget re-enters pending at its priority position after a backoff
// delay proportional to the cumulative retry count.
func (q *Queue) complete(id string, res any, err error) {
	now := time.Now()

	q.mu.Lock()
	t, ok := q.running[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.running, id)
	cfg := q.cfg

	if err == nil {
		t.Status = StatusCompleted
		t.Result = res
		t.CompletedAt = now
		q.completed++
		q.finishLocked(t)
		snap := t.clone()
		q.mu.Unlock()

		q.publish(eventbus.TypeTaskCompleted, TaskEvent{ID: snap.ID, Status: StatusCompleted, Priority: snap.Priority, Attempts: snap.RetryCount, Duration: now.Sub(snap.StartedAt)})
		q.log.Debug("task completed", logx.String("id", id), logx.Duration("dur", now.Sub(snap.StartedAt)))
		q.kickDispatch()
		return
	}

	retryable := retry.Retryable(err, cfg.Retry.Patterns)
	if retryable && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = StatusQueued
		t.StartedAt = time.Time{}
		delay := cfg.Retry.DelayFor(t.RetryCount - 1)
		q.notBefore[t.ID] = now.Add(delay)
		q.insertLocked(t)
		attempt := t.RetryCount
		q.mu.Unlock()

		q.log.Debug("task retry scheduled", logx.String("id", id), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
		return
	}

	if retryable {
		err = fmt.Errorf("retry exhausted after %d attempts: %w", t.RetryCount+1, err)
	}
	t.Status = StatusFailed
	t.Error = err.Error()
	t.CompletedAt = now
	q.failed++
	q.finishLocked(t)
	snap := t.clone()
	q.mu.Unlock()

	q.publish(eventbus.TypeTaskFailed, TaskEvent{ID: snap.ID, Status: StatusFailed, Priority: snap.Priority, Attempts: snap.RetryCount, Duration: now.Sub(snap.CreatedAt), Error: snap.Error})
	q.log.Warn("task failed", logx.String("id", id), logx.Int("attempts", snap.RetryCount+1), logx.Any("err", err))
	q.kickDispatch()
}
