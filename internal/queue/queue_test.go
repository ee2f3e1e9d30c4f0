package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/retry"
	logx "conductor/pkg/logx"
)

func testConfig() Config {
	return Config{
		Enabled:       true,
		MaxConcurrent: 1,
		MaxSize:       64,
		HistorySize:   100,
		TickInterval:  5 * time.Millisecond,
		Retry: retry.Policy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			Multiplier: 2,
			MaxDelay:   5 * time.Millisecond,
			Jitter:     0.2,
		},
	}
}

// recorder is an ExecuteFunc that records dispatch order.
type recorder struct {
	mu    sync.Mutex
	order []string
	fn    func(t Task) (any, error)
}

func (r *recorder) exec(ctx context.Context, t Task) (any, error) {
	r.mu.Lock()
	r.order = append(r.order, t.ID)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(t)
	}
	return nil, nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatchPriorityOrder(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)

	low, _ := q.Enqueue("low", Options{Priority: PriorityLow})
	high, _ := q.Enqueue("high", Options{Priority: PriorityHigh})
	normal, _ := q.Enqueue("normal", Options{Priority: PriorityNormal})

	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{low.ID, high.ID, normal.ID} {
		if _, err := q.Await(ctx, id); err != nil {
			t.Fatalf("Await(%s): %v", id, err)
		}
	}

	want := []string{high.ID, normal.ID, low.ID}
	got := rec.ids()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestEqualPriorityFIFO(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)

	a, _ := q.Enqueue("a", Options{Priority: PriorityNormal})
	b, _ := q.Enqueue("b", Options{Priority: PriorityNormal})

	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = q.Await(ctx, a.ID)
	_, _ = q.Await(ctx, b.ID)

	got := rec.ids()
	if got[0] != a.ID || got[1] != b.ID {
		t.Fatalf("dispatch order = %v, want FIFO [%s %s]", got, a.ID, b.ID)
	}
}

func TestDependencyGating(t *testing.T) {
	t.Parallel()
	var depDone atomic.Bool
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		if task.Payload == "dep" {
			time.Sleep(30 * time.Millisecond)
			depDone.Store(true)
			return "dep-result", nil
		}
		if !depDone.Load() {
			t.Error("dependent dispatched before dependency completed")
		}
		return "child-result", nil
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 4
	q := New(cfg, rec.exec, logx.Nop(), nil)

	dep, _ := q.Enqueue("dep", Options{Priority: PriorityLow})
	child, _ := q.Enqueue("child", Options{Priority: PriorityHigh, Dependencies: []string{dep.ID}})

	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.Await(ctx, child.ID); err != nil {
		t.Fatalf("Await(child): %v", err)
	}

	got := rec.ids()
	if len(got) != 2 || got[0] != dep.ID || got[1] != child.ID {
		t.Fatalf("dispatch order = %v, want [dep child]", got)
	}
}

func TestDependencyFailureCascades(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		if task.Payload == "dep" {
			return nil, retry.NoRetry(errors.New("validation error"))
		}
		return nil, nil
	}
	cfg := testConfig()
	q := New(cfg, rec.exec, logx.Nop(), nil)

	dep, _ := q.Enqueue("dep", Options{})
	child, _ := q.Enqueue("child", Options{Dependencies: []string{dep.ID}})

	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := q.Await(ctx, child.ID)
	if err == nil {
		t.Fatal("expected dependent to fail")
	}
	if snap.Status != StatusFailed || !strings.Contains(snap.Error, "dependency failed") {
		t.Fatalf("child = %+v", snap)
	}
}

func TestMaxConcurrentInvariant(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 2
	q := New(cfg, rec.exec, logx.Nop(), nil)

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		task, _ := q.Enqueue(i, Options{})
		ids = append(ids, task.ID)
	}

	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		if _, err := q.Await(ctx, id); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRetryThenExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}
	cfg := testConfig()
	q := New(cfg, rec.exec, logx.Nop(), nil)

	task, _ := q.Enqueue("x", Options{MaxRetries: 2})
	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := q.Await(ctx, task.ID)
	if err == nil || snap.Status != StatusFailed {
		t.Fatalf("snap=%+v err=%v, want failure", snap, err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("execute calls = %d, want 3 (1 + 2 retries)", got)
	}
	if !strings.Contains(snap.Error, "retry exhausted after 3 attempts") {
		t.Fatalf("Error = %q", snap.Error)
	}
	if snap.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", snap.RetryCount)
	}
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("invalid selector")
	}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)

	task, _ := q.Enqueue("x", Options{MaxRetries: 5})
	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, _ := q.Await(ctx, task.ID)
	if snap.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", snap.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("execute calls = %d, want 1", got)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)

	task, _ := q.Enqueue("x", Options{})
	if !q.Cancel(task.ID) {
		t.Fatal("Cancel on queued task = false, want true")
	}
	if q.Cancel(task.ID) {
		t.Fatal("second Cancel = true, want false (already terminal)")
	}

	startQueue(t, q)
	time.Sleep(30 * time.Millisecond)
	if got := rec.ids(); len(got) != 0 {
		t.Fatalf("cancelled task was dispatched: %v", got)
	}
	snap, _ := q.Get(task.ID)
	if snap.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", snap.Status)
	}
}

func TestCancelRunningTaskReturnsFalse(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		close(started)
		<-release
		return nil, nil
	}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)
	task, _ := q.Enqueue("x", Options{})
	startQueue(t, q)

	<-started
	if q.Cancel(task.ID) {
		t.Fatal("Cancel on running task = true, want false")
	}
	close(release)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxSize = 2
	q := New(cfg, nil, logx.Nop(), nil)

	_, _ = q.Enqueue(1, Options{})
	_, _ = q.Enqueue(2, Options{})
	if _, err := q.Enqueue(3, Options{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestRateLimitBlocksNotDrops(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxConcurrent = 8
	cfg.RateLimit = RateLimitConfig{MaxPerMinute: 2}
	q := New(cfg, rec.exec, logx.Nop(), nil)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		task, _ := q.Enqueue(i, Options{})
		ids = append(ids, task.ID)
	}
	startQueue(t, q)

	time.Sleep(100 * time.Millisecond)
	if got := len(rec.ids()); got != 2 {
		t.Fatalf("dispatched = %d, want 2 (rate limited)", got)
	}
	// The surplus tasks are blocked, not dropped.
	st := q.Stats()
	if st.QueueDepth != 2 {
		t.Fatalf("QueueDepth = %d, want 2", st.QueueDepth)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		if task.Payload == "bad" {
			return nil, retry.NoRetry(errors.New("validation error"))
		}
		return map[string]any{"pages": 3.0}, nil
	}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)
	good, _ := q.Enqueue("good", Options{})
	bad, _ := q.Enqueue("bad", Options{})
	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = q.Await(ctx, good.ID)
	_, _ = q.Await(ctx, bad.ID)

	data, err := q.MarshalHistory()
	if err != nil {
		t.Fatalf("MarshalHistory: %v", err)
	}

	q2 := New(testConfig(), nil, logx.Nop(), nil)
	if err := q2.RestoreHistory(data); err != nil {
		t.Fatalf("RestoreHistory: %v", err)
	}

	snap, ok := q2.Get(good.ID)
	if !ok || snap.Status != StatusCompleted {
		t.Fatalf("restored good task = %+v ok=%v", snap, ok)
	}
	if m, _ := snap.Result.(map[string]any); m["pages"] != 3.0 {
		t.Fatalf("restored Result = %#v", snap.Result)
	}
	if snap2, ok := q2.Get(bad.ID); !ok || snap2.Status != StatusFailed {
		t.Fatalf("restored bad task = %+v ok=%v", snap2, ok)
	}
}

func TestWaitingStatusWhileDependencyPending(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	rec := &recorder{}
	rec.fn = func(task Task) (any, error) {
		if task.Payload == "dep" {
			<-release
		}
		return nil, nil
	}
	cfg := testConfig()
	cfg.MaxConcurrent = 4
	q := New(cfg, rec.exec, logx.Nop(), nil)
	dep, _ := q.Enqueue("dep", Options{})
	child, _ := q.Enqueue("child", Options{Dependencies: []string{dep.ID}})
	startQueue(t, q)

	time.Sleep(50 * time.Millisecond)
	snap, _ := q.Get(child.ID)
	if snap.Status != StatusWaiting {
		t.Fatalf("child Status = %s, want waiting", snap.Status)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.Await(ctx, child.ID); err != nil {
		t.Fatalf("Await(child): %v", err)
	}
}

func TestDispatchWindowEmptyWithoutRateLimit(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)
	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		task, err := q.Enqueue(i, Options{})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if _, err := q.Await(ctx, task.ID); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}

	q.mu.Lock()
	n := len(q.dispatches)
	q.mu.Unlock()
	if n != 0 {
		t.Fatalf("dispatch window holds %d timestamps with no rate limit, want 0", n)
	}
}

func TestEnqueueUnknownDependencyRejected(t *testing.T) {
	t.Parallel()
	q := New(testConfig(), nil, logx.Nop(), nil)

	if _, err := q.Enqueue("x", Options{Dependencies: []string{"never-enqueued"}}); !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("err = %v, want ErrUnknownDependency", err)
	}

	dep, err := q.Enqueue("dep", Options{})
	if err != nil {
		t.Fatalf("Enqueue(dep): %v", err)
	}
	if _, err := q.Enqueue("child", Options{Dependencies: []string{dep.ID}}); err != nil {
		t.Fatalf("Enqueue(child) with known dependency: %v", err)
	}
}

func TestEvictedDependencyFailsDependent(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := New(testConfig(), rec.exec, logx.Nop(), nil)

	dep, _ := q.Enqueue("dep", Options{})
	child, _ := q.Enqueue("child", Options{Dependencies: []string{dep.ID}})

	// Drop the dependency's record entirely, as if its terminal entry had
	// aged out of the bounded history.
	q.mu.Lock()
	q.removePendingLocked(dep.ID)
	delete(q.tasks, dep.ID)
	q.mu.Unlock()

	startQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := q.Await(ctx, child.ID)
	if err == nil {
		t.Fatal("Await(child) = nil error, want dependency failure")
	}
	if snap.Status != StatusFailed || !strings.Contains(snap.Error, "dependency failed") {
		t.Fatalf("child = %+v", snap)
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", PriorityNormal, false},
		{"normal", PriorityNormal, false},
		{"Critical", PriorityCritical, false},
		{" high ", PriorityHigh, false},
		{"LOW", PriorityLow, false},
		{"urgent", PriorityNormal, true},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParsePriority(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
