package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "conductor/pkg/logx"
)

func TestNextRun(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	now := time.Date(2026, time.March, 4, 10, 30, 0, 0, time.Local) // a Wednesday

	tests := []struct {
		name    string
		sched   Schedule
		want    time.Time
		wantErr bool
	}{
		{
			name:  "once literal",
			sched: Schedule{Kind: KindOnce, At: now.Add(time.Hour)},
			want:  now.Add(time.Hour),
		},
		{
			name:    "once zero rejected",
			sched:   Schedule{Kind: KindOnce},
			wantErr: true,
		},
		{
			name:  "interval",
			sched: Schedule{Kind: KindInterval, Every: 15 * time.Minute},
			want:  now.Add(15 * time.Minute),
		},
		{
			name:    "interval non-positive rejected",
			sched:   Schedule{Kind: KindInterval},
			wantErr: true,
		},
		{
			name:  "daily later today",
			sched: Schedule{Kind: KindDaily, TimeOfDay: "18:00"},
			want:  time.Date(2026, time.March, 4, 18, 0, 0, 0, time.Local),
		},
		{
			name:  "daily rolls to tomorrow",
			sched: Schedule{Kind: KindDaily, TimeOfDay: "09:00"},
			want:  time.Date(2026, time.March, 5, 9, 0, 0, 0, time.Local),
		},
		{
			name:    "daily bad time",
			sched:   Schedule{Kind: KindDaily, TimeOfDay: "25:00"},
			wantErr: true,
		},
		{
			name:  "weekly later this week",
			sched: Schedule{Kind: KindWeekly, Weekday: time.Friday, TimeOfDay: "08:00"},
			want:  time.Date(2026, time.March, 6, 8, 0, 0, 0, time.Local),
		},
		{
			name:  "weekly same day earlier rolls a week",
			sched: Schedule{Kind: KindWeekly, Weekday: time.Wednesday, TimeOfDay: "09:00"},
			want:  time.Date(2026, time.March, 11, 9, 0, 0, 0, time.Local),
		},
		{
			name:  "cron top of hour",
			sched: Schedule{Kind: KindCron, Expr: "0 * * * *"},
			want:  time.Date(2026, time.March, 4, 11, 0, 0, 0, time.Local),
		},
		{
			name:    "cron invalid rejected",
			sched:   Schedule{Kind: KindCron, Expr: "not a cron"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			sched:   Schedule{Kind: "hourly"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.nextRun(tt.sched, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("nextRun(%+v) = %v, want error", tt.sched, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("nextRun(%+v): %v", tt.sched, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("nextRun(%+v) = %v, want %v", tt.sched, got, tt.want)
			}
		})
	}
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	_, err := s.Add(Definition{Name: "bad", Enabled: true, Schedule: Schedule{Kind: KindCron, Expr: "61 * * * *"}})
	if err == nil {
		t.Fatal("Add with invalid cron expression did not error")
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("rejected definition was registered")
	}
}

type fireLog struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fireLog) fire(ctx context.Context, def Definition) error {
	f.mu.Lock()
	f.calls = append(f.calls, def.Name)
	f.mu.Unlock()
	return f.err
}

func (f *fireLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestOnceFiresAndCompletes(t *testing.T) {
	t.Parallel()
	fl := &fireLog{}
	s := New(Config{TickInterval: 10 * time.Millisecond}, fl.fire, logx.Nop(), nil)
	startScheduler(t, s)

	def, err := s.Add(Definition{
		Name:     "one-shot",
		Enabled:  true,
		Schedule: Schedule{Kind: KindOnce, At: time.Now().Add(-time.Second)},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, func() bool {
		d, _ := s.Get(def.ID)
		return d.Status == StatusCompleted
	})
	d, _ := s.Get(def.ID)
	if d.RunCount != 1 {
		t.Fatalf("RunCount = %d, want 1", d.RunCount)
	}
	if fl.count() != 1 {
		t.Fatalf("fired %d times, want 1", fl.count())
	}
}

func TestOnceFailureMarksFailed(t *testing.T) {
	t.Parallel()
	fl := &fireLog{err: errors.New("queue full")}
	s := New(Config{TickInterval: 10 * time.Millisecond}, fl.fire, logx.Nop(), nil)
	startScheduler(t, s)

	def, _ := s.Add(Definition{
		Name:     "doomed",
		Enabled:  true,
		Schedule: Schedule{Kind: KindOnce, At: time.Now().Add(-time.Second)},
	})
	waitFor(t, func() bool {
		d, _ := s.Get(def.ID)
		return d.Status == StatusFailed
	})
}

func TestIntervalStopsAtMaxRuns(t *testing.T) {
	t.Parallel()
	fl := &fireLog{}
	s := New(Config{TickInterval: 5 * time.Millisecond}, fl.fire, logx.Nop(), nil)
	startScheduler(t, s)

	def, _ := s.Add(Definition{
		Name:     "bounded",
		Enabled:  true,
		MaxRuns:  3,
		Schedule: Schedule{Kind: KindInterval, Every: 10 * time.Millisecond},
	})
	waitFor(t, func() bool {
		d, _ := s.Get(def.ID)
		return d.Status == StatusCompleted
	})
	d, _ := s.Get(def.ID)
	if d.RunCount != 3 {
		t.Fatalf("RunCount = %d, want 3", d.RunCount)
	}

	// no further firings after completion
	n := fl.count()
	time.Sleep(50 * time.Millisecond)
	if fl.count() != n {
		t.Fatalf("fired after completion: %d -> %d", n, fl.count())
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	fl := &fireLog{}
	s := New(Config{TickInterval: 5 * time.Millisecond}, fl.fire, logx.Nop(), nil)
	startScheduler(t, s)

	def, _ := s.Add(Definition{
		Name:     "recurring",
		Enabled:  true,
		Schedule: Schedule{Kind: KindInterval, Every: 10 * time.Millisecond},
	})
	waitFor(t, func() bool { return fl.count() >= 1 })

	if err := s.Pause(def.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitFor(t, func() bool {
		d, _ := s.Get(def.ID)
		return d.Status == StatusPaused
	})
	n := fl.count()
	time.Sleep(50 * time.Millisecond)
	if fl.count() > n+1 { // one firing may have been in flight when paused
		t.Fatalf("fired while paused: %d -> %d", n, fl.count())
	}

	before, _ := s.Get(def.ID)
	if err := s.Resume(def.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	after, _ := s.Get(def.ID)
	if after.RunCount != before.RunCount {
		t.Fatalf("Resume changed RunCount: %d -> %d", before.RunCount, after.RunCount)
	}
	waitFor(t, func() bool { return fl.count() > n })

	if err := s.Resume(def.ID); err == nil {
		t.Fatal("Resume on non-paused schedule did not error")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	def, _ := s.Add(Definition{
		Name:     "gone",
		Schedule: Schedule{Kind: KindInterval, Every: time.Hour},
	})
	if !s.Remove(def.ID) {
		t.Fatal("Remove = false, want true")
	}
	if s.Remove(def.ID) {
		t.Fatal("second Remove = true, want false")
	}
	if err := s.Pause(def.ID); !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("Pause after Remove: %v, want ErrUnknownDefinition", err)
	}
}
