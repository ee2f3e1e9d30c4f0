package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"conductor/internal/autoscaler"
	"conductor/internal/queue"
	logx "conductor/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "conductor.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveAndLoadTasks(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	task := queue.Task{
		ID:          "t-1",
		Payload:     map[string]any{"url": "https://example.com"},
		Priority:    queue.PriorityHigh,
		Status:      queue.StatusCompleted,
		RetryCount:  1,
		Result:      map[string]any{"pages": 3.0},
		CreatedAt:   now.Add(-time.Minute),
		StartedAt:   now.Add(-30 * time.Second),
		CompletedAt: now,
	}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	// upsert with the final status
	task.RetryCount = 2
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask upsert: %v", err)
	}

	got, err := st.RecentTasks(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("tasks = %d, want 1 (upsert)", len(got))
	}
	g := got[0]
	if g.ID != "t-1" || g.Status != queue.StatusCompleted || g.RetryCount != 2 {
		t.Fatalf("task = %+v", g)
	}
	if g.Priority != queue.PriorityHigh {
		t.Fatalf("Priority = %v", g.Priority)
	}
	res, _ := g.Result.(map[string]any)
	if res["pages"] != 3.0 {
		t.Fatalf("Result = %#v", g.Result)
	}
	if !g.CompletedAt.Equal(task.CompletedAt) {
		t.Fatalf("CompletedAt = %v, want %v", g.CompletedAt, task.CompletedAt)
	}
}

func TestFailedTaskKeepsError(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	err := st.SaveTask(ctx, queue.Task{
		ID:          "t-2",
		Status:      queue.StatusFailed,
		Error:       "retry exhausted after 4 attempts: timeout",
		CreatedAt:   time.Now(),
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	got, _ := st.RecentTasks(ctx, 1)
	if len(got) != 1 || got[0].Error == "" {
		t.Fatalf("tasks = %+v", got)
	}
}

func TestScalingEventsOrderedNewestFirst(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		err := st.SaveScalingEvent(ctx, autoscaler.ScalingEvent{
			Previous: i + 1,
			New:      i + 2,
			Rule:     "r1",
			Reason:   "queueDepth gt 10.00",
			Time:     base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveScalingEvent: %v", err)
		}
	}

	got, err := st.RecentScalingEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentScalingEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].New != 4 || got[1].New != 3 {
		t.Fatalf("order = %+v, want newest first", got)
	}
}

func TestDisabledStoreIsNop(t *testing.T) {
	st, err := Open(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("Open disabled: %v", err)
	}
	if err := st.SaveTask(context.Background(), queue.Task{ID: "x"}); err != nil {
		t.Fatalf("SaveTask on nop: %v", err)
	}
	if _, err := st.RecentTasks(context.Background(), 1); err != ErrDisabled {
		t.Fatalf("RecentTasks on nop: %v, want ErrDisabled", err)
	}
}
