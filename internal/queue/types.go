package queue

import (
	"fmt"
	"strings"
	"time"

	"conductor/internal/retry"
)

// Priority orders tasks in the pending sequence. Lower value dispatches first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work held by the queue. Payload is opaque to the core;
// only the worker interprets it.
type Task struct {
	ID           string        `json:"id"`
	Payload      any           `json:"payload,omitempty"`
	Priority     Priority      `json:"priority"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Status       Status        `json:"status"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	CompletedAt  time.Time     `json:"completed_at,omitzero"`
	Result       any           `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (t *Task) clone() Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	return cp
}

// Options control one enqueued task.
type Options struct {
	Priority     Priority
	Dependencies []string
	MaxRetries   int // <0 disables retries; 0 applies the queue default
	Timeout      time.Duration
}

// Config controls the queue.
type Config struct {
	Enabled       bool
	MaxConcurrent int
	// MaxSize bounds the pending sequence; Enqueue fails with ErrQueueFull
	// beyond it. 0 applies a default.
	MaxSize     int
	HistorySize int

	DefaultMaxRetries int
	DefaultTimeout    time.Duration

	// TickInterval drives the dispatch loop. Dispatch is also kicked by
	// enqueue and completion, so this is a liveness floor, not latency.
	TickInterval time.Duration

	RateLimit RateLimitConfig

	// Retry supplies the backoff schedule for re-queued failures and the
	// retryable-pattern table for classification.
	Retry retry.Policy
}

// RateLimitConfig enforces a sliding-window cap on dispatches. A blocked
// dispatch waits for the window to admit it; tasks are never dropped.
type RateLimitConfig struct {
	MaxPerMinute int
	MaxPerHour   int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	return c
}

// TaskEvent is the bus payload for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Status   Status        `json:"status"`
	Priority Priority      `json:"priority"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Stats is the queue's metrics view, consumed by the auto-scaler.
type Stats struct {
	QueueDepth  int           `json:"queue_depth"`
	Running     int           `json:"running"`
	Waiting     int           `json:"waiting"`
	AvgWaitTime time.Duration `json:"avg_wait_time"`
	Dispatched  uint64        `json:"dispatched"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Enabled       bool   `json:"enabled"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxSize       int    `json:"max_size"`
	Stats         Stats  `json:"stats"`
	History       []Task `json:"history"`
}
