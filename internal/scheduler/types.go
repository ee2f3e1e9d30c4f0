package scheduler

import (
	"time"
)

// Kind selects how a definition's next run time is derived.
type Kind string

const (
	KindOnce     Kind = "once"
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindCron     Kind = "cron"
)

// Status is the lifecycle state of a definition.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Schedule describes when a definition fires. Exactly the fields for its
// Kind are consulted; the rest are ignored.
type Schedule struct {
	Kind Kind `json:"kind"`

	// once
	At time.Time `json:"at,omitzero"`

	// interval
	Every time.Duration `json:"every,omitempty"`

	// daily and weekly
	TimeOfDay string       `json:"time_of_day,omitempty"` // "HH:MM"
	Weekday   time.Weekday `json:"weekday,omitempty"`

	// cron, standard 5-field expression
	Expr string `json:"expr,omitempty"`
}

// Definition is a registered schedule plus its run bookkeeping.
type Definition struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Command  any      `json:"command"`
	Schedule Schedule `json:"schedule"`
	Enabled  bool     `json:"enabled"`

	// Priority and MaxRetries are passed through to the execution effector
	// so scheduled work enqueues with the same options direct callers get.
	// Priority is a queue priority name ("critical", "high", "normal",
	// "low"); empty means normal.
	Priority   string `json:"priority,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`

	RunCount int       `json:"run_count"`
	MaxRuns  int       `json:"max_runs,omitempty"` // 0 means unlimited
	NextRun  time.Time `json:"next_run,omitzero"`
	LastRun  time.Time `json:"last_run,omitzero"`
	Status   Status    `json:"status"`
}

// Config controls the evaluation loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	Timezone     string // IANA TZ, e.g. "Asia/Jakarta"
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	return c
}
