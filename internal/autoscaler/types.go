package autoscaler

import "time"

// Metric names a sampled value a rule can test.
type Metric string

const (
	MetricQueueDepth   Metric = "queueDepth"
	MetricCPUUsage     Metric = "cpuUsage"
	MetricMemoryUsage  Metric = "memoryUsage"
	MetricTaskWaitTime Metric = "taskWaitTime"
	MetricWorkerCount  Metric = "workerCount"
)

// Op is a rule's comparison operator.
type Op string

const (
	OpGT Op = "gt"
	OpLT Op = "lt"
	OpEQ Op = "eq"
)

// Action is the scaling direction.
type Action string

const (
	ActionUp   Action = "up"
	ActionDown Action = "down"
)

// Rule fires when its metric condition holds and both its own cooldown
// and the global per-direction cooldown have elapsed.
type Rule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Metric    Metric        `json:"metric"`
	Op        Op            `json:"op"`
	Threshold float64       `json:"threshold"`
	Action    Action        `json:"action"`
	Amount    int           `json:"amount"`
	Cooldown  time.Duration `json:"cooldown"`
	Enabled   bool          `json:"enabled"`
}

// Metrics is one sample of the signals rules are evaluated against.
type Metrics struct {
	QueueDepth      int           `json:"queue_depth"`
	RunningTasks    int           `json:"running_tasks"`
	CPUUsage        float64       `json:"cpu_usage"`
	MemoryUsage     float64       `json:"memory_usage"`
	AvgTaskWaitTime time.Duration `json:"avg_task_wait_time"`
	WorkerCount     int           `json:"worker_count"`
	Goroutines      int           `json:"goroutines"`
}

// MetricsSource produces samples for rule evaluation.
type MetricsSource interface {
	Sample() Metrics
}

// ScalingEvent records one applied worker-count change.
type ScalingEvent struct {
	Previous int       `json:"previous"`
	New      int       `json:"new"`
	Rule     string    `json:"rule"`
	Reason   string    `json:"reason"`
	Time     time.Time `json:"time"`
}

// Config bounds and paces the controller.
type Config struct {
	Enabled           bool
	MinWorkers        int
	MaxWorkers        int
	InitialWorkers    int
	TickInterval      time.Duration
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
	HistorySize       int
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.InitialWorkers <= 0 {
		c.InitialWorkers = c.MinWorkers
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.ScaleUpCooldown <= 0 {
		c.ScaleUpCooldown = time.Minute
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = 2 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Workers    int            `json:"workers"`
	Rules      []Rule         `json:"rules"`
	LastSample Metrics        `json:"last_sample"`
	Events     []ScalingEvent `json:"events"`
}
