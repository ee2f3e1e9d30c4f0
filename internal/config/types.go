package config

import (
	"fmt"

	"conductor/internal/autoscaler"
	"conductor/internal/queue"
	"conductor/internal/retry"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
	logx "conductor/pkg/logx"
)

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Queue      QueueConfig      `json:"queue"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	AutoScaler AutoScalerConfig `json:"autoscaler,omitempty"`
	Breaker    BreakerConfig    `json:"breaker,omitempty"`
	Storage    StorageConfig    `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
	Bus     LogBusConfig  `json:"bus,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type LogBusConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type QueueConfig struct {
	Enabled           *bool           `json:"enabled,omitempty"`
	MaxConcurrent     int             `json:"max_concurrent,omitempty"`
	MaxSize           int             `json:"max_size,omitempty"`
	HistorySize       int             `json:"history_size,omitempty"`
	DefaultMaxRetries int             `json:"default_max_retries,omitempty"`
	DefaultTimeout    string          `json:"default_timeout,omitempty"`
	TickInterval      string          `json:"tick_interval,omitempty"`
	RateLimit         RateLimitConfig `json:"rate_limit,omitempty"`
	Retry             RetryConfig     `json:"retry,omitempty"`
}

type RateLimitConfig struct {
	MaxPerMinute int `json:"max_per_minute,omitempty"`
	MaxPerHour   int `json:"max_per_hour,omitempty"`
}

type RetryConfig struct {
	MaxRetries int      `json:"max_retries,omitempty"`
	BaseDelay  string   `json:"base_delay,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty"`
	MaxDelay   string   `json:"max_delay,omitempty"`
	Jitter     float64  `json:"jitter,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

type AutoScalerConfig struct {
	Enabled           bool         `json:"enabled,omitempty"`
	MinWorkers        int          `json:"min_workers,omitempty"`
	MaxWorkers        int          `json:"max_workers,omitempty"`
	InitialWorkers    int          `json:"initial_workers,omitempty"`
	TickInterval      string       `json:"tick_interval,omitempty"`
	ScaleUpCooldown   string       `json:"scale_up_cooldown,omitempty"`
	ScaleDownCooldown string       `json:"scale_down_cooldown,omitempty"`
	Rules             []RuleConfig `json:"rules,omitempty"`
}

type RuleConfig struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Metric    string  `json:"metric"`
	Op        string  `json:"op"`
	Threshold float64 `json:"threshold"`
	Action    string  `json:"action"`
	Amount    int     `json:"amount"`
	Cooldown  string  `json:"cooldown,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
}

type StorageConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// LogRuntime converts the logging block for the logx service.
func (c *Config) LogRuntime() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Bus: logx.BusConfig{
			Enabled:    c.Logging.Bus.Enabled,
			MinLevel:   c.Logging.Bus.MinLevel,
			RatePerSec: c.Logging.Bus.RatePerSec,
		},
	}
}

// QueueRuntime converts the queue block, parsing duration fields.
func (c *Config) QueueRuntime() (queue.Config, error) {
	defTimeout, err := ParseDurationField("queue.default_timeout", c.Queue.DefaultTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	tick, err := ParseDurationField("queue.tick_interval", c.Queue.TickInterval)
	if err != nil {
		return queue.Config{}, err
	}
	pol, err := c.retryPolicy()
	if err != nil {
		return queue.Config{}, err
	}
	enabled := true
	if c.Queue.Enabled != nil {
		enabled = *c.Queue.Enabled
	}
	return queue.Config{
		Enabled:           enabled,
		MaxConcurrent:     c.Queue.MaxConcurrent,
		MaxSize:           c.Queue.MaxSize,
		HistorySize:       c.Queue.HistorySize,
		DefaultMaxRetries: c.Queue.DefaultMaxRetries,
		DefaultTimeout:    defTimeout,
		TickInterval:      tick,
		RateLimit: queue.RateLimitConfig{
			MaxPerMinute: c.Queue.RateLimit.MaxPerMinute,
			MaxPerHour:   c.Queue.RateLimit.MaxPerHour,
		},
		Retry: pol,
	}, nil
}

func (c *Config) retryPolicy() (retry.Policy, error) {
	base, err := ParseDurationField("queue.retry.base_delay", c.Queue.Retry.BaseDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := ParseDurationField("queue.retry.max_delay", c.Queue.Retry.MaxDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	p := retry.DefaultPolicy()
	if c.Queue.Retry.MaxRetries > 0 {
		p.MaxRetries = c.Queue.Retry.MaxRetries
	}
	if base > 0 {
		p.BaseDelay = base
	}
	if c.Queue.Retry.Multiplier > 0 {
		p.Multiplier = c.Queue.Retry.Multiplier
	}
	if maxDelay > 0 {
		p.MaxDelay = maxDelay
	}
	if c.Queue.Retry.Jitter > 0 {
		p.Jitter = c.Queue.Retry.Jitter
	}
	if len(c.Queue.Retry.Patterns) > 0 {
		p.Patterns = c.Queue.Retry.Patterns
	}
	return p, nil
}

// SchedulerRuntime converts the scheduler block.
func (c *Config) SchedulerRuntime() (scheduler.Config, error) {
	tick, err := ParseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      c.Scheduler.Enabled,
		TickInterval: tick,
		Timezone:     c.Scheduler.Timezone,
	}, nil
}

// AutoScalerRuntime converts the autoscaler block including its rules.
func (c *Config) AutoScalerRuntime() (autoscaler.Config, []autoscaler.Rule, error) {
	tick, err := ParseDurationField("autoscaler.tick_interval", c.AutoScaler.TickInterval)
	if err != nil {
		return autoscaler.Config{}, nil, err
	}
	up, err := ParseDurationField("autoscaler.scale_up_cooldown", c.AutoScaler.ScaleUpCooldown)
	if err != nil {
		return autoscaler.Config{}, nil, err
	}
	down, err := ParseDurationField("autoscaler.scale_down_cooldown", c.AutoScaler.ScaleDownCooldown)
	if err != nil {
		return autoscaler.Config{}, nil, err
	}
	cfg := autoscaler.Config{
		Enabled:           c.AutoScaler.Enabled,
		MinWorkers:        c.AutoScaler.MinWorkers,
		MaxWorkers:        c.AutoScaler.MaxWorkers,
		InitialWorkers:    c.AutoScaler.InitialWorkers,
		TickInterval:      tick,
		ScaleUpCooldown:   up,
		ScaleDownCooldown: down,
	}
	rules := make([]autoscaler.Rule, 0, len(c.AutoScaler.Rules))
	for i, rc := range c.AutoScaler.Rules {
		cd, err := ParseDurationField(fmt.Sprintf("autoscaler.rules[%d].cooldown", i), rc.Cooldown)
		if err != nil {
			return autoscaler.Config{}, nil, err
		}
		enabled := true
		if rc.Enabled != nil {
			enabled = *rc.Enabled
		}
		rules = append(rules, autoscaler.Rule{
			ID:        rc.ID,
			Name:      rc.Name,
			Metric:    autoscaler.Metric(rc.Metric),
			Op:        autoscaler.Op(rc.Op),
			Threshold: rc.Threshold,
			Action:    autoscaler.Action(rc.Action),
			Amount:    rc.Amount,
			Cooldown:  cd,
			Enabled:   enabled,
		})
	}
	return cfg, rules, nil
}

// BreakerRuntime converts the breaker block.
func (c *Config) BreakerRuntime() (retry.BreakerConfig, error) {
	timeout, err := ParseDurationField("breaker.timeout", c.Breaker.Timeout)
	if err != nil {
		return retry.BreakerConfig{}, err
	}
	if c.Breaker.FailureThreshold < 0 {
		return retry.BreakerConfig{}, fmt.Errorf("breaker.failure_threshold: must not be negative, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 0 {
		return retry.BreakerConfig{}, fmt.Errorf("breaker.success_threshold: must not be negative, got %d", c.Breaker.SuccessThreshold)
	}
	return retry.BreakerConfig{
		FailureThreshold: uint32(c.Breaker.FailureThreshold),
		SuccessThreshold: uint32(c.Breaker.SuccessThreshold),
		Timeout:          timeout,
	}, nil
}

// StorageRuntime converts the storage block.
func (c *Config) StorageRuntime() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := ParseDurationField("storage.retention", c.Storage.Retention)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Enabled:     c.Storage.Enabled,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
		Retention:   retention,
	}, nil
}

// Validate runs every conversion so a bad reload is rejected before any
// component sees it.
func (c *Config) Validate() error {
	if _, err := c.QueueRuntime(); err != nil {
		return err
	}
	if _, err := c.SchedulerRuntime(); err != nil {
		return err
	}
	if _, _, err := c.AutoScalerRuntime(); err != nil {
		return err
	}
	if _, err := c.BreakerRuntime(); err != nil {
		return err
	}
	if _, err := c.StorageRuntime(); err != nil {
		return err
	}
	if c.AutoScaler.MinWorkers < 0 || c.AutoScaler.MaxWorkers < 0 {
		return fmt.Errorf("autoscaler worker bounds must be >= 0")
	}
	if c.AutoScaler.MaxWorkers > 0 && c.AutoScaler.MinWorkers > c.AutoScaler.MaxWorkers {
		return fmt.Errorf("autoscaler.min_workers %d exceeds max_workers %d",
			c.AutoScaler.MinWorkers, c.AutoScaler.MaxWorkers)
	}
	return nil
}
