// Package autoscaler adjusts the worker pool size from declarative
// rules evaluated against periodic metric samples.
package autoscaler

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

var ErrUnknownRule = errors.New("unknown scaling rule")

// ResizeFunc applies a new worker count. A failed resize is retried on
// the next tick with the previous count retained.
type ResizeFunc func(ctx context.Context, workers int) error

type AutoScaler struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	source MetricsSource
	resize ResizeFunc

	workers    int
	rules      []*Rule
	lastFired  map[string]time.Time
	lastUp     time.Time
	lastDown   time.Time
	lastSample Metrics
	events     []ScalingEvent
}

func New(cfg Config, source MetricsSource, resize ResizeFunc, log logx.Logger, bus eventbus.Bus) *AutoScaler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &AutoScaler{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		source:    source,
		resize:    resize,
		workers:   clamp(cfg.InitialWorkers, cfg.MinWorkers, cfg.MaxWorkers),
		lastFired: map[string]time.Time{},
	}
}

func (a *AutoScaler) Apply(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.withDefaults()
	a.workers = clamp(a.workers, a.cfg.MinWorkers, a.cfg.MaxWorkers)
}

// AddRule registers a rule, assigning an ID when absent.
func (a *AutoScaler) AddRule(r Rule) (Rule, error) {
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	a.mu.Lock()
	a.rules = append(a.rules, &r)
	a.mu.Unlock()
	return r, nil
}

func (a *AutoScaler) UpdateRule(r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, have := range a.rules {
		if have.ID == r.ID {
			a.rules[i] = &r
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRule, r.ID)
}

func (a *AutoScaler) RemoveRule(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, have := range a.rules {
		if have.ID == id {
			a.rules = append(a.rules[:i], a.rules[i+1:]...)
			delete(a.lastFired, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRule, id)
}

// Workers returns the current target worker count.
func (a *AutoScaler) Workers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workers
}

// ManualScale bypasses rules. The target is still clamped and the change
// recorded in the event history.
func (a *AutoScaler) ManualScale(ctx context.Context, workers int) (int, error) {
	a.mu.Lock()
	target := clamp(workers, a.cfg.MinWorkers, a.cfg.MaxWorkers)
	prev := a.workers
	a.mu.Unlock()
	if target == prev {
		return prev, nil
	}
	if err := a.resize(ctx, target); err != nil {
		return prev, fmt.Errorf("resize to %d: %w", target, err)
	}
	a.mu.Lock()
	a.workers = target
	a.recordLocked(ScalingEvent{
		Previous: prev,
		New:      target,
		Rule:     "manual",
		Reason:   fmt.Sprintf("manual scale to %d", workers),
		Time:     time.Now(),
	})
	a.mu.Unlock()
	return target, nil
}

func (a *AutoScaler) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	rules := make([]Rule, 0, len(a.rules))
	for _, r := range a.rules {
		rules = append(rules, *r)
	}
	return Snapshot{
		Workers:    a.workers,
		Rules:      rules,
		LastSample: a.lastSample,
		Events:     append([]ScalingEvent(nil), a.events...),
	}
}

// Run evaluates rules on a fixed tick until ctx is cancelled.
func (a *AutoScaler) Run(ctx context.Context) error {
	a.mu.Lock()
	tick := a.cfg.TickInterval
	a.mu.Unlock()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.evaluate(ctx)
		}
	}
}

func (a *AutoScaler) evaluate(ctx context.Context) {
	sample := a.source.Sample()
	now := time.Now()

	a.mu.Lock()
	a.lastSample = sample
	sample.WorkerCount = a.workers

	type firing struct {
		rule   Rule
		target int
	}
	var fire *firing
	for _, r := range a.rules {
		if !r.Enabled || !conditionHolds(sample, *r) {
			continue
		}
		if last, ok := a.lastFired[r.ID]; ok && now.Sub(last) < r.Cooldown {
			continue
		}
		if r.Action == ActionUp && now.Sub(a.lastUp) < a.cfg.ScaleUpCooldown && !a.lastUp.IsZero() {
			continue
		}
		if r.Action == ActionDown && now.Sub(a.lastDown) < a.cfg.ScaleDownCooldown && !a.lastDown.IsZero() {
			continue
		}
		target := a.workers
		if r.Action == ActionUp {
			target += r.Amount
		} else {
			target -= r.Amount
		}
		target = clamp(target, a.cfg.MinWorkers, a.cfg.MaxWorkers)
		if target == a.workers {
			// already at the bound, consume nothing
			continue
		}
		fire = &firing{rule: *r, target: target}
		break
	}
	if fire == nil {
		a.mu.Unlock()
		return
	}
	prev := a.workers
	a.mu.Unlock()

	if err := a.resize(ctx, fire.target); err != nil {
		a.log.Warn("resize failed, keeping previous worker count",
			logx.Int("from", prev),
			logx.Int("to", fire.target),
			logx.Err(err))
		return
	}

	reason := fmt.Sprintf("%s %s %.2f", fire.rule.Metric, fire.rule.Op, fire.rule.Threshold)
	a.mu.Lock()
	a.workers = fire.target
	a.lastFired[fire.rule.ID] = now
	if fire.rule.Action == ActionUp {
		a.lastUp = now
	} else {
		a.lastDown = now
	}
	a.recordLocked(ScalingEvent{
		Previous: prev,
		New:      fire.target,
		Rule:     fire.rule.ID,
		Reason:   reason,
		Time:     now,
	})
	a.mu.Unlock()

	a.log.Info("scaled workers",
		logx.Int("from", prev),
		logx.Int("to", fire.target),
		logx.String("rule", fire.rule.ID),
		logx.String("reason", reason))
}

func (a *AutoScaler) recordLocked(ev ScalingEvent) {
	a.events = append(a.events, ev)
	if len(a.events) > a.cfg.HistorySize {
		a.events = a.events[len(a.events)-a.cfg.HistorySize:]
	}
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeScaled,
			Time: ev.Time,
			Data: map[string]any{
				"previous": ev.Previous,
				"new":      ev.New,
				"rule":     ev.Rule,
				"reason":   ev.Reason,
			},
		})
	}
}

func conditionHolds(m Metrics, r Rule) bool {
	v := metricValue(m, r.Metric)
	switch r.Op {
	case OpGT:
		return v > r.Threshold
	case OpLT:
		return v < r.Threshold
	case OpEQ:
		return v == r.Threshold
	default:
		return false
	}
}

func metricValue(m Metrics, metric Metric) float64 {
	switch metric {
	case MetricQueueDepth:
		return float64(m.QueueDepth)
	case MetricCPUUsage:
		return m.CPUUsage
	case MetricMemoryUsage:
		return m.MemoryUsage
	case MetricTaskWaitTime:
		return float64(m.AvgTaskWaitTime) / float64(time.Second)
	case MetricWorkerCount:
		return float64(m.WorkerCount)
	default:
		return 0
	}
}

func validateRule(r Rule) error {
	switch r.Metric {
	case MetricQueueDepth, MetricCPUUsage, MetricMemoryUsage, MetricTaskWaitTime, MetricWorkerCount:
	default:
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	switch r.Op {
	case OpGT, OpLT, OpEQ:
	default:
		return fmt.Errorf("unknown operator %q", r.Op)
	}
	switch r.Action {
	case ActionUp, ActionDown:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", r.Amount)
	}
	return nil
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
