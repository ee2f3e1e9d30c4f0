package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"conductor/internal/eventbus"
	logx "conductor/pkg/logx"
)

var (
	ErrUnknownDefinition = errors.New("unknown schedule")
	ErrNotPaused         = errors.New("schedule not paused")
)

// FireFunc executes a due definition. The scheduler calls it off the
// evaluation loop, one goroutine per firing.
type FireFunc func(ctx context.Context, def Definition) error

// Scheduler keeps a registry of definitions and fires the ones whose
// NextRun has elapsed. Evaluation runs on a fixed tick plus an immediate
// pass whenever a definition is added or resumed.
type Scheduler struct {
	mu sync.Mutex

	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	fire FireFunc

	loc      *time.Location
	parser   cron.Parser
	defs     map[string]*Definition
	inflight map[string]bool

	kick chan struct{}
}

func New(cfg Config, fire FireFunc, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		fire:     fire,
		loc:      loadLocation(cfg.Timezone, log),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*Definition{},
		inflight: map[string]bool{},
		kick:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	s.cfg = cfg
}

// Add validates the definition, computes its first NextRun and registers
// it. Invalid schedules are rejected here, not at fire time.
func (s *Scheduler) Add(def Definition) (Definition, error) {
	now := time.Now()
	next, err := s.nextRun(def.Schedule, now)
	if err != nil {
		return Definition{}, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.NextRun = next
	def.Status = StatusPending
	if def.RunCount == 0 {
		def.LastRun = time.Time{}
	}

	s.mu.Lock()
	s.defs[def.ID] = &def
	snap := def
	s.mu.Unlock()

	s.log.Info("schedule added",
		logx.String("id", def.ID),
		logx.String("name", def.Name),
		logx.String("kind", string(def.Schedule.Kind)),
		logx.Time("next_run", next))
	s.kickEval()
	return snap, nil
}

func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[id]; !ok {
		return false
	}
	delete(s.defs, id)
	return true
}

// Pause suspends firing. RunCount and identity are preserved.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, id)
	}
	if d.Status.terminal() {
		return fmt.Errorf("schedule %s already %s", id, d.Status)
	}
	d.Status = StatusPaused
	return nil
}

// Resume recomputes NextRun from now so a long pause does not cause a
// burst of catch-up firings.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	d, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, id)
	}
	if d.Status != StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, id, d.Status)
	}
	next, err := s.nextRun(d.Schedule, time.Now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	d.NextRun = next
	d.Status = StatusPending
	s.mu.Unlock()
	s.kickEval()
	return nil
}

func (s *Scheduler) Get(id string) (Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// Snapshot returns a copy of every registered definition.
func (s *Scheduler) Snapshot() []Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, *d)
	}
	return out
}

// Run evaluates due definitions until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tick := s.cfg.TickInterval
	s.mu.Unlock()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.evaluate(ctx)
		case <-s.kick:
			s.evaluate(ctx)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []Definition
	for _, d := range s.defs {
		if !d.Enabled || d.Status != StatusPending || s.inflight[d.ID] {
			continue
		}
		if d.NextRun.After(now) {
			continue
		}
		s.inflight[d.ID] = true
		due = append(due, *d)
	}
	s.mu.Unlock()

	for _, d := range due {
		go s.fireOne(ctx, d)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, def Definition) {
	s.setStatus(def.ID, StatusRunning)
	s.publishFired(def)

	err := s.fire(ctx, def)

	now := time.Now()
	s.mu.Lock()
	delete(s.inflight, def.ID)
	d, ok := s.defs[def.ID]
	if !ok {
		// removed while firing
		s.mu.Unlock()
		return
	}
	d.LastRun = now
	d.RunCount++
	paused := d.Status == StatusPaused // Pause landed while this firing was in flight
	switch {
	case err != nil && d.Schedule.Kind == KindOnce:
		d.Status = StatusFailed
	case d.Schedule.Kind == KindOnce:
		d.Status = StatusCompleted
	case d.MaxRuns > 0 && d.RunCount >= d.MaxRuns:
		d.Status = StatusCompleted
	default:
		// recurring schedules keep going even when one firing errors
		next, nerr := s.nextRun(d.Schedule, now)
		if nerr != nil {
			d.Status = StatusFailed
			s.mu.Unlock()
			s.log.Error("schedule recompute failed", logx.String("id", def.ID), logx.Err(nerr))
			return
		}
		d.NextRun = next
		if paused {
			d.Status = StatusPaused
		} else {
			d.Status = StatusPending
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("schedule fire failed",
			logx.String("id", def.ID),
			logx.String("name", def.Name),
			logx.Err(err))
		return
	}
	s.log.Debug("schedule fired", logx.String("id", def.ID), logx.String("name", def.Name))
}

func (s *Scheduler) setStatus(id string, st Status) {
	s.mu.Lock()
	if d, ok := s.defs[id]; ok {
		d.Status = st
	}
	s.mu.Unlock()
}

func (s *Scheduler) publishFired(def Definition) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleFired,
		Time: time.Now(),
		Data: map[string]any{
			"id":        def.ID,
			"name":      def.Name,
			"kind":      string(def.Schedule.Kind),
			"run_count": def.RunCount,
		},
	})
}

func (s *Scheduler) kickEval() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// nextRun computes the first fire time strictly derived from sched. The
// zero return on error keeps callers from registering dead definitions.
func (s *Scheduler) nextRun(sched Schedule, now time.Time) (time.Time, error) {
	switch sched.Kind {
	case KindOnce:
		if sched.At.IsZero() {
			return time.Time{}, errors.New("once schedule requires a timestamp")
		}
		return sched.At, nil
	case KindInterval:
		if sched.Every <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule requires a positive duration, got %s", sched.Every)
		}
		return now.Add(sched.Every), nil
	case KindDaily:
		h, m, err := parseHHMM(sched.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, s.loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case KindWeekly:
		h, m, err := parseHHMM(sched.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, s.loc)
		days := (int(sched.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil
	case KindCron:
		sc, err := s.parser.Parse(sched.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", sched.Expr, err)
		}
		return sc.Next(now.In(s.loc)), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

func (st Status) terminal() bool {
	return st == StatusCompleted || st == StatusFailed
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
