// Package app wires the conductor components together: config, logging,
// event bus, storage, queue, scheduler, orchestrator, worker pool and
// auto-scaler. Construction is explicit so the dependency graph stays
// readable in one place.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/internal/autoscaler"
	"conductor/internal/config"
	"conductor/internal/eventbus"
	"conductor/internal/orchestrator"
	"conductor/internal/queue"
	"conductor/internal/retry"
	"conductor/internal/runtime/supervisor"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
	"conductor/internal/worker"
	logx "conductor/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	breakers *retry.Breakers
	pool     *worker.Pool
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	orch     *orchestrator.Orchestrator
	scaler   *autoscaler.AutoScaler

	cfgSub chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	bus := eventbus.New()
	logs, log := logx.New(cfg.LogRuntime(), bus)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := cfg.StorageRuntime()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	breakerCfg, err := cfg.BreakerRuntime()
	if err != nil {
		return nil, err
	}
	breakers := retry.NewBreakers(breakerCfg, log.With(logx.String("comp", "breaker")), bus)

	scalerCfg, rules, err := cfg.AutoScalerRuntime()
	if err != nil {
		return nil, err
	}
	pool := worker.NewPool(scalerCfg.InitialWorkers, nil, log.With(logx.String("comp", "pool")))

	queueCfg, err := cfg.QueueRuntime()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		breakers: breakers,
		pool:     pool,
	}
	a.queue = queue.New(queueCfg, a.executeTask, log.With(logx.String("comp", "queue")), bus)
	restoreHistory(context.Background(), store, a.queue, queueCfg.HistorySize, log)

	schedCfg, err := cfg.SchedulerRuntime()
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.fireSchedule, log.With(logx.String("comp", "scheduler")), bus)

	a.orch = orchestrator.New(log.With(logx.String("comp", "orchestrator")))

	a.scaler = autoscaler.New(scalerCfg, &autoscaler.RuntimeMetrics{
		QueueStats: a.queue.Stats,
		Workers:    pool.Size,
	}, pool.Resize, log.With(logx.String("comp", "autoscaler")), bus)
	for _, r := range rules {
		if _, err := a.scaler.AddRule(r); err != nil {
			return nil, fmt.Errorf("scaling rule %s: %w", r.ID, err)
		}
	}

	return a, nil
}

// Queue exposes the task queue for embedding callers.
func (a *App) Queue() *queue.Queue { return a.queue }

// Scheduler exposes the schedule registry.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Orchestrator exposes the batch coordinator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// AutoScaler exposes the scaling controller.
func (a *App) AutoScaler() *autoscaler.AutoScaler { return a.scaler }

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("queue", a.queue.Run)

	cfg := a.cfgm.Get()
	if cfg.Scheduler.Enabled {
		a.sup.Go("scheduler", a.sched.Run)
	}
	if cfg.AutoScaler.Enabled {
		a.sup.Go("autoscaler", a.scaler.Run)
	}
	a.sup.Go("persist", a.persistLoop)

	a.cfgSub = a.cfgm.Subscribe(1)
	a.sup.Go("config.apply", a.applyLoop)

	a.log.Info("conductor started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	err := a.sup.Stop(ctx)
	a.cfgm.Unsubscribe(a.cfgSub)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	a.log.Info("conductor stopped")
	return err
}

// executeTask is the queue's execute callback: every dispatch goes to a
// pool worker behind the command's circuit breaker.
func (a *App) executeTask(ctx context.Context, t queue.Task) (any, error) {
	return a.breakers.Do(breakerKey(t), func() (any, error) {
		return a.pool.Execute(ctx, t)
	})
}

// restoreHistory reloads persisted terminal tasks into the queue's history
// ring so completed dependencies survive a restart.
func restoreHistory(ctx context.Context, store storage.Store, q *queue.Queue, limit int, log logx.Logger) {
	if limit <= 0 {
		limit = 1000
	}
	tasks, err := store.RecentTasks(ctx, limit)
	if err != nil {
		if !errors.Is(err, storage.ErrDisabled) {
			log.Warn("restore task history failed", logx.Err(err))
		}
		return
	}
	if len(tasks) == 0 {
		return
	}
	// The store returns newest first; the ring wants oldest first.
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	q.RestoreTasks(tasks)
	log.Info("task history restored", logx.Int("tasks", len(tasks)))
}

// fireSchedule turns a due schedule into a queued task carrying the
// definition's enqueue options.
func (a *App) fireSchedule(_ context.Context, def scheduler.Definition) error {
	prio, err := queue.ParsePriority(def.Priority)
	if err != nil {
		a.log.Warn("schedule has unknown priority, using normal",
			logx.String("schedule", def.ID), logx.String("priority", def.Priority))
		prio = queue.PriorityNormal
	}
	_, err = a.queue.Enqueue(def.Command, queue.Options{
		Priority:   prio,
		MaxRetries: def.MaxRetries,
	})
	return err
}

// persistLoop mirrors terminal tasks and scaling events into storage.
func (a *App) persistLoop(ctx context.Context) error {
	events, unsubscribe := a.bus.Subscribe(128)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.persistEvent(ctx, ev)
		}
	}
}

func (a *App) persistEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeTaskCompleted, eventbus.TypeTaskFailed, eventbus.TypeTaskCancelled:
		te, ok := ev.Data.(queue.TaskEvent)
		if !ok {
			return
		}
		task, ok := a.queue.Get(te.ID)
		if !ok {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.store.SaveTask(sctx, task); err != nil {
			a.log.Warn("persist task failed", logx.String("task", te.ID), logx.Err(err))
		}
		cancel()
	case eventbus.TypeScaled:
		data, ok := ev.Data.(map[string]any)
		if !ok {
			return
		}
		prev, _ := data["previous"].(int)
		next, _ := data["new"].(int)
		rule, _ := data["rule"].(string)
		reason, _ := data["reason"].(string)
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := a.store.SaveScalingEvent(sctx, autoscaler.ScalingEvent{
			Previous: prev, New: next, Rule: rule, Reason: reason, Time: ev.Time,
		})
		if err != nil {
			a.log.Warn("persist scaling event failed", logx.Err(err))
		}
		cancel()
	}
}

// applyLoop pushes validated config reloads into live components.
func (a *App) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-a.cfgSub:
			if !ok {
				return nil
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(cfg.LogRuntime())
	if qc, err := cfg.QueueRuntime(); err == nil {
		a.queue.Apply(qc)
	}
	if sc, err := cfg.SchedulerRuntime(); err == nil {
		a.sched.Apply(sc)
	}
	if ac, _, err := cfg.AutoScalerRuntime(); err == nil {
		a.scaler.Apply(ac)
	}
	a.log.Info("config applied")
}

// breakerKey groups tasks by command so one flaky binary cannot trip
// unrelated work.
func breakerKey(t queue.Task) string {
	switch p := t.Payload.(type) {
	case worker.CommandPayload:
		return "cmd:" + p.Name
	case *worker.CommandPayload:
		if p != nil {
			return "cmd:" + p.Name
		}
	case map[string]any:
		if name, ok := p["name"].(string); ok && name != "" {
			return "cmd:" + name
		}
	}
	return "cmd:default"
}
