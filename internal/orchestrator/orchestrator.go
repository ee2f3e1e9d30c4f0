// Package orchestrator coordinates multi-worker task execution. A batch
// assigns an ordered task list to each worker; workers run their steps in
// order while the batch runs them in parallel or sequentially.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/queue"
	logx "conductor/pkg/logx"
)

// Worker executes one task at a time on behalf of the orchestrator.
type Worker interface {
	ID() string
	Execute(ctx context.Context, task *queue.Task) (map[string]any, error)
}

// Mode selects how workers in a batch are driven.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Assignment pairs a worker with its ordered steps.
type Assignment struct {
	Worker Worker
	Tasks  []*queue.Task
}

// Progress is reported after every finished step.
type Progress struct {
	WorkerID       string
	CompletedSteps int
	TotalSteps     int
	CurrentStep    string
}

// Options controls a batch run.
type Options struct {
	Mode        Mode
	StopOnError bool
	OnProgress  func(Progress)
}

// WorkerResult is the settled outcome for one worker.
type WorkerResult struct {
	WorkerID       string
	CompletedSteps int
	TotalSteps     int
	SkippedSteps   int
	Output         map[string]any
	Err            error
	Duration       time.Duration
}

// Orchestrator runs batches of assignments.
type Orchestrator struct {
	log logx.Logger
}

func New(log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{log: log}
}

// Run starts a batch and waits for it to settle.
func (o *Orchestrator) Run(ctx context.Context, assignments []Assignment, opts Options) []WorkerResult {
	return o.Start(ctx, assignments, opts).Wait()
}

// Start launches a batch and returns a handle for cooperative control.
// Cancel, CancelTask and Pause take effect between steps, never mid-step.
func (o *Orchestrator) Start(ctx context.Context, assignments []Assignment, opts Options) *Execution {
	runCtx, cancel := context.WithCancel(ctx)
	ex := &Execution{
		cancel:    cancel,
		resumed:   closedChan(),
		cancelled: map[string]bool{},
		results:   make([]WorkerResult, len(assignments)),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(ex.done)
		defer cancel()
		switch opts.Mode {
		case ModeSequential:
			o.runSequential(runCtx, ex, assignments, opts)
		default:
			o.runParallel(runCtx, ex, assignments, opts)
		}
	}()
	return ex
}

func (o *Orchestrator) runParallel(ctx context.Context, ex *Execution, assignments []Assignment, opts Options) {
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assignments {
		i, a := i, a
		g.Go(func() error {
			res := o.runWorker(gctx, ex, a, opts)
			ex.setResult(i, res)
			if opts.StopOnError && res.Err != nil {
				// cancel the group; peers observe gctx between steps
				return res.Err
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) runSequential(ctx context.Context, ex *Execution, assignments []Assignment, opts Options) {
	for i, a := range assignments {
		res := o.runWorker(ctx, ex, a, opts)
		ex.setResult(i, res)
		if opts.StopOnError && res.Err != nil {
			return
		}
	}
}

// runWorker drives one worker through its steps. A step failure settles
// the worker with its partial completion count; the batch keeps going.
func (o *Orchestrator) runWorker(ctx context.Context, ex *Execution, a Assignment, opts Options) WorkerResult {
	start := time.Now()
	res := WorkerResult{
		WorkerID:   a.Worker.ID(),
		TotalSteps: len(a.Tasks),
		Output:     map[string]any{},
	}
	for _, task := range a.Tasks {
		if err := ex.gate(ctx); err != nil {
			res.Err = err
			break
		}
		if ex.taskCancelled(task.ID) {
			res.SkippedSteps++
			continue
		}

		out, err := a.Worker.Execute(ctx, task)
		if err != nil {
			res.Err = err
			o.log.Warn("worker step failed",
				logx.String("worker", res.WorkerID),
				logx.String("task", task.ID),
				logx.Int("completed", res.CompletedSteps),
				logx.Err(err))
			break
		}
		for k, v := range out {
			res.Output[k] = v
		}
		res.CompletedSteps++
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				WorkerID:       res.WorkerID,
				CompletedSteps: res.CompletedSteps,
				TotalSteps:     res.TotalSteps,
				CurrentStep:    task.ID,
			})
		}
	}
	res.Duration = time.Since(start)
	return res
}

// Execution is the cooperative control handle for a running batch.
type Execution struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	paused    bool
	resumed   chan struct{} // closed while running, open (blocking) while paused
	cancelled map[string]bool

	rmu     sync.Mutex
	results []WorkerResult

	done chan struct{}
}

// Cancel stops the whole batch. In-flight steps finish first.
func (e *Execution) Cancel() { e.cancel() }

// CancelTask marks one task to be skipped. A step already executing is
// not interrupted.
func (e *Execution) CancelTask(taskID string) {
	e.mu.Lock()
	e.cancelled[taskID] = true
	e.mu.Unlock()
}

// Pause holds every worker before its next step.
func (e *Execution) Pause() {
	e.mu.Lock()
	if !e.paused {
		e.paused = true
		e.resumed = make(chan struct{})
	}
	e.mu.Unlock()
}

// Resume releases paused workers at the step they stopped before.
func (e *Execution) Resume() {
	e.mu.Lock()
	if e.paused {
		e.paused = false
		close(e.resumed)
	}
	e.mu.Unlock()
}

// Wait blocks until every worker settles and returns their results in
// assignment order.
func (e *Execution) Wait() []WorkerResult {
	<-e.done
	e.rmu.Lock()
	defer e.rmu.Unlock()
	return append([]WorkerResult(nil), e.results...)
}

// gate blocks while paused and reports batch cancellation.
func (e *Execution) gate(ctx context.Context) error {
	e.mu.Lock()
	ch := e.resumed
	e.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (e *Execution) taskCancelled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[id]
}

func (e *Execution) setResult(i int, res WorkerResult) {
	e.rmu.Lock()
	e.results[i] = res
	e.rmu.Unlock()
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
