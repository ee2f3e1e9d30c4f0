package worker

import (
	"context"
	"fmt"
	"sync"

	"conductor/internal/orchestrator"
	"conductor/internal/queue"
	logx "conductor/pkg/logx"
)

// Factory builds a worker for a pool slot.
type Factory func(id string) orchestrator.Worker

// Pool owns a resizable set of workers. Checkout blocks while every
// slot is busy; Resize is the auto-scaler's effector and takes effect
// immediately for growth, lazily for shrink (busy workers retire on
// return).
type Pool struct {
	mu      sync.Mutex
	log     logx.Logger
	factory Factory

	size    int
	seq     int
	idle    []orchestrator.Worker
	inUse   int
	waiters []chan orchestrator.Worker
}

func NewPool(size int, factory Factory, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	if size < 1 {
		size = 1
	}
	if factory == nil {
		factory = func(id string) orchestrator.Worker { return NewLocal(id, log) }
	}
	return &Pool{log: log, factory: factory, size: size}
}

// Size returns the current target slot count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Busy returns how many workers are checked out.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Resize sets the slot count. Shrinking never interrupts running work.
func (p *Pool) Resize(_ context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("pool size must be positive, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.size
	p.size = n

	// drop surplus idle workers when shrinking
	for len(p.idle) > 0 && p.inUse+len(p.idle) > n {
		p.idle = p.idle[:len(p.idle)-1]
	}
	// hand fresh workers to waiters when growing
	for len(p.waiters) > 0 && p.inUse < n {
		w := p.takeLocked()
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse++
		ch <- w
	}
	p.log.Debug("pool resized", logx.Int("from", prev), logx.Int("to", n))
	return nil
}

// Checkout returns a worker, blocking until a slot frees up.
func (p *Pool) Checkout(ctx context.Context) (orchestrator.Worker, error) {
	p.mu.Lock()
	if p.inUse < p.size {
		w := p.takeLocked()
		p.inUse++
		p.mu.Unlock()
		return w, nil
	}
	ch := make(chan orchestrator.Worker, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.mu.Lock()
		for i, have := range p.waiters {
			if have == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// a worker may have been handed over concurrently
		select {
		case w := <-ch:
			p.Return(w)
		default:
		}
		return nil, ctx.Err()
	case w := <-ch:
		return w, nil
	}
}

// Return releases a checked-out worker back to the pool.
func (p *Pool) Return(w orchestrator.Worker) {
	if w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) > 0 && p.inUse <= p.size {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- w
		return
	}
	p.inUse--
	if p.inUse+len(p.idle) < p.size {
		p.idle = append(p.idle, w)
	}
	// otherwise the worker retires: the pool shrank while it was busy
}

// Execute is the queue's execute callback: checkout, run, return.
func (p *Pool) Execute(ctx context.Context, t queue.Task) (any, error) {
	w, err := p.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Return(w)
	return w.Execute(ctx, &t)
}

func (p *Pool) takeLocked() orchestrator.Worker {
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return w
	}
	p.seq++
	return p.factory(fmt.Sprintf("worker-%d", p.seq))
}
