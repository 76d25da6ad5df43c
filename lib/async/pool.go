// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool. Submit never blocks: a saturated pool
// rejects the task so callers decide whether to retry, degrade, or drop.
// Task failures and panics are logged and counted, never fatal to a worker.
type Pool struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a named worker pool with the given concurrency and queue
// depth. The name labels log lines and failure counters.
func NewPool(name string, workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("async/new", errs.CodeInvalid,
			errs.WithMessage("workers must be positive"),
			errs.WithField("pool", name))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.name = name
	if p.name == "" {
		p.name = "async"
	}
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	observability.Log().Info("worker pool started",
		observability.F("pool", p.name),
		observability.F("workers", workers),
		observability.F("queue", queue))
	return p, nil
}

// Name returns the pool's label.
func (p *Pool) Name() string {
	return p.name
}

// Submit schedules the task for execution. It fails fast when the pool is
// closed, the caller's context is done, or the queue is full.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("async/submit", errs.CodeInvalid,
			errs.WithMessage("task must not be nil"),
			errs.WithField("pool", p.name))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The read lock excludes Close, so the channel cannot close mid-send.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("async/submit", errs.CodeUnavailable,
			errs.WithMessage("pool closed"),
			errs.WithField("pool", p.name))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("async/submit", errs.CodeUnavailable,
			errs.WithMessage("pool at capacity"),
			errs.WithField("pool", p.name))
	}
}

// Close stops accepting new tasks. Queued and in-flight tasks still run;
// use Shutdown to wait for them.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks to
// complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// worker drains the job channel until Close. Receiving over the closed
// channel yields the remaining queue first, so accepted work is never
// abandoned.
func (p *Pool) worker() {
	for job := range p.jobs {
		ctx := job.ctx
		if ctx == nil {
			ctx = p.ctx
		}
		p.execute(ctx, job.fn)
		p.wg.Done()
	}
}

func (p *Pool) execute(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("worker task panicked",
				observability.F("pool", p.name),
				observability.F("panic", fmt.Sprint(r)))
			observability.Telemetry().IncCounter("async.task.panics", 1, map[string]string{"pool": p.name})
		}
	}()
	if err := fn(ctx); err != nil {
		observability.Log().Error("worker task failed",
			observability.F("pool", p.name),
			observability.F("error", err))
		observability.Telemetry().IncCounter("async.task.failures", 1, map[string]string{"pool": p.name})
	}
}
