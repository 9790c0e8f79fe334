// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// Cycle fan-out runs through it so a burst of triggers cannot spawn an
// unbounded number of matching goroutines.
type Pool struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once

	closeMu sync.RWMutex
	closed  bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(name string, workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Sends only happen under the read lock with the pool still open, so
	// Close can never pull the channel out from under an enqueue.
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}

	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		p.recordDepth()
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks and cancels workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		p.closeMu.Lock()
		p.closed = true
		close(p.jobs)
		p.closeMu.Unlock()
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
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

func (p *Pool) recordDepth() {
	observability.Telemetry().SetGauge("async_pool_queue_depth", float64(len(p.jobs)),
		map[string]string{"pool": p.name})
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			// Jobs accepted before Close still hold wg slots; drain them so
			// Shutdown does not wait out its deadline.
			for jb := range p.jobs {
				p.run(jb)
			}
			return
		case jb, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(jb)
		}
	}
}

func (p *Pool) run(jb job) {
	ctx := jb.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				observability.Log().Error("async task panic",
					observability.F("pool", p.name),
					observability.F("panic", r))
			}
		}()
		if err := jb.fn(ctx); err != nil {
			observability.Log().Debug("async task error",
				observability.F("pool", p.name),
				observability.F("error", err))
		}
	}()
	p.recordDepth()
	p.wg.Done()
}
