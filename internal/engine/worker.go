package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/pkg/schema"
)

// Advancer moves an execution to its next stop point. Satisfied by *Interpreter.
type Advancer interface {
	Advance(ctx context.Context, executionID string) (*RunResult, error)
}

// Drive advances an execution until it leaves running, re-entering after
// every loop yield.
func Drive(ctx context.Context, a Advancer, executionID string) (*RunResult, error) {
	for {
		res, err := a.Advance(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if !res.Yielded || res.Status != schema.ExecutionRunning {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
}

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Yields    int64 `json:"yields"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool drives executions in the background with bounded concurrency.
// An execution is driven by at most one worker at a time. A worker gives its
// slot back at every loop yield so other executions can make progress.
type WorkerPool struct {
	advancer Advancer
	logger   *slog.Logger
	sem      chan struct{}
	wg       sync.WaitGroup
	metrics  PoolMetrics
	mu       sync.Mutex
	inflight map[string]bool
	done     chan struct{}
	closed   bool

	// OnFinish, when set, observes every execution that stops being driven.
	OnFinish func(executionID string, res *RunResult, err error)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(advancer Advancer, size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &WorkerPool{
		advancer: advancer,
		logger:   logger,
		sem:      make(chan struct{}, size),
		inflight: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Submit schedules an execution to be driven. It blocks while the pool is at
// capacity and respects ctx while waiting. It reports false without error when
// the execution is already being driven.
func (p *WorkerPool) Submit(ctx context.Context, executionID string) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrPoolShutdown
	}
	if p.inflight[executionID] {
		p.mu.Unlock()
		return false, nil
	}
	p.inflight[executionID] = true
	p.mu.Unlock()

	if err := p.acquire(ctx); err != nil {
		p.release(executionID)
		return false, err
	}

	// wg.Add(1) must happen under the lock to not race with Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		p.release(executionID)
		return false, ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go p.run(ctx, executionID)
	return true, nil
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}
}

// run holds a slot on entry.
func (p *WorkerPool) run(ctx context.Context, executionID string) {
	var (
		res     *RunResult
		err     error
		holding = true
	)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			err = fmt.Errorf("panic driving execution %s: %v", executionID, r)
			p.logger.Error("execution driver panicked", "execution_id", executionID, "panic", r)
		}
		if err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
		if holding {
			<-p.sem
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		p.release(executionID)
		if p.OnFinish != nil {
			p.OnFinish(executionID, res, err)
		}
		p.wg.Done()
	}()

	for {
		res, err = p.advancer.Advance(ctx, executionID)
		if err != nil {
			p.logger.Warn("advance execution failed", "execution_id", executionID, "error", err)
			return
		}
		if !res.Yielded || res.Status != schema.ExecutionRunning {
			return
		}

		atomic.AddInt64(&p.metrics.Yields, 1)
		<-p.sem
		holding = false
		select {
		case <-p.done:
			// Shutdown leaves the execution running at its checkpoint.
			return
		default:
		}
		if err = p.acquire(ctx); err != nil {
			if errors.Is(err, ErrPoolShutdown) {
				err = nil
			}
			return
		}
		holding = true
	}
}

func (p *WorkerPool) release(executionID string) {
	p.mu.Lock()
	delete(p.inflight, executionID)
	p.mu.Unlock()
}

// Driving reports whether an execution is currently owned by a worker.
func (p *WorkerPool) Driving(executionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[executionID]
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for the workers. Executions that
// were between loop batches stay running and are picked up on restart.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Yields:    atomic.LoadInt64(&p.metrics.Yields),
	}
}
