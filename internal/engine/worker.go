package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	InFlight  int64
	Completed int64
	Failed    int64
}

// WorkerPool bounds how many workflow steps run concurrently across all
// executions. Parallel steps fan their branches through the shared pool so
// a wide fan-out cannot exhaust the process.
type WorkerPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	closed bool

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit runs fn on a pool slot. It blocks while the pool is at capacity,
// honoring cancellation during the wait. onDone, if non-nil, receives fn's
// error (a recovered panic arrives as an error) after fn finishes.
//
// A goroutine that already holds a slot must not call Submit: waiting for
// a slot while occupying one deadlocks once the pool saturates. Nested
// fan-outs use TrySubmit and fall back to running inline.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error, onDone func(error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	return p.launch(ctx, fn, onDone)
}

// TrySubmit is Submit without the wait: when a slot is free fn runs on the
// pool and TrySubmit returns true; when the pool is saturated it returns
// false immediately and fn is not run. Callers that hold a slot themselves
// use the false case to run the work inline instead of blocking.
func (p *WorkerPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error, onDone func(error)) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-p.done:
		return false, ErrPoolShutdown
	default:
		return false, nil
	}

	if err := p.launch(ctx, fn, onDone); err != nil {
		return false, err
	}
	return true, nil
}

func (p *WorkerPool) launch(ctx context.Context, fn func(ctx context.Context) error, onDone func(error)) error {
	// Re-check after acquiring the slot; wg.Add must happen under the lock
	// so Shutdown's Wait cannot race with it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("step panicked: %v", r)
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			if onDone != nil {
				onDone(err)
			}
			p.inFlight.Add(-1)
			<-p.sem
			p.wg.Done()
		}()
		err = fn(ctx)
	}()

	return nil
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for in-flight work.
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

// Stats returns a snapshot of pool activity.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
