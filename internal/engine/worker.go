package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DispatchMetrics counts block dispatches through the pool.
type DispatchMetrics struct {
	Pooled    int64 `json:"pooled"`
	Inline    int64 `json:"inline"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a block is dispatched to a shut-down pool.
var ErrPoolShutdown = errors.New("dispatch pool is shut down")

// DispatchPool bounds concurrent block execution across all runs sharing an
// engine. Pooled dispatch applies backpressure through a slot semaphore.
// Blocks that start nested runs must dispatch inline instead: the child run
// submits its own blocks into this same pool, and a parent holding a slot
// while its child waits for one deadlocks once such blocks fill every slot.
type DispatchPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics DispatchMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewDispatchPool creates a pool with the given number of slots.
func NewDispatchPool(size int) *DispatchPool {
	if size <= 0 {
		size = 1
	}
	return &DispatchPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit dispatches a block on a pool slot. It blocks while the pool is at
// capacity, respecting context cancellation, and returns ErrPoolShutdown
// after Shutdown.
func (p *DispatchPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	atomic.AddInt64(&p.metrics.Pooled, 1)

	go func() {
		defer p.release()
		p.invoke(ctx, fn)
	}()

	return nil
}

// RunInline executes a block on the calling goroutine without taking a slot.
// A panic inside fn is returned as an error instead of unwinding the caller.
func (p *DispatchPool) RunInline(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt64(&p.metrics.Inline, 1)
	atomic.AddInt64(&p.metrics.Active, 1)
	defer func() {
		atomic.AddInt64(&p.metrics.Active, -1)
		p.wg.Done()
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			err = fmt.Errorf("inline block dispatch panicked: %v", r)
		}
	}()

	err = fn(ctx)
	if err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
	return err
}

// acquire takes a slot, respecting context cancellation and shutdown.
func (p *DispatchPool) acquire(ctx context.Context) error {
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

	// Re-check closed after taking the slot in case Shutdown raced; wg.Add
	// must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()
	return nil
}

func (p *DispatchPool) release() {
	atomic.AddInt64(&p.metrics.Active, -1)
	<-p.sem
	p.wg.Done()
}

// invoke runs a pooled block, containing panics so one bad handler cannot
// take down the pool goroutine.
func (p *DispatchPool) invoke(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
		}
	}()

	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
}

// Wait blocks until all dispatched work completes.
func (p *DispatchPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new dispatches and waits
// for all active work to complete.
func (p *DispatchPool) Shutdown() {
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

// Metrics returns a snapshot of the current dispatch metrics.
func (p *DispatchPool) Metrics() DispatchMetrics {
	return DispatchMetrics{
		Pooled:    atomic.LoadInt64(&p.metrics.Pooled),
		Inline:    atomic.LoadInt64(&p.metrics.Inline),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
