package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchPool_BoundsConcurrency(t *testing.T) {
	const size = 3
	pool := NewDispatchPool(size)
	defer pool.Shutdown()

	var current, peak int64
	for i := 0; i < 12; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if c <= p || atomic.CompareAndSwapInt64(&peak, p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	pool.Wait()

	if p := atomic.LoadInt64(&peak); p == 0 || p > size {
		t.Errorf("peak concurrency %d, pool size %d", p, size)
	}
	if m := pool.Metrics(); m.Completed != 12 || m.Active != 0 || m.Pooled != 12 {
		t.Errorf("metrics after wait: %+v", m)
	}
}

func TestDispatchPool_SubmitRespectsContext(t *testing.T) {
	pool := NewDispatchPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}

	close(block)
	pool.Wait()
}

func TestDispatchPool_InlineSkipsSlots(t *testing.T) {
	pool := NewDispatchPool(1)
	defer pool.Shutdown()

	// Occupy the only slot.
	block := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Inline dispatch must not wait for the slot.
	done := make(chan error, 1)
	go func() {
		done <- pool.RunInline(context.Background(), func(ctx context.Context) error {
			return nil
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("inline dispatch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("inline dispatch blocked on a pool slot")
	}

	close(block)
	pool.Wait()

	m := pool.Metrics()
	if m.Inline != 1 || m.Pooled != 1 || m.Completed != 2 {
		t.Errorf("metrics after inline dispatch: %+v", m)
	}
}

func TestDispatchPool_InlineReturnsErrors(t *testing.T) {
	pool := NewDispatchPool(1)
	defer pool.Shutdown()

	boom := errors.New("boom")
	if err := pool.RunInline(context.Background(), func(ctx context.Context) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}

	if err := pool.RunInline(context.Background(), func(ctx context.Context) error {
		panic("handler went sideways")
	}); err == nil {
		t.Error("expected an error from a panicking inline dispatch")
	}

	if m := pool.Metrics(); m.Failed != 2 || m.Panics != 1 || m.Active != 0 {
		t.Errorf("metrics after inline failures: %+v", m)
	}
}

func TestDispatchPool_PanicDoesNotKillPool(t *testing.T) {
	pool := NewDispatchPool(2)
	defer pool.Shutdown()

	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("block handler went sideways")
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pool.Wait()

	if m := pool.Metrics(); m.Panics != 1 || m.Failed != 1 {
		t.Errorf("metrics after panic: %+v", m)
	}

	var ran int64
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	pool.Wait()
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("pool unusable after panic")
	}
}

func TestDispatchPool_ShutdownDrainsAndRejects(t *testing.T) {
	pool := NewDispatchPool(2)

	var completed int64
	for i := 0; i < 5; i++ {
		if err := pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	pool.Shutdown()
	pool.Shutdown() // idempotent

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", completed)
	}
	if err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil }); err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
	if err := pool.RunInline(context.Background(), func(ctx context.Context) error { return nil }); err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown inline, got %v", err)
	}
}
