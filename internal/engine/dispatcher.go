package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DispatchMetrics tracks background run execution.
type DispatchMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrDispatcherShutdown is returned when work is submitted after Shutdown.
var ErrDispatcherShutdown = errors.New("dispatcher is shut down")

// Dispatcher launches runs as independent goroutines and tracks them so
// shutdown can wait for in-flight work. Admission is bounded by the run
// limiter, not here.
type Dispatcher struct {
	wg      sync.WaitGroup
	metrics DispatchMetrics
	mu      sync.Mutex
	closed  bool
}

// NewDispatcher creates an open dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Go runs fn in a new goroutine with a context detached from the caller's
// cancellation. Panics are recovered and counted.
func (d *Dispatcher) Go(ctx context.Context, fn func(ctx context.Context)) error {
	// wg.Add(1) MUST be inside the lock to prevent a race with Shutdown's wg.Wait().
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherShutdown
	}
	d.wg.Add(1)
	atomic.AddInt64(&d.metrics.Active, 1)
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&d.metrics.Panics, 1)
			}
			atomic.AddInt64(&d.metrics.Active, -1)
			atomic.AddInt64(&d.metrics.Completed, 1)
			d.wg.Done()
		}()
		fn(runCtx)
	}()
	return nil
}

// Wait blocks until all dispatched work completes.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting work and waits for in-flight runs, or until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the dispatcher metrics.
func (d *Dispatcher) Metrics() DispatchMetrics {
	return DispatchMetrics{
		Active:    atomic.LoadInt64(&d.metrics.Active),
		Completed: atomic.LoadInt64(&d.metrics.Completed),
		Panics:    atomic.LoadInt64(&d.metrics.Panics),
	}
}
