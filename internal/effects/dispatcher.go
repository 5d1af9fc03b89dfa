// Package effects runs post-response side effects: fire-and-forget with
// observability. A failed effect is logged with enough context to diagnose
// but never re-raised to the request path and never retried automatically.
package effects

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"reverie/internal/logging"
)

// ErrShuttingDown is returned by Dispatch once the dispatcher is draining.
var ErrShuttingDown = errors.New("effect dispatcher shutting down")

// Effect is one side-effect task. The context is cancelled when the
// dispatcher drains past its deadline.
type Effect func(ctx context.Context) error

// Dispatcher tracks in-flight side effects so shutdown can drain them.
type Dispatcher struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool

	outstanding int64
	dispatched  int64
	failed      int64
}

// NewDispatcher creates a ready dispatcher.
func NewDispatcher() *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{ctx: ctx, cancel: cancel}
}

// Dispatch launches the effect without blocking the caller. The name and
// request id exist purely for the failure log line.
func (d *Dispatcher) Dispatch(name, requestID string, fn Effect) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.Unlock()

	atomic.AddInt64(&d.outstanding, 1)
	atomic.AddInt64(&d.dispatched, 1)

	go func() {
		defer d.wg.Done()
		defer atomic.AddInt64(&d.outstanding, -1)
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&d.failed, 1)
				logging.Get(logging.CategoryEffects).Error("effect %s (request %s) panicked: %v", name, requestID, r)
			}
		}()

		start := time.Now()
		if err := fn(d.ctx); err != nil {
			atomic.AddInt64(&d.failed, 1)
			logging.Get(logging.CategoryEffects).Error("effect %s (request %s) failed after %v: %v", name, requestID, time.Since(start), err)
			return
		}
		logging.EffectsDebug("effect %s (request %s) completed in %v", name, requestID, time.Since(start))
	}()
	return nil
}

// Outstanding reports how many effects are currently in flight.
func (d *Dispatcher) Outstanding() int64 { return atomic.LoadInt64(&d.outstanding) }

// Metrics reports lifetime dispatch and failure counts.
func (d *Dispatcher) Metrics() (dispatched, failed int64) {
	return atomic.LoadInt64(&d.dispatched), atomic.LoadInt64(&d.failed)
}

// Shutdown stops accepting new effects and waits for in-flight ones. When
// ctx expires first, remaining effects are cancelled and abandoned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		logging.Get(logging.CategoryEffects).Warn("abandoned %d in-flight effects at shutdown", d.Outstanding())
		return ctx.Err()
	}
}
