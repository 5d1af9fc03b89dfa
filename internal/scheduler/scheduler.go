// Package scheduler runs the background maintenance loops. Each loop is
// wrapped so one iteration's panic or error is recorded on its handle and
// never stops subsequent iterations; shutdown is cooperative with a bounded
// grace period.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// TaskFunc is one loop iteration. A returned error is recorded and logged;
// the loop keeps running.
type TaskFunc func(ctx context.Context) error

// TaskHandle is the bookkeeping record for one registered loop.
type TaskHandle struct {
	name     string
	interval time.Duration
	fn       TaskFunc

	mu                  sync.Mutex
	lastRun             time.Time
	lastError           error
	runs                int64
	failures            int64
	consecutiveFailures int64
}

// Name returns the loop's registered name.
func (h *TaskHandle) Name() string { return h.name }

// LastError returns the most recent iteration error, nil after a success.
func (h *TaskHandle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// Runs returns the number of completed iterations.
func (h *TaskHandle) Runs() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// Snapshot returns a copy of the handle's state for status reporting.
func (h *TaskHandle) Snapshot() types.TaskHandleSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := types.TaskHandleSnapshot{
		Name:                h.name,
		Interval:            h.interval,
		LastRun:             h.lastRun,
		Runs:                h.runs,
		Failures:            h.failures,
		ConsecutiveFailures: h.consecutiveFailures,
	}
	if h.lastError != nil {
		snap.LastError = h.lastError.Error()
	}
	return snap
}

func (h *TaskHandle) record(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRun = time.Now()
	h.runs++
	h.lastError = err
	if err != nil {
		h.failures++
		h.consecutiveFailures++
	} else {
		h.consecutiveFailures = 0
	}
}

// Scheduler owns the loop goroutines. Register loops before Start; after
// Stop the scheduler cannot be restarted.
type Scheduler struct {
	mu      sync.Mutex
	handles []*TaskHandle
	started bool
	stopped bool

	grace  time.Duration
	cancel context.CancelFunc
	wg     sync.WaitGroup

	paused int32 // nonzero while the singleton hibernates
}

// New creates a scheduler with the given shutdown grace period.
func New(grace time.Duration) *Scheduler {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Scheduler{grace: grace}
}

// RegisterLoop adds a repeating loop. Panics if called after Start, which
// would silently never run the loop.
func (s *Scheduler) RegisterLoop(name string, interval time.Duration, fn TaskFunc) *TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: RegisterLoop after Start")
	}
	h := &TaskHandle{name: name, interval: interval, fn: fn}
	s.handles = append(s.handles, h)
	return h
}

// Start launches every registered loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, h := range s.handles {
		s.wg.Add(1)
		go s.runLoop(ctx, h)
	}
	logging.Scheduler("started %d background loops", len(s.handles))
}

// Pause stops loops from doing work without tearing down their goroutines;
// ticks are swallowed until Resume. Health bookkeeping stays intact.
func (s *Scheduler) Pause() { atomic.StoreInt32(&s.paused, 1) }

// Resume re-enables paused loops.
func (s *Scheduler) Resume() { atomic.StoreInt32(&s.paused, 0) }

func (s *Scheduler) runLoop(ctx context.Context, h *TaskHandle) {
	defer s.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.SchedulerDebug("loop %s stopped", h.name)
			return
		case <-ticker.C:
			if atomic.LoadInt32(&s.paused) != 0 {
				continue
			}
			s.runOnce(ctx, h)
		}
	}
}

// runOnce executes a single iteration, converting panics into recorded
// errors so a bad iteration never kills the loop.
func (s *Scheduler) runOnce(ctx context.Context, h *TaskHandle) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("loop panicked: %v", r)
			h.record(err)
			logging.Get(logging.CategoryScheduler).Error("loop %s: %v", h.name, err)
		}
	}()

	if err := h.fn(ctx); err != nil {
		h.record(err)
		logging.Get(logging.CategoryScheduler).Warn("loop %s iteration failed: %v", h.name, err)
		return
	}
	h.record(nil)
}

// Stop cancels every loop and waits up to the grace period for them to
// finish their current iteration.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Scheduler("all background loops stopped")
		return nil
	case <-time.After(s.grace):
		return fmt.Errorf("background loops did not stop within %v", s.grace)
	}
}

// Snapshots returns the current bookkeeping for every registered loop.
func (s *Scheduler) Snapshots() []types.TaskHandleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TaskHandleSnapshot, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.Snapshot())
	}
	return out
}
