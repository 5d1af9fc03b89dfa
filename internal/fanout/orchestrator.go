// Package fanout runs the concurrent working/world/recall context fetch.
// Each source gets its own timeout and its own fallback; one slow source
// never blocks or cancels another, and Gather's wall-clock cost is the
// maximum of the three timeouts, not their sum.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// Request carries what a source needs to fetch relevant context.
type Request struct {
	RequestID string
	SessionID string
	UserID    string
	Content   string
	Focus     types.AttentionFocus
}

// Source is one pluggable context provider. Fetch must either return within
// the deadline on its context or accept being abandoned; "no data" is an
// empty-but-valid ContextData, never an error.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req Request) (types.ContextData, error)
}

// FallbackProvider lets a source define its substitute value. Sources
// without it fall back to an empty bundle entry.
type FallbackProvider interface {
	Fallback() types.ContextData
}

// Config holds the independent per-source timeouts.
type Config struct {
	WorkingTimeout time.Duration
	WorldTimeout   time.Duration
	RecallTimeout  time.Duration
}

// Orchestrator fans one request out to the three context sources.
type Orchestrator struct {
	working Source
	world   Source
	recall  Source
	cfg     Config

	// Metrics (atomic for lock-free reads)
	gathers        int64
	fallbackCounts [3]int64 // working, world, recall
}

// Slot indexes into per-source metrics.
const (
	slotWorking = iota
	slotWorld
	slotRecall
)

// NewOrchestrator creates a fan-out orchestrator. Any source may be nil;
// a nil source is treated identically to a timed-out one.
func NewOrchestrator(working, world, recall Source, cfg Config) *Orchestrator {
	if cfg.WorkingTimeout <= 0 {
		cfg.WorkingTimeout = 2 * time.Second
	}
	if cfg.WorldTimeout <= 0 {
		cfg.WorldTimeout = 2 * time.Second
	}
	if cfg.RecallTimeout <= 0 {
		cfg.RecallTimeout = 3 * time.Second
	}
	return &Orchestrator{working: working, world: world, recall: recall, cfg: cfg}
}

// Gather launches all three fetches concurrently and returns once each has
// completed or timed out. It never returns an error: failures become
// fallback-marked entries in the bundle.
func (o *Orchestrator) Gather(ctx context.Context, req Request) types.ContextBundle {
	timer := logging.StartTimer(logging.CategoryFanout, "gather")
	atomic.AddInt64(&o.gathers, 1)

	var bundle types.ContextBundle
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		bundle.Working = o.fetchOne(ctx, slotWorking, o.working, o.cfg.WorkingTimeout, req)
	}()
	go func() {
		defer wg.Done()
		bundle.World = o.fetchOne(ctx, slotWorld, o.world, o.cfg.WorldTimeout, req)
	}()
	go func() {
		defer wg.Done()
		bundle.Recall = o.fetchOne(ctx, slotRecall, o.recall, o.cfg.RecallTimeout, req)
	}()

	wg.Wait()
	timer.StopWithThreshold(o.maxTimeout() + 500*time.Millisecond)

	if n := bundle.FallbackCount(); n > 0 {
		logging.Fanout("gather %s: %d/3 sources fell back", req.RequestID, n)
	}
	return bundle
}

// fetchOne runs a single source under its own deadline. The fetch itself
// runs in an inner goroutine so a source that ignores its context can be
// abandoned without stalling the gather.
func (o *Orchestrator) fetchOne(ctx context.Context, slot int, src Source, timeout time.Duration, req Request) types.ContextResult {
	start := time.Now()

	if src == nil {
		// A source that cannot even be asked is treated like a timeout.
		atomic.AddInt64(&o.fallbackCounts[slot], 1)
		return types.ContextResult{Data: fallbackFor(src), IsFallback: true, Latency: time.Since(start)}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data types.ContextData
		err  error
	}
	resultCh := make(chan outcome, 1) // buffered: a late fetch completes without blocking

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryFanout).Error("source %s panicked: %v", src.Name(), r)
				resultCh <- outcome{err: context.Canceled}
			}
		}()
		data, err := src.Fetch(fetchCtx, req)
		resultCh <- outcome{data: data, err: err}
	}()

	select {
	case res := <-resultCh:
		latency := time.Since(start)
		if res.err != nil {
			logging.Get(logging.CategoryFanout).Warn("source %s failed after %v: %v", src.Name(), latency, res.err)
			atomic.AddInt64(&o.fallbackCounts[slot], 1)
			return types.ContextResult{Data: fallbackFor(src), IsFallback: true, Latency: latency}
		}
		logging.FanoutDebug("source %s returned in %v", src.Name(), latency)
		return types.ContextResult{Data: res.data, Latency: latency}

	case <-fetchCtx.Done():
		latency := time.Since(start)
		logging.Get(logging.CategoryFanout).Warn("source %s timed out after %v", src.Name(), latency)
		atomic.AddInt64(&o.fallbackCounts[slot], 1)
		return types.ContextResult{Data: fallbackFor(src), IsFallback: true, Latency: latency}
	}
}

func fallbackFor(src Source) types.ContextData {
	if fp, ok := src.(FallbackProvider); ok {
		return fp.Fallback()
	}
	return types.ContextData{}
}

func (o *Orchestrator) maxTimeout() time.Duration {
	max := o.cfg.WorkingTimeout
	if o.cfg.WorldTimeout > max {
		max = o.cfg.WorldTimeout
	}
	if o.cfg.RecallTimeout > max {
		max = o.cfg.RecallTimeout
	}
	return max
}

// Metrics reports gather and per-source fallback counts.
func (o *Orchestrator) Metrics() (gathers, workingFB, worldFB, recallFB int64) {
	return atomic.LoadInt64(&o.gathers),
		atomic.LoadInt64(&o.fallbackCounts[slotWorking]),
		atomic.LoadInt64(&o.fallbackCounts[slotWorld]),
		atomic.LoadInt64(&o.fallbackCounts[slotRecall])
}
