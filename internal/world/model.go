// Package world maintains the shared world snapshot: a concurrent-read map of
// named observations fed by registered sources. The background scheduler's
// world-refresh loop keeps it current and its pattern-scan loop inspects it
// for anomalies.
package world

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reverie/internal/logging"
)

// Observation is one named reading of the outside world.
type Observation struct {
	Key       string
	Value     float64
	Note      string
	UpdatedAt time.Time
}

// Source produces observations. Implementations wrap sensors, feeds, or
// other collaborators; they must respect the context deadline.
type Source interface {
	Name() string
	Observe(ctx context.Context) ([]Observation, error)
}

// Model is the shared world snapshot. Many concurrent readers, writes
// serialized through Refresh.
type Model struct {
	mu      sync.RWMutex
	current map[string]Observation
	prior   map[string]float64 // values at the previous refresh, for anomaly deltas
	sources []Source

	lastRefresh time.Time
	refreshes   int64
}

// NewModel creates an empty world model over the given sources.
func NewModel(sources ...Source) *Model {
	return &Model{
		current: make(map[string]Observation),
		prior:   make(map[string]float64),
		sources: sources,
	}
}

// AddSource registers an additional source. Not safe to call concurrently
// with Refresh; wire sources before the scheduler starts.
func (m *Model) AddSource(s Source) {
	m.sources = append(m.sources, s)
}

// Refresh re-queries every source in parallel and applies the results as one
// snapshot generation. A failing source fails the whole refresh; the previous
// snapshot stays intact and the caller (the world-refresh loop) records the
// error on its task handle.
func (m *Model) Refresh(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryWorld, "world refresh")
	defer timer.Stop()

	results := make([][]Observation, len(m.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range m.sources {
		g.Go(func() error {
			obs, err := src.Observe(gctx)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			results[i] = obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Get(logging.CategoryWorld).Warn("refresh failed: %v", err)
		return err
	}

	now := time.Now()
	m.mu.Lock()
	m.prior = make(map[string]float64, len(m.current))
	for k, o := range m.current {
		m.prior[k] = o.Value
	}
	for _, obs := range results {
		for _, o := range obs {
			if o.UpdatedAt.IsZero() {
				o.UpdatedAt = now
			}
			m.current[o.Key] = o
		}
	}
	m.lastRefresh = now
	m.refreshes++
	count := len(m.current)
	m.mu.Unlock()

	logging.World("refresh complete: %d observations from %d sources", count, len(m.sources))
	return nil
}

// Snapshot returns a copy of all current observations, sorted by key.
func (m *Model) Snapshot() []Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Observation, 0, len(m.current))
	for _, o := range m.current {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SnapshotText renders the snapshot as prompt-ready lines.
func (m *Model) SnapshotText() string {
	obs := m.Snapshot()
	if len(obs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, o := range obs {
		fmt.Fprintf(&b, "%s: %.3g", o.Key, o.Value)
		if o.Note != "" {
			fmt.Fprintf(&b, " (%s)", o.Note)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// LastRefresh returns when the snapshot was last applied.
func (m *Model) LastRefresh() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh
}

// ScanForAnomalies compares the current snapshot against the previous
// generation and reports keys whose value moved by more than ratio
// (proportionally) since the last refresh. Used by the pattern-scan loop.
func (m *Model) ScanForAnomalies(ratio float64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []string
	for key, o := range m.current {
		prev, ok := m.prior[key]
		if !ok {
			continue
		}
		base := math.Max(math.Abs(prev), 1e-9)
		delta := (o.Value - prev) / base
		if math.Abs(delta) >= ratio {
			direction := "spiked"
			if delta < 0 {
				direction = "dropped"
			}
			found = append(found, fmt.Sprintf("%s %s %.0f%%", key, direction, math.Abs(delta)*100))
		}
	}
	sort.Strings(found)
	if len(found) > 0 {
		logging.World("pattern scan: %d anomalies", len(found))
	}
	return found
}

// -----------------------------------------------------------------------------
// Built-in sources
// -----------------------------------------------------------------------------

// ClockSource reports coarse time-of-day observations so the model is never
// empty even with no external feeds wired.
type ClockSource struct{}

// Name implements Source.
func (ClockSource) Name() string { return "clock" }

// Observe implements Source.
func (ClockSource) Observe(_ context.Context) ([]Observation, error) {
	now := time.Now()
	return []Observation{
		{Key: "time.hour", Value: float64(now.Hour()), Note: now.Weekday().String()},
		{Key: "time.weekday", Value: float64(now.Weekday())},
	}, nil
}

// FuncSource adapts a closure into a Source, mostly for tests and small
// embedded feeds.
type FuncSource struct {
	SourceName string
	Fn         func(ctx context.Context) ([]Observation, error)
}

// Name implements Source.
func (f FuncSource) Name() string { return f.SourceName }

// Observe implements Source.
func (f FuncSource) Observe(ctx context.Context) ([]Observation, error) { return f.Fn(ctx) }
