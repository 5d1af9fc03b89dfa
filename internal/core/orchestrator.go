// Package core is the response-orchestration singleton. It owns the
// consciousness state machine, the context fan-out, the fast-path/deep-path
// split, the background loops, and the post-response side effects.
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"reverie/internal/attention"
	"reverie/internal/config"
	"reverie/internal/effects"
	"reverie/internal/fanout"
	"reverie/internal/fastpath"
	"reverie/internal/lifecycle"
	"reverie/internal/logging"
	"reverie/internal/memory"
	"reverie/internal/persona"
	"reverie/internal/reasoning"
	"reverie/internal/scheduler"
	"reverie/internal/types"
	"reverie/internal/world"
)

// Consolidator compacts old episodic memory during DREAMING.
type Consolidator interface {
	Consolidate(ctx context.Context, retain int) (int, error)
}

// Orchestrator is the singleton that routes every inbound message through
// attention, fan-out, fast path and deep reasoning. Construct with New (or
// Get for the process-wide instance), then Awaken before processing.
type Orchestrator struct {
	cfg *config.Config

	machine    *lifecycle.Machine
	tracker    *attention.Tracker
	worldModel *world.Model
	working    *fanout.WorkingSource
	fan        *fanout.Orchestrator
	quick      *fastpath.Responder
	engine     reasoning.Engine
	personas   *persona.Store
	memories   *memory.Store
	consol     Consolidator
	sched      *scheduler.Scheduler
	dispatcher *effects.Dispatcher

	// reasonSem serializes deep-reasoning generations: at most one in
	// flight per singleton.
	reasonSem *semaphore.Weighted

	awakenMu  sync.Mutex
	schedOnce sync.Once

	lastConsolidation atomic.Int64 // unix nanos

	requests        int64
	fastHits        int64
	deepResponses   int64
	degraded        int64
	fallbackBundles int64
}

// Option tweaks construction, mainly for tests.
type Option func(*Orchestrator)

// WithEngine overrides the configured reasoning engine.
func WithEngine(e reasoning.Engine) Option {
	return func(o *Orchestrator) { o.engine = e }
}

// WithConsolidator overrides the episodic store as consolidation target.
func WithConsolidator(c Consolidator) Option {
	return func(o *Orchestrator) { o.consol = c }
}

// WithWorldSource adds an extra world-state source.
func WithWorldSource(s world.Source) Option {
	return func(o *Orchestrator) { o.worldModel.AddSource(s) }
}

// New wires a complete orchestrator in DORMANT state. Nothing runs until
// Awaken (explicit or implicit via the first request).
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	personas, err := persona.Open(cfg.Persona.Path, cfg.Persona.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("open persona store: %w", err)
	}
	if cfg.Persona.WatchFile {
		if err := personas.WatchFile(); err != nil {
			logging.Get(logging.CategoryBoot).Warn("persona watch disabled: %v", err)
		}
	}

	memories, err := memory.NewStore(cfg.Memory.DatabasePath, cfg.Memory.ConsolidateAfter)
	if err != nil {
		personas.Close()
		return nil, fmt.Errorf("open episodic store: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		machine:    lifecycle.New(),
		tracker:    attention.NewTracker(),
		worldModel: world.NewModel(world.ClockSource{}),
		working:    fanout.NewWorkingSource(),
		quick:      fastpath.NewResponder(),
		personas:   personas,
		memories:   memories,
		sched:      scheduler.New(cfg.Scheduler.ShutdownGrace.Std()),
		dispatcher: effects.NewDispatcher(),
		reasonSem:  semaphore.NewWeighted(1),
	}
	o.consol = memories

	for _, opt := range opts {
		opt(o)
	}

	if o.engine == nil {
		engine, err := reasoning.NewEngine(context.Background(), cfg.LLM)
		if err != nil {
			memories.Close()
			personas.Close()
			return nil, err
		}
		o.engine = engine
	}

	o.fan = fanout.NewOrchestrator(
		o.working,
		fanout.NewWorldSource(o.worldModel),
		fanout.NewRecallSource(memories, cfg.Memory.RecallLimit),
		fanout.Config{
			WorkingTimeout: cfg.Fanout.WorkingTimeout.Std(),
			WorldTimeout:   cfg.Fanout.WorldTimeout.Std(),
			RecallTimeout:  cfg.Fanout.RecallTimeout.Std(),
		},
	)

	o.registerLoops()
	logging.Boot("orchestrator wired: engine=%s persona=%q", o.engine.Name(), personas.Snapshot().Identity)
	return o, nil
}

// -----------------------------------------------------------------------------
// Singleton access
// -----------------------------------------------------------------------------

var (
	globalOnce sync.Once
	global     *Orchestrator
	globalErr  error
)

// Get returns the process-wide orchestrator, constructing it on first call.
func Get(cfg *config.Config) (*Orchestrator, error) {
	globalOnce.Do(func() {
		global, globalErr = New(cfg)
	})
	return global, globalErr
}

// -----------------------------------------------------------------------------
// Background loops
// -----------------------------------------------------------------------------

func (o *Orchestrator) registerLoops() {
	o.sched.RegisterLoop("world-refresh", o.cfg.Scheduler.WorldRefreshInterval.Std(), func(ctx context.Context) error {
		if o.machine.State().Idle() {
			return nil
		}
		return o.worldModel.Refresh(ctx)
	})

	o.sched.RegisterLoop("pattern-scan", o.cfg.Scheduler.PatternScanInterval.Std(), func(ctx context.Context) error {
		if o.machine.State().Idle() {
			return nil
		}
		for _, anomaly := range o.worldModel.ScanForAnomalies(0.25) {
			o.tracker.NotifyAnomaly(anomaly)
		}
		return nil
	})

	o.sched.RegisterLoop("idle-consolidation", o.cfg.Scheduler.IdleCheckInterval.Std(), o.consolidateIfIdle)
}

// consolidateIfIdle is the DREAMING cycle: CONSCIOUS and idle past the
// threshold means we compact episodic memory, then return to CONSCIOUS. A
// request arriving mid-dream yanks the machine back first; losing that race
// is not an error.
func (o *Orchestrator) consolidateIfIdle(ctx context.Context) error {
	threshold := o.cfg.Lifecycle.IdleThreshold.Std()
	idle := o.tracker.IdleDuration()
	if idle < threshold {
		return nil
	}
	// One consolidation per idle stretch: if the last one happened after
	// this stretch began, there is nothing new to compact.
	stretchStart := time.Now().Add(-idle)
	if last := o.lastConsolidation.Load(); last > 0 && time.Unix(0, last).After(stretchStart) {
		return nil
	}
	if err := o.machine.TransitionFrom(types.StateConscious, types.StateDreaming); err != nil {
		return nil // not conscious, or a request won the race
	}

	n, err := o.consol.Consolidate(ctx, o.cfg.Memory.RetainConsolidated)
	o.lastConsolidation.Store(time.Now().UnixNano())

	if terr := o.machine.TransitionFrom(types.StateDreaming, types.StateConscious); terr != nil {
		// A request already pulled us back to CONSCIOUS.
		logging.SchedulerDebug("dream ended early: %v", terr)
	}
	if err != nil {
		return fmt.Errorf("consolidation failed: %w", err)
	}

	// Mood settles while dreaming. Goes through the same single-writer queue
	// as the request-path mutations.
	if merr := o.personas.Mutate("dream settling", func(p *types.PersonaState) {
		p.EmotionalValence *= 0.8
	}); merr != nil {
		logging.Get(logging.CategoryScheduler).Warn("dream settling not applied: %v", merr)
	}

	logging.Scheduler("dream cycle consolidated %d episodes", n)
	return nil
}

// -----------------------------------------------------------------------------
// Lifecycle entry points
// -----------------------------------------------------------------------------

// Awaken brings the orchestrator to CONSCIOUS from DORMANT or HIBERNATING.
// Calling it while already awake is a no-op.
func (o *Orchestrator) Awaken() error {
	o.awakenMu.Lock()
	defer o.awakenMu.Unlock()

	switch o.machine.State() {
	case types.StateConscious, types.StateFocused, types.StateDreaming, types.StateAwakening:
		return nil
	}
	if err := o.machine.Transition(types.StateAwakening); err != nil {
		return err
	}

	// Prime the world snapshot so the first gather has something to serve.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.worldModel.Refresh(ctx); err != nil {
		logging.Get(logging.CategoryBoot).Warn("initial world refresh failed: %v", err)
	}

	o.schedOnce.Do(o.sched.Start)
	o.sched.Resume()
	return o.machine.Transition(types.StateConscious)
}

// Sleep moves the orchestrator to HIBERNATING, waiting for any in-flight
// request to finish first. Background loops pause but keep their health
// bookkeeping.
func (o *Orchestrator) Sleep(ctx context.Context) error {
	for {
		err := o.machine.WaitFor(ctx, func(s types.ConsciousnessState) bool {
			return s != types.StateFocused && s != types.StateAwakening
		})
		if err != nil {
			return err
		}

		state := o.machine.State()
		if state == types.StateDormant || state == types.StateHibernating {
			return nil
		}
		if err := o.machine.TransitionFrom(state, types.StateHibernating); err != nil {
			continue // lost a race with a request, wait again
		}
		o.sched.Pause()
		logging.Lifecycle("hibernating")
		return nil
	}
}

// Shutdown drains the whole core: hibernate, stop loops, drain side
// effects, close stores.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := o.Sleep(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := o.sched.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := o.dispatcher.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	o.personas.Close()
	if err := o.memories.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	logging.Boot("orchestrator shut down")
	return firstErr
}

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// State returns the current consciousness state.
func (o *Orchestrator) State() types.ConsciousnessState { return o.machine.State() }

// Status assembles the health report.
func (o *Orchestrator) Status() types.StatusReport {
	_, workingFB, worldFB, recallFB := o.fan.Metrics()
	return types.StatusReport{
		State:             o.machine.State(),
		Requests:          atomic.LoadInt64(&o.requests),
		FastPathHits:      atomic.LoadInt64(&o.fastHits),
		DeepResponses:     atomic.LoadInt64(&o.deepResponses),
		DegradedResponses: atomic.LoadInt64(&o.degraded),
		FallbackBundles:   atomic.LoadInt64(&o.fallbackBundles),
		WorkingFallbacks:  workingFB,
		WorldFallbacks:    worldFB,
		RecallFallbacks:   recallFB,
		IdleFor:           o.tracker.IdleDuration(),
		PersonaVersion:    o.personas.Version(),
		OutstandingTasks:  int(o.dispatcher.Outstanding()),
		BackgroundTasks:   o.sched.Snapshots(),
	}
}
