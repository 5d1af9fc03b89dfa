// Package types holds the shared data model for the reverie core.
// Everything here is either immutable after construction or copied before
// being handed across goroutine boundaries.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// ATTENTION
// =============================================================================

// IntentCategory classifies what an inbound message is asking for.
type IntentCategory string

const (
	IntentGreeting  IntentCategory = "greeting"
	IntentQuestion  IntentCategory = "question"
	IntentRequest   IntentCategory = "request"
	IntentFarewell  IntentCategory = "farewell"
	IntentSmalltalk IntentCategory = "smalltalk"
	IntentUnknown   IntentCategory = "unknown"
)

// FocusPriority orders competing stimuli.
type FocusPriority int

const (
	PriorityAmbient FocusPriority = 0
	PriorityNormal  FocusPriority = 1
	PriorityUrgent  FocusPriority = 2
)

// String returns the priority name.
func (p FocusPriority) String() string {
	switch p {
	case PriorityAmbient:
		return "ambient"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// AttentionFocus is the per-message classification produced by the
// attention tracker. Created once per inbound message, immutable,
// discarded when the request completes.
type AttentionFocus struct {
	Intent       IntentCategory
	Priority     FocusPriority
	Summary      string
	IdleDuration time.Duration // idle time before this message arrived
	Anomalies    []string      // world anomalies active when focus was formed
}

// =============================================================================
// CONTEXT
// =============================================================================

// ContextData is the opaque payload a context source returns. Empty-but-valid
// results are represented by an empty Text and nil Fragments, never by an error.
type ContextData struct {
	Text      string
	Fragments []string
}

// ContextResult wraps one source's contribution with freshness metadata.
type ContextResult struct {
	Data       ContextData
	IsFallback bool
	Latency    time.Duration
}

// ContextBundle is the fused result of the concurrent working/world/recall
// fetch. Owned exclusively by one request's processing path; never mutated
// after Gather returns.
type ContextBundle struct {
	Working ContextResult
	World   ContextResult
	Recall  ContextResult
}

// FallbackCount returns how many of the three sources fell back.
func (b ContextBundle) FallbackCount() int {
	n := 0
	for _, r := range []ContextResult{b.Working, b.World, b.Recall} {
		if r.IsFallback {
			n++
		}
	}
	return n
}

// =============================================================================
// PERSONA
// =============================================================================

// PersonaState is the read-mostly identity/disposition document. The payload
// strings are opaque to the core. Mutated only through the persona store's
// single-writer queue; everyone else works on snapshots.
type PersonaState struct {
	Identity         string   `yaml:"identity"`
	ActiveBeliefs    []string `yaml:"active_beliefs"`
	ActiveGoals      []string `yaml:"active_goals"`
	EmotionalValence float64  `yaml:"emotional_valence"` // -1.0 .. 1.0
	Mode             string   `yaml:"mode"`
	Version          int64    `yaml:"version"`
}

// Clone returns a deep copy safe to hand to an in-flight generation.
func (p PersonaState) Clone() PersonaState {
	out := p
	out.ActiveBeliefs = append([]string(nil), p.ActiveBeliefs...)
	out.ActiveGoals = append([]string(nil), p.ActiveGoals...)
	return out
}

// =============================================================================
// RESPONSE
// =============================================================================

// ResponseOrigin marks which tier produced a candidate.
type ResponseOrigin string

const (
	OriginFast ResponseOrigin = "fast"
	OriginDeep ResponseOrigin = "deep"
)

// ResponseCandidate is produced by the fast path or the reasoning engine and
// consumed exactly once.
type ResponseCandidate struct {
	Text       string
	Confidence float64
	Origin     ResponseOrigin
}

// Token is one unit of streamed output. Err is set at most on the final
// token of a stream; Final marks end-of-stream whether clean or degraded.
type Token struct {
	Text  string
	Final bool
	Err   error
}

// =============================================================================
// CONSCIOUSNESS
// =============================================================================

// ConsciousnessState is the lifecycle state of the orchestrator singleton.
type ConsciousnessState int

const (
	StateDormant ConsciousnessState = iota
	StateAwakening
	StateConscious
	StateFocused
	StateDreaming
	StateHibernating
)

// String returns the state name.
func (s ConsciousnessState) String() string {
	switch s {
	case StateDormant:
		return "dormant"
	case StateAwakening:
		return "awakening"
	case StateConscious:
		return "conscious"
	case StateFocused:
		return "focused"
	case StateDreaming:
		return "dreaming"
	case StateHibernating:
		return "hibernating"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Idle reports whether background loops should do real work in this state.
// DORMANT and HIBERNATING allow health bookkeeping only.
func (s ConsciousnessState) Idle() bool {
	return s == StateDormant || s == StateHibernating
}

// =============================================================================
// BACKGROUND TASKS
// =============================================================================

// TaskHandleSnapshot is the exported view of one background loop's
// bookkeeping, used for health reporting.
type TaskHandleSnapshot struct {
	Name                string
	Interval            time.Duration
	LastRun             time.Time
	LastError           string
	Runs                int64
	Failures            int64
	ConsecutiveFailures int64
}

// StatusReport is returned by the orchestrator's Status call.
type StatusReport struct {
	State             ConsciousnessState
	Requests          int64
	FastPathHits      int64
	DeepResponses     int64
	DegradedResponses int64
	FallbackBundles   int64
	WorkingFallbacks  int64
	WorldFallbacks    int64
	RecallFallbacks   int64
	IdleFor           time.Duration
	PersonaVersion    int64
	OutstandingTasks  int
	BackgroundTasks   []TaskHandleSnapshot
}
