// Package lifecycle guards the consciousness state of the orchestrator
// singleton. Every transition goes through the machine's legality table
// under one lock, so two callers can never both observe CONSCIOUS and race
// into conflicting successor states.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// ErrInvalidTransition is returned when the requested transition is not in
// the legality table, or when a compare-and-set precondition fails.
var ErrInvalidTransition = errors.New("invalid state transition")

// legal maps each state to its allowed successors.
var legal = map[types.ConsciousnessState][]types.ConsciousnessState{
	types.StateDormant:     {types.StateAwakening},
	types.StateAwakening:   {types.StateConscious},
	types.StateConscious:   {types.StateFocused, types.StateDreaming, types.StateHibernating},
	types.StateFocused:     {types.StateConscious},
	types.StateDreaming:    {types.StateConscious, types.StateHibernating},
	types.StateHibernating: {types.StateAwakening},
}

// Machine is the session state machine. The zero value is unusable; use New.
type Machine struct {
	mu        sync.Mutex
	state     types.ConsciousnessState
	enteredAt time.Time
	changed   chan struct{} // closed and replaced on every transition

	transitions int64
}

// New creates a machine in DORMANT.
func New() *Machine {
	return &Machine{
		state:     types.StateDormant,
		enteredAt: time.Now(),
		changed:   make(chan struct{}),
	}
}

// State returns the current state.
func (m *Machine) State() types.ConsciousnessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TimeInState returns how long the machine has been in the current state.
func (m *Machine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.enteredAt)
}

// Transitions returns the total number of completed transitions.
func (m *Machine) Transitions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}

// Transition moves to the target state if legal from the current one.
func (m *Machine) Transition(to types.ConsciousnessState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom is the compare-and-set form: it moves to the target state
// only if the machine is currently in the expected state. Callers that
// decided on a transition outside the lock use this to detect losing a race.
func (m *Machine) TransitionFrom(from, to types.ConsciousnessState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: expected %s, machine is %s", ErrInvalidTransition, from, m.state)
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to types.ConsciousnessState) error {
	if !legalLocked(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	logging.Lifecycle("%s -> %s (after %v)", m.state, to, time.Since(m.enteredAt).Round(time.Millisecond))
	m.state = to
	m.enteredAt = time.Now()
	m.transitions++
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

func legalLocked(from, to types.ConsciousnessState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WaitFor blocks until the predicate holds for the current state or the
// context expires. Requests that arrive while the machine is waking up
// queue here until it reaches CONSCIOUS.
func (m *Machine) WaitFor(ctx context.Context, pred func(types.ConsciousnessState) bool) error {
	for {
		m.mu.Lock()
		state := m.state
		ch := m.changed
		m.mu.Unlock()

		if pred(state) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
