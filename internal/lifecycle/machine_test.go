package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reverie/internal/types"
)

func advance(t *testing.T, m *Machine, states ...types.ConsciousnessState) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
}

func TestHappyPathTransitions(t *testing.T) {
	m := New()
	if m.State() != types.StateDormant {
		t.Fatalf("initial state = %s, want dormant", m.State())
	}

	advance(t, m,
		types.StateAwakening,
		types.StateConscious,
		types.StateFocused,
		types.StateConscious,
		types.StateDreaming,
		types.StateConscious,
		types.StateHibernating,
		types.StateAwakening,
		types.StateConscious,
	)

	if n := m.Transitions(); n != 9 {
		t.Fatalf("transitions = %d, want 9", n)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	cases := []struct {
		from types.ConsciousnessState
		to   types.ConsciousnessState
	}{
		{types.StateDormant, types.StateConscious},
		{types.StateDormant, types.StateFocused},
		{types.StateAwakening, types.StateFocused},
		{types.StateFocused, types.StateDreaming},
		{types.StateFocused, types.StateHibernating},
		{types.StateHibernating, types.StateConscious},
		{types.StateHibernating, types.StateFocused},
		{types.StateDreaming, types.StateFocused},
	}

	for _, c := range cases {
		m := machineIn(t, c.from)
		err := m.Transition(c.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: err = %v, want ErrInvalidTransition", c.from, c.to, err)
		}
		if m.State() != c.from {
			t.Errorf("%s -> %s: state moved to %s on rejected transition", c.from, c.to, m.State())
		}
	}
}

// machineIn walks a fresh machine to the requested state through legal
// transitions only.
func machineIn(t *testing.T, target types.ConsciousnessState) *Machine {
	t.Helper()
	m := New()
	switch target {
	case types.StateDormant:
	case types.StateAwakening:
		advance(t, m, types.StateAwakening)
	case types.StateConscious:
		advance(t, m, types.StateAwakening, types.StateConscious)
	case types.StateFocused:
		advance(t, m, types.StateAwakening, types.StateConscious, types.StateFocused)
	case types.StateDreaming:
		advance(t, m, types.StateAwakening, types.StateConscious, types.StateDreaming)
	case types.StateHibernating:
		advance(t, m, types.StateAwakening, types.StateConscious, types.StateHibernating)
	}
	if m.State() != target {
		t.Fatalf("failed to reach %s", target)
	}
	return m
}

func TestTransitionFromIsCompareAndSet(t *testing.T) {
	m := machineIn(t, types.StateConscious)

	if err := m.TransitionFrom(types.StateDreaming, types.StateConscious); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CAS with wrong expectation: err = %v, want ErrInvalidTransition", err)
	}
	if err := m.TransitionFrom(types.StateConscious, types.StateFocused); err != nil {
		t.Fatalf("CAS with right expectation failed: %v", err)
	}
}

// Two racers both observing CONSCIOUS must not both win conflicting
// transitions out of it.
func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		m := machineIn(t, types.StateConscious)

		var wg sync.WaitGroup
		results := make([]error, 2)
		targets := []types.ConsciousnessState{types.StateFocused, types.StateDreaming}
		for j, target := range targets {
			wg.Add(1)
			go func(j int, target types.ConsciousnessState) {
				defer wg.Done()
				results[j] = m.TransitionFrom(types.StateConscious, target)
			}(j, target)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("iteration %d: %d racers won, want exactly 1 (results: %v)", i, wins, results)
		}
	}
}

func TestWaitForUnblocksOnTransition(t *testing.T) {
	m := machineIn(t, types.StateAwakening)

	done := make(chan error, 1)
	go func() {
		done <- m.WaitFor(context.Background(), func(s types.ConsciousnessState) bool {
			return s == types.StateConscious
		})
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("WaitFor returned early: %v", err)
	default:
	}

	if err := m.Transition(types.StateConscious); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitFor: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not unblock after the transition")
	}
}

func TestWaitForHonorsContext(t *testing.T) {
	m := New()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.WaitFor(ctx, func(s types.ConsciousnessState) bool {
		return s == types.StateConscious
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
