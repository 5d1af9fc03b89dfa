package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoopRunsRepeatedly(t *testing.T) {
	s := New(time.Second)
	var runs int64
	s.RegisterLoop("counter", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	s.Start()
	defer mustStop(t, s)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop ran %d times, want at least 3", atomic.LoadInt64(&runs))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// A failing iteration is recorded on the handle and must not stop the loop.
func TestIterationFailureIsRecordedAndLoopContinues(t *testing.T) {
	s := New(time.Second)
	var runs int64
	h := s.RegisterLoop("broken", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("flaky dependency")
	})
	s.Start()
	defer mustStop(t, s)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop stopped after failure: %d runs", atomic.LoadInt64(&runs))
		case <-time.After(5 * time.Millisecond):
		}
	}

	snap := h.Snapshot()
	if snap.LastError == "" {
		t.Fatal("LastError not recorded")
	}
	if snap.Failures < 3 {
		t.Fatalf("failures = %d, want at least 3", snap.Failures)
	}
	if snap.ConsecutiveFailures < 3 {
		t.Fatalf("consecutive failures = %d, want at least 3", snap.ConsecutiveFailures)
	}
}

// A later success clears the consecutive counter and LastError; the lifetime
// failure count stands.
func TestSuccessClearsConsecutiveFailures(t *testing.T) {
	s := New(time.Second)
	var runs int64
	h := s.RegisterLoop("flaky", 10*time.Millisecond, func(context.Context) error {
		if atomic.AddInt64(&runs, 1) == 1 {
			return errors.New("one bad iteration")
		}
		return nil
	})
	s.Start()
	defer mustStop(t, s)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop stopped: %d runs", atomic.LoadInt64(&runs))
		case <-time.After(5 * time.Millisecond):
		}
	}

	snap := h.Snapshot()
	if snap.Failures != 1 {
		t.Fatalf("failures = %d, want 1", snap.Failures)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d after a success, want 0", snap.ConsecutiveFailures)
	}
	if snap.LastError != "" {
		t.Fatalf("LastError = %q after a success, want cleared", snap.LastError)
	}
}

func TestPanicIsContainedAndRecorded(t *testing.T) {
	s := New(time.Second)
	var runs int64
	h := s.RegisterLoop("panicky", 10*time.Millisecond, func(context.Context) error {
		if atomic.AddInt64(&runs, 1) == 1 {
			panic("iteration exploded")
		}
		return nil
	})
	s.Start()
	defer mustStop(t, s)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) < 2 {
		select {
		case <-deadline:
			t.Fatal("loop did not survive a panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if h.Snapshot().Failures < 1 {
		t.Fatal("panic was not recorded as a failure")
	}
}

func TestStopIsCooperativeAndBounded(t *testing.T) {
	s := New(500 * time.Millisecond)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s.RegisterLoop("slow", 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	s.Start()

	<-started
	close(release)
	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Stop took %v, want within the grace period", elapsed)
	}
}

func TestPauseSwallowsTicks(t *testing.T) {
	s := New(time.Second)
	var runs int64
	s.RegisterLoop("pausable", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	s.Pause()
	s.Start()
	defer mustStop(t, s)

	time.Sleep(80 * time.Millisecond)
	if n := atomic.LoadInt64(&runs); n != 0 {
		t.Fatalf("paused loop ran %d times", n)
	}

	s.Resume()
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) == 0 {
		select {
		case <-deadline:
			t.Fatal("resumed loop never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSnapshotsReportAllLoops(t *testing.T) {
	s := New(time.Second)
	s.RegisterLoop("one", time.Hour, func(context.Context) error { return nil })
	s.RegisterLoop("two", time.Hour, func(context.Context) error { return nil })

	snaps := s.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].Name != "one" || snaps[1].Name != "two" {
		t.Fatalf("snapshot names = %s/%s", snaps[0].Name, snaps[1].Name)
	}
}

func mustStop(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
