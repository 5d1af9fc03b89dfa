package persona

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"reverie/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "persona.yaml"), 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestOpenCreatesDefaultPersona(t *testing.T) {
	s := testStore(t)
	snap := s.Snapshot()
	if snap.Identity == "" {
		t.Fatal("default persona has no identity")
	}
	if snap.Version != 1 {
		t.Fatalf("default version = %d, want 1", snap.Version)
	}

	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("persona file not persisted: %v", err)
	}
}

func TestMutateBumpsVersionAndPersists(t *testing.T) {
	s := testStore(t)
	before := s.Version()

	err := s.Mutate("test goal", func(p *types.PersonaState) {
		p.ActiveGoals = append(p.ActiveGoals, "learn the user's coffee order")
	})
	require.NoError(t, err)
	require.Equal(t, before+1, s.Version())

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var onDisk types.PersonaState
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	require.Contains(t, onDisk.ActiveGoals, "learn the user's coffee order")
	require.Equal(t, s.Version(), onDisk.Version)
}

func TestSnapshotIsIsolatedFromLaterMutations(t *testing.T) {
	s := testStore(t)
	snap := s.Snapshot()
	goalsBefore := len(snap.ActiveGoals)

	err := s.Mutate("drift", func(p *types.PersonaState) {
		p.ActiveGoals = append(p.ActiveGoals, "something new")
		p.EmotionalValence = 0.9
	})
	require.NoError(t, err)

	if len(snap.ActiveGoals) != goalsBefore {
		t.Fatal("snapshot mutated by a later write")
	}
	if snap.EmotionalValence == 0.9 {
		t.Fatal("snapshot shares memory with the live state")
	}
}

func TestMutationsSerialize(t *testing.T) {
	s := testStore(t)

	const writers = 8
	done := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			done <- s.Mutate("concurrent nudge", func(p *types.PersonaState) {
				p.EmotionalValence += 0.01
			})
		}()
	}
	for i := 0; i < writers; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Mutate: %v", err)
		}
	}

	// Every write applied exactly once: version advanced by the writer count.
	if got := s.Version(); got != 1+writers {
		t.Fatalf("version = %d, want %d", got, 1+writers)
	}
}

func TestMutateAfterCloseRejected(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "persona.yaml"), 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	err = s.Mutate("late", func(*types.PersonaState) {})
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("err = %v, want ErrStoreClosed", err)
	}
}

func TestReloadKeepsVersionMonotonic(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Mutate("bump", func(p *types.PersonaState) { p.Mode = "test" }))
	require.NoError(t, s.Mutate("bump", func(p *types.PersonaState) { p.Mode = "test2" }))
	high := s.Version()

	// Simulate an external edit carrying a stale version.
	edited := types.PersonaState{Identity: "edited", Version: 1}
	data, err := yaml.Marshal(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0644))

	require.NoError(t, s.Reload())
	snap := s.Snapshot()
	require.Equal(t, "edited", snap.Identity)
	if snap.Version < high {
		t.Fatalf("version went backwards: %d < %d", snap.Version, high)
	}
}

// unwatchablePersona points the watcher at a directory that does not exist,
// so Start fails before its loop launches.
type unwatchablePersona struct{ path string }

func (u unwatchablePersona) Path() string          { return u.path }
func (u unwatchablePersona) Reload() error         { return nil }
func (u unwatchablePersona) RecentSelfWrite() bool { return false }

func TestStopAfterFailedStartReturns(t *testing.T) {
	w, err := NewWatcher(unwatchablePersona{path: filepath.Join(t.TempDir(), "gone", "persona.yaml")})
	require.NoError(t, err)
	require.Error(t, w.Start())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after a failed Start")
	}
}

func TestWatcherPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "persona.yaml"), 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	require.NoError(t, s.WatchFile())

	// Wait out the self-write suppression window from Open's initial persist.
	time.Sleep(1100 * time.Millisecond)

	edited := types.PersonaState{Identity: "externally edited", Version: 1}
	data, err := yaml.Marshal(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0644))

	require.Eventually(t, func() bool {
		return s.Snapshot().Identity == "externally edited"
	}, 5*time.Second, 50*time.Millisecond, "watcher never applied the external edit")
}
