// Package persona owns the PersonaState document: snapshot reads for anyone,
// mutations serialized through a single-writer queue, write-through YAML
// persistence, and an fsnotify watcher for externally edited files.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// ErrStoreClosed is returned when a mutation is submitted after Close.
var ErrStoreClosed = errors.New("persona store is closed")

// Mutation is a named, serialized change to the persona state. The name is
// only used for logging and diagnostics.
type Mutation struct {
	Name  string
	Apply func(*types.PersonaState)
	done  chan error
}

// Store holds the authoritative PersonaState. Reads take a snapshot under
// RLock; all writes flow through the mutation queue so there is exactly one
// writer, including the file watcher's reloads.
type Store struct {
	mu    sync.RWMutex
	state types.PersonaState
	path  string

	mutations chan Mutation
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	watcher *Watcher

	// lastSelfWrite lets the watcher distinguish our own persistence writes
	// from external edits.
	selfWriteMu   sync.Mutex
	lastSelfWrite time.Time
}

// Open loads (or creates) the persona file and starts the mutation writer.
func Open(path string, queueDepth int) (*Store, error) {
	if queueDepth <= 0 {
		queueDepth = 64
	}

	state, err := loadOrCreate(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		state:     state,
		path:      path,
		mutations: make(chan Mutation, queueDepth),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go s.writerLoop()

	logging.Persona("store opened: identity=%q version=%d", state.Identity, state.Version)
	return s, nil
}

func loadOrCreate(path string) (types.PersonaState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return types.PersonaState{}, fmt.Errorf("failed to read persona: %w", err)
		}
		state := defaultPersona()
		if err := persist(path, state); err != nil {
			return types.PersonaState{}, err
		}
		return state, nil
	}

	var state types.PersonaState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return types.PersonaState{}, fmt.Errorf("failed to parse persona: %w", err)
	}
	return state, nil
}

func defaultPersona() types.PersonaState {
	return types.PersonaState{
		Identity:         "reverie",
		ActiveBeliefs:    []string{"be useful", "be honest about uncertainty"},
		ActiveGoals:      []string{"hold a coherent conversation"},
		EmotionalValence: 0.1,
		Mode:             "companion",
		Version:          1,
	}
}

// Snapshot returns a deep copy of the current state. Safe to hold across an
// in-flight generation; later mutations cannot touch it.
func (s *Store) Snapshot() types.PersonaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Version returns the current state version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Version
}

// Mutate queues a change and waits for the writer to apply and persist it.
func (s *Store) Mutate(name string, apply func(*types.PersonaState)) error {
	m := Mutation{Name: name, Apply: apply, done: make(chan error, 1)}
	select {
	case s.mutations <- m:
	case <-s.stopCh:
		return ErrStoreClosed
	}
	select {
	case err := <-m.done:
		return err
	case <-s.stopCh:
		return ErrStoreClosed
	}
}

// writerLoop is the single writer. Every mutation bumps the version and is
// persisted write-through before the next one is applied.
func (s *Store) writerLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			// Drain anything still queued so callers unblock.
			for {
				select {
				case m := <-s.mutations:
					m.done <- ErrStoreClosed
				default:
					return
				}
			}
		case m := <-s.mutations:
			s.applyMutation(m)
		}
	}
}

func (s *Store) applyMutation(m Mutation) {
	s.mu.Lock()
	m.Apply(&s.state)
	s.state.Version++
	snapshot := s.state.Clone()
	s.mu.Unlock()

	s.markSelfWrite()
	err := persist(s.path, snapshot)
	if err != nil {
		logging.Get(logging.CategoryPersona).Error("persist failed after %q: %v", m.Name, err)
	} else {
		logging.Get(logging.CategoryPersona).Debug("mutation %q applied, version=%d", m.Name, snapshot.Version)
	}
	m.done <- err
}

// reload replaces in-memory state from disk; used by the watcher. It goes
// through the mutation queue so it serializes with all other writes.
func (s *Store) reload() error {
	fresh, err := loadOrCreate(s.path)
	if err != nil {
		return err
	}
	return s.Mutate("external reload", func(p *types.PersonaState) {
		version := p.Version // keep monotonic versioning across reloads
		*p = fresh
		if p.Version <= version {
			p.Version = version
		}
	})
}

func (s *Store) markSelfWrite() {
	s.selfWriteMu.Lock()
	s.lastSelfWrite = time.Now()
	s.selfWriteMu.Unlock()
}

func (s *Store) recentSelfWrite() bool {
	s.selfWriteMu.Lock()
	defer s.selfWriteMu.Unlock()
	return time.Since(s.lastSelfWrite) < time.Second
}

// Close stops the watcher and the writer. Queued mutations are failed with
// ErrStoreClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		close(s.stopCh)
		<-s.doneCh
		logging.Persona("store closed")
	})
}

// persist writes the state atomically (temp file + rename).
func persist(path string, state types.PersonaState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal persona: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create persona dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write persona: %w", err)
	}
	return os.Rename(tmp, path)
}
