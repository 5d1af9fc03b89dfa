package persona

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reverie/internal/logging"
)

// Watcher reloads the persona file when an operator edits it while the
// process runs. Events are debounced so rapid editor saves collapse into
// one reload; the store's own persistence writes are ignored.
type Watcher struct {
	store    Watched
	fsw      *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// Watched is the subset of Store the watcher needs; kept as an interface so
// tests can observe reloads.
type Watched interface {
	Path() string
	Reload() error
	RecentSelfWrite() bool
}

// Path returns the persona file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the persona file through the mutation queue.
func (s *Store) Reload() error { return s.reload() }

// RecentSelfWrite reports whether the store itself just persisted.
func (s *Store) RecentSelfWrite() bool { return s.recentSelfWrite() }

// WatchFile attaches an fsnotify watcher to the store's persona file.
func (s *Store) WatchFile() error {
	w, err := NewWatcher(s)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// NewWatcher creates a watcher over the target's persona file.
func NewWatcher(target Watched) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:    target,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Watching the directory rather than the file
// survives the rename dance editors and our own atomic persist do.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.store.Path())
	if err := w.fsw.Add(dir); err != nil {
		// run() never launched; undo the running mark so Stop does not wait
		// on a loop that does not exist.
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		if cerr := w.fsw.Close(); cerr != nil {
			logging.Get(logging.CategoryPersona).Error("watcher close: %v", cerr)
		}
		return err
	}
	logging.Persona("watching %s for external edits", w.store.Path())

	go w.run()
	return nil
}

// Stop stops the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fsw.Close(); err != nil {
		logging.Get(logging.CategoryPersona).Error("watcher close: %v", err)
	}
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	target := filepath.Clean(w.store.Path())
	var pending bool
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.store.RecentSelfWrite() {
				continue // our own persistence, nothing to reload
			}
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			if err := w.store.Reload(); err != nil {
				logging.Get(logging.CategoryPersona).Error("external reload failed: %v", err)
			} else {
				logging.Persona("persona reloaded from external edit")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryPersona).Warn("watcher error: %v", err)
		}
	}
}
