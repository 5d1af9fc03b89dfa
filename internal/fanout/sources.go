package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"reverie/internal/memory"
	"reverie/internal/types"
	"reverie/internal/world"
)

// -----------------------------------------------------------------------------
// Working-state source: recent conversation turns, in memory
// -----------------------------------------------------------------------------

const defaultTurnWindow = 12

// Turn is one exchange kept in the working buffer.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
	At   time.Time
}

// WorkingSource keeps a bounded per-session ring of recent turns. The
// orchestrator appends after every exchange; Fetch renders the window.
type WorkingSource struct {
	mu     sync.RWMutex
	turns  map[string][]Turn // session id -> recent turns
	window int
}

// NewWorkingSource creates a working-state source with the default window.
func NewWorkingSource() *WorkingSource {
	return &WorkingSource{turns: make(map[string][]Turn), window: defaultTurnWindow}
}

// Name implements Source.
func (w *WorkingSource) Name() string { return "working" }

// Append records a turn for the session, evicting beyond the window.
func (w *WorkingSource) Append(sessionID, role, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.turns[sessionID], Turn{Role: role, Text: text, At: time.Now()})
	if len(buf) > w.window {
		buf = buf[len(buf)-w.window:]
	}
	w.turns[sessionID] = buf
}

// Fetch implements Source.
func (w *WorkingSource) Fetch(_ context.Context, req Request) (types.ContextData, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	buf := w.turns[req.SessionID]
	if len(buf) == 0 {
		return types.ContextData{}, nil // empty-but-valid
	}
	fragments := make([]string, 0, len(buf))
	var b strings.Builder
	for _, t := range buf {
		line := fmt.Sprintf("%s: %s", t.Role, t.Text)
		fragments = append(fragments, line)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return types.ContextData{Text: b.String(), Fragments: fragments}, nil
}

// Fallback implements FallbackProvider: an empty window.
func (w *WorkingSource) Fallback() types.ContextData { return types.ContextData{} }

// -----------------------------------------------------------------------------
// World-state source: the shared snapshot
// -----------------------------------------------------------------------------

// WorldSource serves the world model snapshot. The snapshot itself is
// maintained by the background world-refresh loop, so Fetch is cheap.
type WorldSource struct {
	model *world.Model

	mu       sync.RWMutex
	lastGood string // cached render used as the fallback placeholder
}

// NewWorldSource wraps a world model.
func NewWorldSource(m *world.Model) *WorldSource {
	return &WorldSource{model: m}
}

// Name implements Source.
func (w *WorldSource) Name() string { return "world" }

// Fetch implements Source.
func (w *WorldSource) Fetch(_ context.Context, _ Request) (types.ContextData, error) {
	text := w.model.SnapshotText()
	w.mu.Lock()
	if text != "" {
		w.lastGood = text
	}
	w.mu.Unlock()
	return types.ContextData{Text: text}, nil
}

// Fallback implements FallbackProvider: the last good snapshot render.
func (w *WorldSource) Fallback() types.ContextData {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return types.ContextData{Text: w.lastGood}
}

// -----------------------------------------------------------------------------
// Recall-memory source: episodic store lookups
// -----------------------------------------------------------------------------

// RecallSource queries the episodic memory store for relevant past episodes.
type RecallSource struct {
	store *memory.Store
	limit int
}

// NewRecallSource wraps the episodic store.
func NewRecallSource(store *memory.Store, limit int) *RecallSource {
	if limit <= 0 {
		limit = 5
	}
	return &RecallSource{store: store, limit: limit}
}

// Name implements Source.
func (r *RecallSource) Name() string { return "recall" }

// Fetch implements Source.
func (r *RecallSource) Fetch(ctx context.Context, req Request) (types.ContextData, error) {
	episodes, err := r.store.Recall(ctx, req.SessionID, req.Content, r.limit)
	if err != nil {
		return types.ContextData{}, err
	}
	if len(episodes) == 0 {
		return types.ContextData{}, nil
	}

	fragments := make([]string, 0, len(episodes))
	var b strings.Builder
	for _, ep := range episodes {
		line := fmt.Sprintf("[%s] %s -> %s", ep.CreatedAt.Format("2006-01-02"), ep.Content, ep.Response)
		fragments = append(fragments, line)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return types.ContextData{Text: b.String(), Fragments: fragments}, nil
}
