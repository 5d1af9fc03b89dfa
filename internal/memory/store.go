// Package memory implements the episodic memory store behind the recall
// context source and the episodic-memory side effect. Storage is SQLite;
// recall is keyword-scored. Consolidation compacts old episodes into
// summary rows during DREAMING.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"reverie/internal/logging"
)

// Episode is one remembered exchange.
type Episode struct {
	ID        string
	SessionID string
	UserID    string
	Content   string
	Response  string
	Origin    string
	CreatedAt time.Time
}

// Summary is a consolidated block of old episodes.
type Summary struct {
	ID           string
	SessionID    string
	Text         string
	EpisodeCount int
	CreatedAt    time.Time
}

// Store is the SQLite-backed episodic memory.
type Store struct {
	db               *sql.DB
	mu               sync.RWMutex
	dbPath           string
	consolidateAfter int
}

// NewStore opens (creating if needed) the episodic database at path.
// consolidateAfter is the per-session episode floor below which Consolidate
// leaves a session alone; 0 means compact any session over the retain window.
func NewStore(path string, consolidateAfter int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path, consolidateAfter: consolidateAfter}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Memory("episodic store opened at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	episodes := `
	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		response TEXT NOT NULL,
		origin TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id, created_at);`

	summaries := `
	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		episode_count INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	for _, stmt := range []string{episodes, summaries} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteEpisode persists one exchange. An empty ID is assigned.
func (s *Store) WriteEpisode(ctx context.Context, ep Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, session_id, user_id, content, response, origin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, ep.UserID, ep.Content, ep.Response, ep.Origin, ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write episode: %w", err)
	}
	logging.Get(logging.CategoryMemory).Debug("episode %s written (session=%s)", ep.ID, ep.SessionID)
	return nil
}

// Recall returns up to limit episodes relevant to the query, keyword-scored
// against content and response. No matches is an empty-but-valid result.
func (s *Store) Recall(ctx context.Context, sessionID, query string, limit int) ([]Episode, error) {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Over-fetch recent episodes and score in memory; the store stays small
	// because consolidation compacts old rows.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, content, response, origin, created_at
		 FROM episodes WHERE session_id = ? ORDER BY created_at DESC LIMIT 500`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("recall query failed: %w", err)
	}
	defer rows.Close()

	type scored struct {
		ep    Episode
		score int
	}
	var candidates []scored
	for rows.Next() {
		var ep Episode
		if err := rows.Scan(&ep.ID, &ep.SessionID, &ep.UserID, &ep.Content, &ep.Response, &ep.Origin, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("recall scan failed: %w", err)
		}
		score := keywordScore(ep.Content+" "+ep.Response, keywords)
		if score > 0 {
			candidates = append(candidates, scored{ep, score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Episode, len(candidates))
	for i, c := range candidates {
		out[i] = c.ep
	}
	logging.Get(logging.CategoryMemory).Debug("recall: %d hits for %d keywords", len(out), len(keywords))
	return out, nil
}

// EpisodeCount returns the number of stored episodes for a session.
func (s *Store) EpisodeCount(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// Consolidate compacts each session's episodes beyond the retain window into
// a summary row and deletes the originals. Sessions that have not yet
// accumulated consolidateAfter episodes are left alone. Returns the number of
// episodes consolidated. Called by the idle-consolidation loop while DREAMING.
func (s *Store) Consolidate(ctx context.Context, retain int) (int, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "consolidation")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.sessionsOverLimit(ctx, retain)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, sessionID := range sessions {
		n, err := s.consolidateSession(ctx, sessionID, retain)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		logging.Memory("consolidated %d episodes across %d sessions", total, len(sessions))
	}
	return total, nil
}

func (s *Store) sessionsOverLimit(ctx context.Context, retain int) ([]string, error) {
	floor := retain
	if s.consolidateAfter > 0 && s.consolidateAfter-1 > floor {
		floor = s.consolidateAfter - 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM episodes GROUP BY session_id HAVING COUNT(*) > ?`, floor)
	if err != nil {
		return nil, fmt.Errorf("consolidation scan failed: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

func (s *Store) consolidateSession(ctx context.Context, sessionID string, retain int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, content, response FROM episodes
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT -1 OFFSET ?`,
		sessionID, retain)
	if err != nil {
		return 0, err
	}

	var ids []string
	var lines []string
	for rows.Next() {
		var id, content, response string
		if err := rows.Scan(&id, &content, &response); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
		lines = append(lines, fmt.Sprintf("%s -> %s", firstSentence(content), firstSentence(response)))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	summary := Summary{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Text:         strings.Join(lines, "\n"),
		EpisodeCount: len(ids),
		CreatedAt:    time.Now(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO summaries (id, session_id, summary, episode_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		summary.ID, summary.SessionID, summary.Text, summary.EpisodeCount, summary.CreatedAt); err != nil {
		return 0, fmt.Errorf("failed to write summary: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// -----------------------------------------------------------------------------
// Keyword scoring
// -----------------------------------------------------------------------------

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "is": true,
	"are": true, "was": true, "to": true, "of": true, "in": true, "on": true,
	"it": true, "you": true, "i": true, "me": true, "my": true, "do": true,
	"what": true, "that": true, "this": true, "with": true, "for": true,
}

func extractKeywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

func keywordScore(text string, keywords []string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, k := range keywords {
		score += strings.Count(lower, k)
	}
	return score
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.Index(s, sep); i >= 0 {
			return s[:i+1]
		}
	}
	if runes := []rune(s); len(runes) > 120 {
		return string(runes[:120])
	}
	return s
}
