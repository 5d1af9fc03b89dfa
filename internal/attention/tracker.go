// Package attention classifies inbound messages into an AttentionFocus and
// tracks the idle clock the background scheduler uses for consolidation.
package attention

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"reverie/internal/logging"
	"reverie/internal/types"
)

const (
	summaryMaxRunes = 140
	anomalyTTL      = 2 * time.Minute
)

// Tracker produces per-message attention focuses. Classification is pure and
// synchronous; the only side effect is the last-activity timestamp and the
// anomaly notes pushed in by the pattern-scan loop.
type Tracker struct {
	mu           sync.RWMutex
	lastActivity time.Time
	anomalies    map[string]time.Time // name -> observed at
}

// NewTracker creates a tracker with the idle clock starting now.
func NewTracker() *Tracker {
	return &Tracker{
		lastActivity: time.Now(),
		anomalies:    make(map[string]time.Time),
	}
}

// FocusOn classifies an inbound message. It never fails: unparseable input
// yields an IntentUnknown focus rather than an error.
func (t *Tracker) FocusOn(content, source string) types.AttentionFocus {
	now := time.Now()

	t.mu.Lock()
	idle := now.Sub(t.lastActivity)
	t.lastActivity = now
	anomalies := t.activeAnomaliesLocked(now)
	t.mu.Unlock()

	focus := types.AttentionFocus{
		Intent:       classifyIntent(content),
		Priority:     classifyPriority(content, source),
		Summary:      summarize(content),
		IdleDuration: idle,
		Anomalies:    anomalies,
	}

	logging.Attention("focus: intent=%s priority=%s idle=%v source=%s",
		focus.Intent, focus.Priority, idle.Round(time.Millisecond), source)
	return focus
}

// IdleDuration returns how long it has been since the last inbound message.
func (t *Tracker) IdleDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.lastActivity)
}

// TouchActivity resets the idle clock without a message (used when the
// orchestrator wakes explicitly).
func (t *Tracker) TouchActivity() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// NotifyAnomaly records a world anomaly so subsequent focuses reflect it.
// Called by the pattern-scan loop.
func (t *Tracker) NotifyAnomaly(name string) {
	t.mu.Lock()
	t.anomalies[name] = time.Now()
	t.mu.Unlock()
	logging.Attention("anomaly noted: %s", name)
}

// ActiveAnomalies returns the anomalies still within their TTL.
func (t *Tracker) ActiveAnomalies() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeAnomaliesLocked(time.Now())
}

func (t *Tracker) activeAnomaliesLocked(now time.Time) []string {
	var out []string
	for name, seen := range t.anomalies {
		if now.Sub(seen) <= anomalyTTL {
			out = append(out, name)
		} else {
			delete(t.anomalies, name)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

func classifyIntent(content string) types.IntentCategory {
	trimmed := strings.ToLower(strings.TrimSpace(content))
	if trimmed == "" || !utf8.ValidString(trimmed) {
		return types.IntentUnknown
	}

	first := firstWord(trimmed)
	switch first {
	case "hi", "hello", "hey", "morning", "evening", "yo":
		return types.IntentGreeting
	case "bye", "goodbye", "goodnight", "later", "farewell":
		return types.IntentFarewell
	case "who", "what", "when", "where", "why", "how", "is", "are", "can", "could", "do", "does", "did":
		return types.IntentQuestion
	case "please", "help", "tell", "show", "find", "remind", "remember", "make", "play", "stop", "set":
		return types.IntentRequest
	}

	if strings.HasSuffix(trimmed, "?") {
		return types.IntentQuestion
	}
	if strings.Contains(trimmed, "thank") || strings.Contains(trimmed, "nice") || strings.Contains(trimmed, "lol") {
		return types.IntentSmalltalk
	}
	return types.IntentUnknown
}

func classifyPriority(content, source string) types.FocusPriority {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "urgent") || strings.Contains(lower, "emergency") || strings.Contains(lower, "now!"):
		return types.PriorityUrgent
	case source == "system" || source == "scheduler":
		return types.PriorityAmbient
	default:
		return types.PriorityNormal
	}
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			return strings.Trim(s[:i], ",.!?:;")
		}
	}
	return strings.Trim(s, ",.!?:;")
}

func summarize(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(s) <= summaryMaxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:summaryMaxRunes]) + "…"
}
