// Package fastpath is the cheap heuristic responder. It pattern-matches the
// inbound message against a small table and returns a candidate with a
// confidence score; the orchestrator short-circuits the reasoning engine
// when that score clears the configured threshold.
package fastpath

import (
	"regexp"
	"strings"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// Pattern is one fast-path rule. Reply may reference capture groups via
// regexp expansion ($1 etc.).
type Pattern struct {
	Name       string
	Match      *regexp.Regexp
	Reply      string
	Confidence float64
}

// Responder holds the pattern table. The table is fixed after construction,
// so matching needs no locking.
type Responder struct {
	patterns []Pattern
}

// NewResponder creates a responder with the built-in pattern table.
func NewResponder(extra ...Pattern) *Responder {
	return &Responder{patterns: append(defaultPatterns(), extra...)}
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "ping",
			Match:      regexp.MustCompile(`(?i)^\s*ping\s*[.!?]*\s*$`),
			Reply:      "pong",
			Confidence: 0.95,
		},
		{
			Name:       "greeting",
			Match:      regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo)\s*[.!?]*\s*$`),
			Reply:      "Hey. I'm here.",
			Confidence: 0.93,
		},
		{
			Name:       "thanks",
			Match:      regexp.MustCompile(`(?i)^\s*(thanks|thank you|thx)\s*[.!?]*\s*$`),
			Reply:      "Anytime.",
			Confidence: 0.92,
		},
		{
			Name:       "farewell",
			Match:      regexp.MustCompile(`(?i)^\s*(bye|goodbye|goodnight|later)\s*[.!?]*\s*$`),
			Reply:      "Talk soon.",
			Confidence: 0.92,
		},
		{
			Name:       "status",
			Match:      regexp.MustCompile(`(?i)^\s*(are you (there|awake|up)|you there)\s*[.!?]*\s*$`),
			Reply:      "Awake and listening.",
			Confidence: 0.91,
		},
	}
}

// QuickResponse matches the message against the table. Returns nil when no
// pattern matches. Only working context is available here; the full bundle
// may still be gathering. A fallback-flagged working context lowers the
// confidence so borderline patterns defer to deep reasoning.
func (r *Responder) QuickResponse(content string, focus types.AttentionFocus, working types.ContextResult) *types.ResponseCandidate {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	for _, p := range r.patterns {
		if !p.Match.MatchString(trimmed) {
			continue
		}
		confidence := p.Confidence
		if working.IsFallback {
			confidence -= 0.05
		}
		if focus.Priority == types.PriorityUrgent {
			// Urgent messages deserve full reasoning even on a pattern hit.
			confidence -= 0.2
		}
		logging.FastPath("pattern %q matched (confidence=%.2f)", p.Name, confidence)
		return &types.ResponseCandidate{
			Text:       p.Reply,
			Confidence: confidence,
			Origin:     types.OriginFast,
		}
	}
	return nil
}
