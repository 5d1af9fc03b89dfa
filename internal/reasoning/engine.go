// Package reasoning hosts the deep, streaming responder. Engines consume the
// full context bundle plus a persona snapshot, stream tokens incrementally,
// and honor cooperative cancellation between token emissions.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reverie/internal/types"
)

// ErrGenerationUnavailable signals that the backend failed before emitting
// any tokens; the caller surfaces a defined "unavailable" response rather
// than a hard error.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// ErrGenerationInterrupted signals a mid-stream failure; already emitted
// tokens stand and the caller treats the stream as degraded.
var ErrGenerationInterrupted = errors.New("generation interrupted mid-stream")

// Request is everything an engine needs for one generation. Persona is a
// snapshot, not a live reference; later persona mutations cannot corrupt an
// in-flight stream.
type Request struct {
	RequestID string
	Content   string
	Focus     types.AttentionFocus
	Bundle    types.ContextBundle
	Persona   types.PersonaState
}

// Engine is the deep-reasoning backend. Think returns a token channel that
// is closed after the final token; a Token with Err set reports degraded or
// unavailable generation. Implementations stop emitting promptly when ctx
// is cancelled.
type Engine interface {
	Name() string
	Think(ctx context.Context, req Request) (<-chan types.Token, error)
}

// -----------------------------------------------------------------------------
// Prompt assembly
// -----------------------------------------------------------------------------

// BuildPrompt renders the system and user prompts from a request. Fallback
// sources are disclosed so the model can hedge instead of inventing context.
func BuildPrompt(req Request) (system, user string) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, mode %s.\n", req.Persona.Identity, req.Persona.Mode)
	if len(req.Persona.ActiveBeliefs) > 0 {
		fmt.Fprintf(&sys, "Beliefs: %s.\n", strings.Join(req.Persona.ActiveBeliefs, "; "))
	}
	if len(req.Persona.ActiveGoals) > 0 {
		fmt.Fprintf(&sys, "Goals: %s.\n", strings.Join(req.Persona.ActiveGoals, "; "))
	}
	fmt.Fprintf(&sys, "Emotional valence: %.2f.\n", req.Persona.EmotionalValence)

	var usr strings.Builder
	writeSection(&usr, "Recent conversation", req.Bundle.Working)
	writeSection(&usr, "World state", req.Bundle.World)
	writeSection(&usr, "Relevant memories", req.Bundle.Recall)
	if len(req.Focus.Anomalies) > 0 {
		fmt.Fprintf(&usr, "## Notable changes\n%s\n\n", strings.Join(req.Focus.Anomalies, "\n"))
	}
	fmt.Fprintf(&usr, "## Message (%s, %s priority)\n%s\n", req.Focus.Intent, req.Focus.Priority, req.Content)
	return sys.String(), usr.String()
}

func writeSection(b *strings.Builder, title string, r types.ContextResult) {
	if r.Data.Text == "" {
		return
	}
	fmt.Fprintf(b, "## %s", title)
	if r.IsFallback {
		b.WriteString(" (stale/unavailable, do not rely on it)")
	}
	b.WriteString("\n")
	b.WriteString(r.Data.Text)
	b.WriteString("\n\n")
}
