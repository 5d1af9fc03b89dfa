package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reverie/internal/types"
)

// LocalEngine is the no-credentials backend: it composes a short reflective
// reply from the gathered context and streams it word by word. Used when no
// provider key is configured and as the deterministic engine in tests.
type LocalEngine struct {
	// Delay between tokens. Zero streams as fast as the reader drains.
	TokenDelay time.Duration
}

// NewLocalEngine creates a local engine with no inter-token delay.
func NewLocalEngine() *LocalEngine { return &LocalEngine{} }

// Name implements Engine.
func (e *LocalEngine) Name() string { return "local" }

// Think implements Engine.
func (e *LocalEngine) Think(ctx context.Context, req Request) (<-chan types.Token, error) {
	reply := e.compose(req)
	out := make(chan types.Token, 16)

	go func() {
		defer close(out)
		for _, word := range strings.Fields(reply) {
			if e.TokenDelay > 0 {
				select {
				case <-time.After(e.TokenDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- types.Token{Text: word + " "}:
			case <-ctx.Done():
				return
			}
		}
		out <- types.Token{Final: true}
	}()

	return out, nil
}

func (e *LocalEngine) compose(req Request) string {
	var b strings.Builder
	switch req.Focus.Intent {
	case types.IntentGreeting:
		fmt.Fprintf(&b, "Hello. %s here.", req.Persona.Identity)
	case types.IntentFarewell:
		b.WriteString("Until next time.")
	case types.IntentQuestion:
		b.WriteString("Let me think about that.")
	default:
		b.WriteString("Noted.")
	}
	if len(req.Bundle.Recall.Data.Fragments) > 0 {
		fmt.Fprintf(&b, " This reminds me of something from before: %s", req.Bundle.Recall.Data.Fragments[0])
	}
	if n := req.Bundle.FallbackCount(); n > 0 {
		b.WriteString(" (Some of my context is stale right now, so take this loosely.)")
	}
	return b.String()
}
