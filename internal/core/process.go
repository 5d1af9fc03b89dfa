package core

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"reverie/internal/fanout"
	"reverie/internal/logging"
	"reverie/internal/memory"
	"reverie/internal/reasoning"
	"reverie/internal/types"
)

// unavailableReply is emitted when the reasoning backend fails before
// producing anything; the caller still gets a well-formed stream.
const unavailableReply = "I can't reach my deeper reasoning right now. Give me a moment and ask again."

// Input is one inbound message.
type Input struct {
	SessionID string
	UserID    string
	Content   string
	Source    string // "user", "api", ... ; empty means "user"
}

func (in *Input) normalize() {
	if in.SessionID == "" {
		in.SessionID = "default"
	}
	if in.UserID == "" {
		in.UserID = "anonymous"
	}
	if in.Source == "" {
		in.Source = "user"
	}
}

// ProcessInput runs the full pipeline for one message and returns the token
// stream. A message arriving while DORMANT or HIBERNATING queues behind an
// implicit wake; cancelling ctx stops generation mid-stream without
// retracting already emitted tokens.
func (o *Orchestrator) ProcessInput(ctx context.Context, in Input) (<-chan types.Token, error) {
	in.normalize()
	requestID := uuid.NewString()[:8]
	rlog := logging.WithRequestID(logging.CategoryAPI, requestID)
	atomic.AddInt64(&o.requests, 1)

	if err := o.acquireFocus(ctx); err != nil {
		rlog.Warn("could not enter focus: %v", err)
		return nil, err
	}
	rlog.Info("focused (session=%s source=%s)", in.SessionID, in.Source)

	focus := o.tracker.FocusOn(in.Content, in.Source)

	bundle := o.fan.Gather(ctx, fanout.Request{
		RequestID: requestID,
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Content:   in.Content,
		Focus:     focus,
	})
	if bundle.FallbackCount() > 0 {
		atomic.AddInt64(&o.fallbackBundles, 1)
	}

	// The current message joins working memory after the gather so it does
	// not appear in its own context.
	o.working.Append(in.SessionID, "user", in.Content)

	if o.cfg.FastPath.Enabled {
		if cand := o.quick.QuickResponse(in.Content, focus, bundle.Working); cand != nil &&
			cand.Confidence >= o.cfg.FastPath.ConfidenceThreshold {
			atomic.AddInt64(&o.fastHits, 1)
			rlog.Info("fast path hit (confidence=%.2f)", cand.Confidence)
			return o.emitFastPath(in, requestID, focus, cand), nil
		}
	}

	return o.deepRespond(ctx, in, requestID, rlog, focus, bundle)
}

// acquireFocus moves the machine into FOCUSED, waking it if necessary and
// waiting out any in-flight request.
func (o *Orchestrator) acquireFocus(ctx context.Context) error {
	for {
		switch state := o.machine.State(); state {
		case types.StateConscious:
			err := o.machine.TransitionFrom(types.StateConscious, types.StateFocused)
			if err == nil {
				return nil
			}
			// Lost the race; re-observe.

		case types.StateDreaming:
			// A new request interrupts the dream.
			if err := o.machine.TransitionFrom(types.StateDreaming, types.StateConscious); err == nil {
				continue
			}

		case types.StateDormant, types.StateHibernating:
			// Implicit wake. Awaken is idempotent; a failure means another
			// caller is mid-transition and we just wait it out below.
			if err := o.Awaken(); err != nil {
				logging.Get(logging.CategoryLifecycle).Debug("implicit wake contended: %v", err)
			}

		case types.StateAwakening, types.StateFocused:
			// Wait for the machine to move on.
		}

		if err := o.machine.WaitFor(ctx, func(s types.ConsciousnessState) bool {
			return s == types.StateConscious || s == types.StateDormant || s == types.StateHibernating || s == types.StateDreaming
		}); err != nil {
			return err
		}
	}
}

// releaseFocus returns the machine to CONSCIOUS after a response completes.
func (o *Orchestrator) releaseFocus() {
	if err := o.machine.TransitionFrom(types.StateFocused, types.StateConscious); err != nil {
		logging.Get(logging.CategoryLifecycle).Error("release focus: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Fast path
// -----------------------------------------------------------------------------

// emitFastPath delivers the candidate as a two-token stream. The tokens are
// buffered before side effects launch, so the response is never gated on
// them.
func (o *Orchestrator) emitFastPath(in Input, requestID string, focus types.AttentionFocus, cand *types.ResponseCandidate) <-chan types.Token {
	out := make(chan types.Token, 2)
	out <- types.Token{Text: cand.Text}
	out <- types.Token{Final: true}
	close(out)

	o.dispatchSideEffects(in, requestID, focus, cand.Text, types.OriginFast, false)
	o.releaseFocus()
	return out
}

// -----------------------------------------------------------------------------
// Deep path
// -----------------------------------------------------------------------------

func (o *Orchestrator) deepRespond(ctx context.Context, in Input, requestID string, rlog *logging.RequestLogger, focus types.AttentionFocus, bundle types.ContextBundle) (<-chan types.Token, error) {
	if err := o.reasonSem.Acquire(ctx, 1); err != nil {
		o.releaseFocus()
		return nil, err
	}

	req := reasoning.Request{
		RequestID: requestID,
		Content:   in.Content,
		Focus:     focus,
		Bundle:    bundle,
		Persona:   o.personas.Snapshot(),
	}

	tokens, err := o.engine.Think(ctx, req)
	if err != nil {
		// Pre-stream failure: defined response, not an error to the caller.
		rlog.Error("engine refused: %v", err)
		atomic.AddInt64(&o.degraded, 1)
		o.reasonSem.Release(1)

		out := make(chan types.Token, 2)
		out <- types.Token{Text: unavailableReply}
		out <- types.Token{Final: true}
		close(out)
		o.dispatchSideEffects(in, requestID, focus, unavailableReply, types.OriginDeep, true)
		o.releaseFocus()
		return out, nil
	}

	out := make(chan types.Token, 16)
	go o.forwardStream(ctx, in, requestID, rlog, focus, tokens, out)
	return out, nil
}

// forwardStream relays engine tokens to the caller, accumulating the full
// text for the episodic write. It always releases the semaphore and the
// FOCUSED state, whether the stream completes, degrades, or is cancelled.
func (o *Orchestrator) forwardStream(ctx context.Context, in Input, requestID string, rlog *logging.RequestLogger, focus types.AttentionFocus, tokens <-chan types.Token, out chan<- types.Token) {
	var full strings.Builder
	wasDegraded := false
	cancelled := false

	defer func() {
		close(out)
		o.reasonSem.Release(1)

		text := full.String()
		if text == "" && wasDegraded {
			text = unavailableReply
		}
		if !wasDegraded {
			atomic.AddInt64(&o.deepResponses, 1)
		}
		if text != "" && !cancelled {
			o.dispatchSideEffects(in, requestID, focus, text, types.OriginDeep, wasDegraded)
		}
		o.releaseFocus()
	}()

	for tok := range tokens {
		if tok.Err != nil {
			wasDegraded = true
			atomic.AddInt64(&o.degraded, 1)
			rlog.Warn("stream degraded: %v", tok.Err)
			if full.Len() == 0 && errors.Is(tok.Err, reasoning.ErrGenerationUnavailable) {
				// Nothing was emitted: still give the caller words.
				if !send(ctx, out, types.Token{Text: unavailableReply}) {
					cancelled = true
					return
				}
			}
		}
		full.WriteString(tok.Text)
		if !send(ctx, out, tok) {
			cancelled = true
			return
		}
		if tok.Final {
			return
		}
	}
	// Engine closed without a final marker; synthesize one.
	send(ctx, out, types.Token{Final: true})
}

func send(ctx context.Context, out chan<- types.Token, tok types.Token) bool {
	select {
	case out <- tok:
		return true
	case <-ctx.Done():
		return false
	}
}

// -----------------------------------------------------------------------------
// Side effects
// -----------------------------------------------------------------------------

// dispatchSideEffects launches the emotional-state update and the episodic
// write. Failures are logged by the dispatcher, never surfaced to the
// request path.
func (o *Orchestrator) dispatchSideEffects(in Input, requestID string, focus types.AttentionFocus, response string, origin types.ResponseOrigin, wasDegraded bool) {
	err := o.dispatcher.Dispatch("episodic-write", requestID, func(ctx context.Context) error {
		return o.memories.WriteEpisode(ctx, memory.Episode{
			SessionID: in.SessionID,
			UserID:    in.UserID,
			Content:   in.Content,
			Response:  response,
			Origin:    string(origin),
		})
	})
	if err != nil {
		logging.Get(logging.CategoryEffects).Warn("episodic-write not dispatched: %v", err)
	}

	err = o.dispatcher.Dispatch("emotional-update", requestID, func(context.Context) error {
		return o.personas.Mutate("emotional update", func(p *types.PersonaState) {
			p.EmotionalValence = nudgeValence(p.EmotionalValence, focus.Intent, wasDegraded)
		})
	})
	if err != nil {
		logging.Get(logging.CategoryEffects).Warn("emotional-update not dispatched: %v", err)
	}

	o.working.Append(in.SessionID, "assistant", response)
}

// nudgeValence drifts emotional valence a little per exchange and decays it
// toward neutral so old moods fade.
func nudgeValence(current float64, intent types.IntentCategory, wasDegraded bool) float64 {
	v := current * 0.95
	switch intent {
	case types.IntentGreeting, types.IntentSmalltalk:
		v += 0.05
	case types.IntentFarewell:
		v -= 0.02
	}
	if wasDegraded {
		v -= 0.1
	}
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return v
}
