package reasoning

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// GeminiEngine streams generations through the official genai SDK.
type GeminiEngine struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

// NewGeminiEngine creates a Gemini-backed engine.
func NewGeminiEngine(ctx context.Context, apiKey, model string, maxTokens int) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &GeminiEngine{client: client, model: model, maxTokens: int32(maxTokens)}, nil
}

// Name implements Engine.
func (e *GeminiEngine) Name() string { return "gemini" }

// Think implements Engine. Tokens arrive as the SDK delivers chunks; a
// cancelled context stops emission between chunks.
func (e *GeminiEngine) Think(ctx context.Context, req Request) (<-chan types.Token, error) {
	system, user := BuildPrompt(req)
	out := make(chan types.Token, 16)

	go func() {
		defer close(out)
		start := time.Now()

		config := &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			MaxOutputTokens:   e.maxTokens,
		}
		contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

		emitted := false
		for resp, err := range e.client.Models.GenerateContentStream(ctx, e.model, contents, config) {
			if err != nil {
				if emitted {
					logging.Get(logging.CategoryReasoning).Warn("gemini stream broke after %v: %v", time.Since(start), err)
					out <- types.Token{Final: true, Err: fmt.Errorf("%w: %v", ErrGenerationInterrupted, err)}
				} else {
					logging.Get(logging.CategoryReasoning).Error("gemini stream failed before first token: %v", err)
					out <- types.Token{Final: true, Err: fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)}
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case out <- types.Token{Text: text}:
				emitted = true
			case <-ctx.Done():
				logging.Reasoning("gemini stream cancelled after %v", time.Since(start))
				return
			}
		}
		logging.ReasoningDebug("gemini stream completed in %v", time.Since(start))
		out <- types.Token{Final: true}
	}()

	return out, nil
}
