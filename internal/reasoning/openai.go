package reasoning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reverie/internal/logging"
	"reverie/internal/types"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIEngine streams generations from any OpenAI-compatible chat endpoint
// (OpenAI itself, OpenRouter, local llama servers) via SSE.
type OpenAIEngine struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
}

// NewOpenAIEngine creates an engine against baseURL (default api.openai.com).
func NewOpenAIEngine(apiKey, model, baseURL string, timeout time.Duration, maxTokens int) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key not configured")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIEngine{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxTokens:  maxTokens,
	}, nil
}

// Name implements Engine.
func (e *OpenAIEngine) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Think implements Engine.
func (e *OpenAIEngine) Think(ctx context.Context, req Request) (<-chan types.Token, error) {
	system, user := BuildPrompt(req)
	out := make(chan types.Token, 16)

	go func() {
		defer close(out)
		start := time.Now()

		body, err := json.Marshal(chatRequest{
			Model: e.model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			MaxTokens:   e.maxTokens,
			Temperature: 0.7,
			Stream:      true,
		})
		if err != nil {
			out <- types.Token{Final: true, Err: fmt.Errorf("%w: marshal request: %v", ErrGenerationUnavailable, err)}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			out <- types.Token{Final: true, Err: fmt.Errorf("%w: build request: %v", ErrGenerationUnavailable, err)}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := e.httpClient.Do(httpReq)
		if err != nil {
			logging.Get(logging.CategoryReasoning).Error("openai request failed: %v", err)
			out <- types.Token{Final: true, Err: fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			logging.Get(logging.CategoryReasoning).Error("openai returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			out <- types.Token{Final: true, Err: fmt.Errorf("%w: status %d", ErrGenerationUnavailable, resp.StatusCode)}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		emitted := false
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				logging.ReasoningDebug("openai stream completed in %v", time.Since(start))
				out <- types.Token{Final: true}
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue // providers interleave keep-alives and comments
			}
			if chunk.Error != nil {
				out <- types.Token{Final: true, Err: streamErr(emitted, fmt.Errorf("API error: %s", chunk.Error.Message))}
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- types.Token{Text: chunk.Choices[0].Delta.Content}:
				emitted = true
			case <-ctx.Done():
				logging.Reasoning("openai stream cancelled after %v", time.Since(start))
				return
			}
		}

		if err := scanner.Err(); err != nil {
			logging.Get(logging.CategoryReasoning).Warn("openai stream read error: %v", err)
			out <- types.Token{Final: true, Err: streamErr(emitted, err)}
			return
		}
		// Stream ended without [DONE]; treat whatever arrived as complete.
		out <- types.Token{Final: true}
	}()

	return out, nil
}

func streamErr(emitted bool, cause error) error {
	if emitted {
		return fmt.Errorf("%w: %v", ErrGenerationInterrupted, cause)
	}
	return fmt.Errorf("%w: %v", ErrGenerationUnavailable, cause)
}
