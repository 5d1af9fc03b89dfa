package reasoning

import (
	"context"
	"fmt"
	"strings"

	"reverie/internal/config"
	"reverie/internal/logging"
)

// NewEngine builds the deep-reasoning backend named by the config. An empty
// or "local" provider, or a provider with no API key, yields the local
// engine so the process stays usable without credentials.
func NewEngine(ctx context.Context, cfg config.LLMConfig) (Engine, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))

	if provider == "" || provider == "local" {
		logging.Reasoning("using local engine (provider=%q)", provider)
		return NewLocalEngine(), nil
	}
	if cfg.APIKey == "" {
		logging.Get(logging.CategoryReasoning).Warn("provider %q has no API key, falling back to local engine", provider)
		return NewLocalEngine(), nil
	}

	switch provider {
	case "gemini", "google":
		return NewGeminiEngine(ctx, cfg.APIKey, cfg.Model, cfg.MaxTokens)
	case "openai", "openrouter", "openai-compatible":
		return NewOpenAIEngine(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Timeout.Std(), cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown reasoning provider: %q", cfg.Provider)
	}
}
