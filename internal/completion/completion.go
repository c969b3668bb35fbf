// Package completion abstracts the LLM backend used for intent
// classification and SQL synthesis. Responses are untrusted text; the
// callers parse and validate them.
package completion

import (
	"context"
	"fmt"
	"time"
)

type Prompt struct {
	System string
	User   string
}

type Client interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRPS      float64
}

// New builds the configured backend client wrapped with rate limiting.
func New(ctx context.Context, cfg Config) (Client, error) {
	var (
		client Client
		err    error
	)
	switch cfg.Provider {
	case "openai":
		client, err = NewOpenAIClient(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	case "gemini":
		client, err = NewGeminiClient(ctx, GeminiConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithRateLimit(client, cfg.MaxRPS), nil
}
