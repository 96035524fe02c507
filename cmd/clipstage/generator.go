package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/generation"
	"go.klb.dev/clipstage/internal/generation/gemini"
	"go.klb.dev/clipstage/internal/generation/openai"
)

// newGenerator builds the generation backend selected by the provider key.
func newGenerator(ctx context.Context, v *viper.Viper, logger *slog.Logger) (generation.Generator, error) {
	prompt, err := generation.NewPrompt(v.GetString("prompt"))
	if err != nil {
		return nil, err
	}
	retry := generation.RetryPolicy{
		MaxRetries: v.GetInt("max-retries"),
		BaseDelay:  v.GetDuration("retry-delay"),
	}

	switch p := strings.ToLower(v.GetString("provider")); p {
	case "", "none", "echo":
		return generation.Echo{}, nil
	case openai.ProviderOpenAI, openai.ProviderGitHub:
		key := v.GetString("api-key")
		if p == openai.ProviderGitHub {
			key = v.GetString("github-token")
		}
		return openai.New(openai.Config{
			Provider:     p,
			Model:        v.GetString("model"),
			APIKey:       key,
			BaseURL:      v.GetString("base-url"),
			SystemPrompt: v.GetString("system-prompt"),
			Prompt:       prompt,
			Retry:        retry,
			Logger:       logger,
		})
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			Model:        v.GetString("model"),
			APIKey:       v.GetString("gemini-api-key"),
			SystemPrompt: v.GetString("system-prompt"),
			Prompt:       prompt,
			Retry:        retry,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (want openai|github|gemini|none)", generation.ErrInvalidConfig, p)
	}
}
