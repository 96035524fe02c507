// Package openai implements generation.Generator against any
// OpenAI-compatible Chat Completions endpoint: OpenAI itself, OpenRouter and
// GitHub Models.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"go.klb.dev/clipstage/internal/generation"
	"go.klb.dev/clipstage/internal/logging"
)

// Providers served by this package.
const (
	ProviderOpenAI = "openai"
	ProviderGitHub = "github"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gpt-4o"

	// GitHubModelsBaseURL is the GitHub Models inference endpoint.
	GitHubModelsBaseURL = "https://models.inference.ai.azure.com"

	finishContentFilter = "content_filter"
)

// Config selects the endpoint and credentials.
type Config struct {
	// Provider is ProviderOpenAI (default) or ProviderGitHub.
	Provider string
	Model    string
	// APIKey is the bearer token. When empty it is read from the
	// environment: OPENAI_API_KEY then OPENROUTER_API_KEY, or GITHUB_TOKEN
	// for ProviderGitHub.
	APIKey string
	// BaseURL overrides the endpoint. When empty it is read from
	// OPENAI_BASE_URL then OPENROUTER_BASE_URL; GitHub defaults to
	// GitHubModelsBaseURL.
	BaseURL string

	SystemPrompt string
	Prompt       *generation.Prompt
	Retry        generation.RetryPolicy
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Generator talks to a Chat Completions endpoint.
type Generator struct {
	client   openai.Client
	provider string
	model    string
	baseURL  string
	system   string
	prompt   *generation.Prompt
	retry    generation.RetryPolicy
	log      *slog.Logger
}

// New builds a generator. It fails with generation.ErrInvalidConfig when
// no API key can be found.
func New(cfg Config) (*Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}

	apiKey, baseURL := cfg.APIKey, cfg.BaseURL
	switch provider {
	case ProviderOpenAI:
		if apiKey == "" {
			apiKey = firstEnv("OPENAI_API_KEY", "OPENROUTER_API_KEY")
		}
		if baseURL == "" {
			baseURL = firstEnv("OPENAI_BASE_URL", "OPENROUTER_BASE_URL")
		}
	case ProviderGitHub:
		if apiKey == "" {
			apiKey = os.Getenv("GITHUB_TOKEN")
		}
		if baseURL == "" {
			baseURL = GitHubModelsBaseURL
		}
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", generation.ErrInvalidConfig, cfg.Provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key for provider %s", generation.ErrInvalidConfig, provider)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = generation.MustPrompt("")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are driven by generation.Retry.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Generator{
		client:   openai.NewClient(opts...),
		provider: provider,
		model:    model,
		baseURL:  baseURL,
		system:   cfg.SystemPrompt,
		prompt:   prompt,
		retry:    cfg.Retry,
		log:      logging.Component(cfg.Logger, "generation").With("provider", provider, "model", model),
	}, nil
}

// Name returns provider/model.
func (g *Generator) Name() string { return g.provider + "/" + g.model }

// Generate renders the prompt, attaches the image as a data URL and
// returns the first choice's text.
func (g *Generator) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	if err := req.Validate(); err != nil {
		return generation.Result{}, err
	}
	text, err := g.prompt.Render(req)
	if err != nil {
		return generation.Result{}, err
	}
	params := g.params(text, req)

	start := time.Now()
	var out string
	attempts, err := generation.Retry(ctx, g.log, g.retry, func(ctx context.Context) error {
		var callErr error
		out, callErr = g.complete(ctx, params)
		return callErr
	})
	if err != nil {
		g.log.Error("generation failed",
			"event_id", req.EventID,
			"attempts", attempts,
			"err", err,
		)
		return generation.Result{}, err
	}

	g.log.Info("generation complete",
		"event_id", req.EventID,
		"attempts", attempts,
		"elapsed", time.Since(start),
		"response_len", len(out),
	)
	return generation.Result{
		Text:     out,
		Provider: g.provider,
		Model:    g.model,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}, nil
}

// Probe sends a fixed prompt and returns the reply.
func (g *Generator) Probe(ctx context.Context) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a helpful assistant."),
			openai.UserMessage(generation.ProbePrompt),
		},
	}
	out, err := g.complete(ctx, params)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (g *Generator) params(text string, req generation.Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if g.system != "" {
		messages = append(messages, openai.SystemMessage(g.system))
	}

	if req.HasImage() {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/png"
		}
		dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
		messages = append(messages, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(text),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}))
	} else {
		messages = append(messages, openai.UserMessage(text))
	}

	return openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: messages,
	}
}

func (g *Generator) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", generation.ErrInvalidResponse)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == finishContentFilter {
		return "", generation.ErrContentBlocked
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty message", generation.ErrInvalidResponse)
	}
	return content, nil
}

// classify maps API status codes onto the generation taxonomy. 408, 429 and
// 5xx are transient; other 4xx are configuration or request problems.
func classify(err error) error {
	if generation.IsContext(err) {
		return generation.FromContext(err)
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: status %d: %v", generation.ErrTransientFailure, code, err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %v", generation.ErrInvalidConfig, code, err)
	default:
		return fmt.Errorf("%w: status %d: %v", generation.ErrInvalidResponse, code, err)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
