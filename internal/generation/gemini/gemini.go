// Package gemini implements generation.Generator with Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"go.klb.dev/clipstage/internal/generation"
	"go.klb.dev/clipstage/internal/logging"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.0-flash"

// ModelCaller is the subset of *genai.Models the generator uses.
type ModelCaller interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config selects the model and credentials.
type Config struct {
	Model string
	// APIKey falls back to GEMINI_API_KEY when empty.
	APIKey       string
	SystemPrompt string
	Prompt       *generation.Prompt
	Retry        generation.RetryPolicy
	Logger       *slog.Logger

	// Caller replaces the genai client, for tests.
	Caller ModelCaller
}

// Generator calls Models.GenerateContent.
type Generator struct {
	caller ModelCaller
	model  string
	system string
	prompt *generation.Prompt
	retry  generation.RetryPolicy
	log    *slog.Logger
}

// New creates a generator, building a genai client unless cfg.Caller is set.
func New(ctx context.Context, cfg Config) (*Generator, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = generation.MustPrompt("")
	}

	caller := cfg.Caller
	if caller == nil {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%w: no Gemini API key", generation.ErrInvalidConfig)
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: create Gemini client: %v", generation.ErrInvalidConfig, err)
		}
		caller = client.Models
	}

	return &Generator{
		caller: caller,
		model:  model,
		system: cfg.SystemPrompt,
		prompt: prompt,
		retry:  cfg.Retry,
		log:    logging.Component(cfg.Logger, "generation").With("provider", "gemini", "model", model),
	}, nil
}

// Name returns gemini/model.
func (g *Generator) Name() string { return "gemini/" + g.model }

// Generate sends the rendered prompt plus inline image bytes.
func (g *Generator) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	if err := req.Validate(); err != nil {
		return generation.Result{}, err
	}
	text, err := g.prompt.Render(req)
	if err != nil {
		return generation.Result{}, err
	}

	parts := []*genai.Part{genai.NewPartFromText(text)}
	if req.HasImage() {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, genai.NewPartFromBytes(req.Image, mime))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	start := time.Now()
	var out string
	attempts, err := generation.Retry(ctx, g.log, g.retry, func(ctx context.Context) error {
		var callErr error
		out, callErr = g.call(ctx, contents)
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
		Provider: "gemini",
		Model:    g.model,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}, nil
}

// Probe asks for a fixed reply.
func (g *Generator) Probe(ctx context.Context) (string, error) {
	return g.call(ctx, []*genai.Content{genai.NewContentFromText(generation.ProbePrompt, genai.RoleUser)})
}

func (g *Generator) call(ctx context.Context, contents []*genai.Content) (string, error) {
	var cfg *genai.GenerateContentConfig
	if g.system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.system, genai.RoleUser),
		}
	}

	resp, err := g.caller.GenerateContent(ctx, g.model, contents, cfg)
	switch {
	case err != nil:
		return "", classify(err)
	case resp == nil:
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	case resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "":
		return "", fmt.Errorf("%w: prompt blocked: %s", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	case len(resp.Candidates) == 0:
		return "", fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse)
	case resp.Candidates[0].FinishReason == genai.FinishReasonSafety:
		return "", fmt.Errorf("%w: finish reason %s", generation.ErrContentBlocked, resp.Candidates[0].FinishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty content", generation.ErrInvalidResponse)
	}
	return text, nil
}

func classify(err error) error {
	if generation.IsContext(err) {
		return generation.FromContext(err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.Code; {
		case code == http.StatusTooManyRequests, code >= 500:
			return fmt.Errorf("%w: status %d: %v", generation.ErrTransientFailure, code, err)
		case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
			return fmt.Errorf("%w: status %d: %v", generation.ErrInvalidConfig, code, err)
		default:
			return fmt.Errorf("%w: status %d: %v", generation.ErrInvalidResponse, code, err)
		}
	}
	return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
}
