// Package generation defines the boundary to language-model backends.
//
// The pipeline hands a Request to a Generator and gets back a Result or an
// error from the ErrGenerationFailed family. Backends live in subpackages
// (openai, gemini); Echo is a local stand-in for dry runs and tests.
package generation

import (
	"context"
	"fmt"
	"time"
)

// Request is one piece of clipboard content to transform.
type Request struct {
	// EventID ties the request to the clipboard event that produced it.
	EventID  string
	Category string
	Text     string

	// Image holds the raw image bytes in memory, so the on-disk artifact
	// can be superseded while the request is in flight.
	Image     []byte
	ImageMIME string
}

// HasImage reports whether the request carries an image.
func (r Request) HasImage() bool { return len(r.Image) > 0 }

// Validate rejects requests with nothing to send.
func (r Request) Validate() error {
	if r.Text == "" && !r.HasImage() {
		return ErrEmptyRequest
	}
	return nil
}

// Result is a successful generation.
type Result struct {
	Text     string        `json:"text"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Generator turns a Request into text.
type Generator interface {
	// Name identifies the provider and model, for logs and status.
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// Prober is implemented by generators that can check their availability
// without real content.
type Prober interface {
	Probe(ctx context.Context) (string, error)
}

// ProbePrompt asks the model for a fixed reply.
const ProbePrompt = "Please respond with 'Hello! I am working correctly.' to confirm you are available."

// Echo returns the request text unchanged, or a short description of an
// image. It never touches the network.
type Echo struct{}

func (Echo) Name() string { return "none/echo" }

func (Echo) Generate(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, FromContext(err)
	}
	text := req.Text
	if text == "" {
		text = fmt.Sprintf("[%s image, %d bytes]", req.ImageMIME, len(req.Image))
	}
	return Result{Text: text, Provider: "none", Model: "echo", Attempts: 1}, nil
}

func (Echo) Probe(context.Context) (string, error) { return "echo generator ready", nil }
