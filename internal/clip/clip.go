// Package clip provides read/write access to the system clipboard. Build
// constraints select the implementation:
//
//	clip_system.go   darwin, windows and linux via golang.design/x/clipboard
//	clip_other.go    every other platform (always unavailable)
//
// When the platform clipboard cannot be initialised (headless Linux, CI,
// containers) New falls back to a no-op backend.
package clip

import (
	"errors"
	"log/slog"
)

// MIME types produced and accepted by the backends.
const (
	MIMEText = "text/plain"
	MIMEPNG  = "image/png"
)

// ErrUnavailable is returned when no platform clipboard exists.
var ErrUnavailable = errors.New("clipboard unavailable")

// Item is a single clipboard representation.
type Item struct {
	MIME string
	Data []byte
}

// Backend is the interface that all clipboard implementations satisfy.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// Read returns the current clipboard contents, one item per MIME type.
	// Returns nil, nil if the clipboard is empty or holds only unsupported types.
	Read() ([]Item, error)

	// Write replaces the clipboard contents with items.
	Write(items []Item) error

	// Close releases any resources held by the backend.
	Close()
}

// New returns the platform backend, or a Headless backend when the display
// environment is unavailable. Initialisation happens here rather than in
// init() so that sub-commands which never touch the clipboard don't log
// spurious warnings.
func New() Backend {
	b, err := newSystem()
	if err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return Headless{}
	}
	return b
}

// Headless is a no-op backend for environments without a display server.
// It always reads empty and silently discards writes.
type Headless struct{}

func (Headless) Name() string          { return "headless (no-op)" }
func (Headless) Read() ([]Item, error) { return nil, nil }
func (Headless) Write(_ []Item) error  { return nil }
func (Headless) Close()                {}

// Find returns the first item with the given MIME type.
func Find(items []Item, mime string) (Item, bool) {
	for _, it := range items {
		if it.MIME == mime {
			return it, true
		}
	}
	return Item{}, false
}
