//go:build darwin || linux || windows

package clip

import (
	"fmt"
	"sync"

	"golang.design/x/clipboard"
)

type systemBackend struct {
	// The platform clipboard is a process-wide resource; serialise access so
	// a Write from the result write-back never interleaves with a poll Read.
	mu     sync.Mutex
	closed bool
}

func newSystem() (Backend, error) {
	if err := clipboard.Init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &systemBackend{}, nil
}

func (b *systemBackend) Name() string { return "system clipboard" }

// Read returns text and image representations. Platform clipboards are
// frequently locked by other processes; a panic from the underlying library
// is converted into an error so the caller's poll loop survives it.
func (b *systemBackend) Read() (items []Item, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			items, err = nil, fmt.Errorf("clipboard read: %v", r)
		}
	}()

	if text := clipboard.Read(clipboard.FmtText); len(text) > 0 {
		items = append(items, Item{MIME: MIMEText, Data: text})
	}
	if img := clipboard.Read(clipboard.FmtImage); len(img) > 0 {
		items = append(items, Item{MIME: MIMEPNG, Data: img})
	}
	return items, nil
}

func (b *systemBackend) Write(items []Item) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("clipboard write: %v", r)
		}
	}()

	for _, it := range items {
		switch it.MIME {
		case MIMEText:
			clipboard.Write(clipboard.FmtText, it.Data)
		case MIMEPNG:
			clipboard.Write(clipboard.FmtImage, it.Data)
		default:
			return fmt.Errorf("unsupported MIME type: %s", it.MIME)
		}
	}
	return nil
}

func (b *systemBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
