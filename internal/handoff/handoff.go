// Package handoff owns the image currently shown to the display sink.
//
// Replace drops the handoff's reference to the old buffer before it retains
// the new one, all under a write lock, so a reader calling Current never sees
// a freed buffer and the handoff itself never holds more than one. A sink or
// reader that wants the pixels past the next Replace takes a Hold and calls
// Release when done; the buffer is freed when its last Hold goes.
package handoff

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.klb.dev/clipstage/internal/logging"
	"go.klb.dev/clipstage/internal/watcher"
)

// Image is a decoded picture together with the clipboard content it came from.
type Image struct {
	Pixels image.Image
	Source watcher.Fingerprint
}

// Width returns the pixel width, or zero for an empty image.
func (i Image) Width() int {
	if i.Pixels == nil {
		return 0
	}
	return i.Pixels.Bounds().Dx()
}

// Height returns the pixel height, or zero for an empty image.
func (i Image) Height() int {
	if i.Pixels == nil {
		return 0
	}
	return i.Pixels.Bounds().Dy()
}

// Sink receives a Hold on every Replace. It owns the hold and must Release
// it, possibly after rendering asynchronously.
type Sink interface {
	Show(h *Hold)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(h *Hold)

func (f SinkFunc) Show(h *Hold) { f(h) }

// Config tunes a Handoff.
type Config struct {
	Sink   Sink
	Logger *slog.Logger
}

// Stats are handoff counters.
type Stats struct {
	Replacements int64 `json:"replacements"`
	Retained     int64 `json:"retained"`
	Live         int64 `json:"live"`
	PeakRetained int64 `json:"peak_retained"`
}

// Handoff holds at most one image at a time.
type Handoff struct {
	sink Sink
	log  *slog.Logger

	mu  sync.RWMutex
	cur *buffer

	// retained counts buffers referenced by the handoff itself (0 or 1);
	// live counts buffers referenced by anyone, holds included.
	retained     atomic.Int64
	peakRetained atomic.Int64
	live         atomic.Int64
	replacements atomic.Int64
}

// New returns an empty handoff.
func New(cfg Config) *Handoff {
	return &Handoff{
		sink: cfg.Sink,
		log:  logging.Component(cfg.Logger, "handoff"),
	}
}

// Replace makes img the current image. The previous buffer loses the
// handoff's reference first and is freed at once unless a Hold keeps it.
func (h *Handoff) Replace(img Image) {
	h.mu.Lock()
	if old := h.cur; old != nil {
		h.cur = nil
		h.retained.Add(-1)
		old.release()
	}

	b := &buffer{img: img, owner: h}
	b.refs.Store(1)
	h.live.Add(1)
	h.cur = b
	h.track(h.retained.Add(1))
	h.replacements.Add(1)

	var hold *Hold
	if h.sink != nil {
		hold = b.hold()
	}
	h.mu.Unlock()

	h.log.Debug("image replaced",
		"fingerprint", img.Source,
		"width", img.Width(),
		"height", img.Height(),
	)
	if hold != nil {
		h.sink.Show(hold)
	}
}

// Current returns a Hold on the current image, or nil if none is retained.
// The caller must Release it.
func (h *Handoff) Current() *Hold {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cur == nil {
		return nil
	}
	return h.cur.hold()
}

// Clear drops the current image.
func (h *Handoff) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur != nil {
		h.retained.Add(-1)
		h.cur.release()
		h.cur = nil
	}
}

// Stats returns a snapshot of the counters.
func (h *Handoff) Stats() Stats {
	return Stats{
		Replacements: h.replacements.Load(),
		Retained:     h.retained.Load(),
		Live:         h.live.Load(),
		PeakRetained: h.peakRetained.Load(),
	}
}

func (h *Handoff) track(n int64) {
	for {
		p := h.peakRetained.Load()
		if n <= p || h.peakRetained.CompareAndSwap(p, n) {
			return
		}
	}
}

type buffer struct {
	img   Image
	refs  atomic.Int64
	owner *Handoff
}

func (b *buffer) hold() *Hold {
	b.refs.Add(1)
	return &Hold{buf: b}
}

func (b *buffer) release() {
	if b.refs.Add(-1) == 0 {
		b.img.Pixels = nil
		b.owner.live.Add(-1)
	}
}

// Hold is a shared reference to a displayed image.
type Hold struct {
	buf  *buffer
	once sync.Once
}

// Image returns the held image. It stays valid until Release.
func (h *Hold) Image() Image { return h.buf.img }

// Release drops the reference. Extra calls are no-ops.
func (h *Hold) Release() {
	h.once.Do(h.buf.release)
}
