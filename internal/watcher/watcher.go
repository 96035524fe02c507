// Package watcher polls the system clipboard on a fixed cadence, classifies
// what it finds and emits one Snapshot per genuine change.
//
// Each tick is exposed as PollOnce so callers and tests can drive it without
// a timer.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"go.klb.dev/clipstage/internal/clip"
	"go.klb.dev/clipstage/internal/logging"
)

// DefaultInterval is the documented poll cadence.
const DefaultInterval = 2 * time.Second

// ErrClipboardRead marks a failed tick. It is logged and counted, never
// returned from Run: the next tick is the retry.
var ErrClipboardRead = errors.New("clipboard read failed")

// Kind classifies snapshot content.
type Kind int

const (
	KindText Kind = iota + 1
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Fingerprint is a content hash used for deduplication.
type Fingerprint uint64

func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// FingerprintOf hashes payload together with its kind, so identical bytes
// seen as text and as an image never collide.
func FingerprintOf(kind Kind, payload []byte) Fingerprint {
	d := xxhash.New()
	_, _ = d.Write([]byte{byte(kind)})
	_, _ = d.Write(payload)
	return Fingerprint(d.Sum64())
}

// Snapshot is one classified clipboard read. It is immutable once emitted.
type Snapshot struct {
	Kind        Kind
	Fingerprint Fingerprint
	MIME        string
	Payload     []byte
	ReadAt      time.Time
}

// Text returns the payload as a string for text snapshots.
func (s Snapshot) Text() string {
	if s.Kind != KindText {
		return ""
	}
	return string(s.Payload)
}

// Stats are cumulative watcher counters.
type Stats struct {
	Ticks    int64 `json:"ticks"`
	Failures int64 `json:"failures"`
	Events   int64 `json:"events"`
}

// Config tunes a Watcher.
type Config struct {
	// Interval between ticks. Zero means DefaultInterval.
	Interval time.Duration
	Logger   *slog.Logger
}

// Watcher owns a clipboard backend and the last-seen fingerprint.
type Watcher struct {
	backend  clip.Backend
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	last    Fingerprint
	hasLast bool

	ticks    atomic.Int64
	failures atomic.Int64
	events   atomic.Int64
}

// New creates a watcher for backend. The watcher takes ownership of the
// backend and closes it when Run returns.
func New(backend clip.Backend, cfg Config) *Watcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		backend:  backend,
		interval: interval,
		log:      logging.Component(cfg.Logger, "watcher"),
	}
}

// Interval returns the configured tick cadence.
func (w *Watcher) Interval() time.Duration { return w.interval }

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Ticks:    w.ticks.Load(),
		Failures: w.failures.Load(),
		Events:   w.events.Load(),
	}
}

// PollOnce performs a single tick and reports whether it produced a change.
// Read failures are swallowed and leave the last-seen fingerprint untouched.
// An empty clipboard clears it, so copying the same content again after
// clearing counts as a change.
func (w *Watcher) PollOnce() (Snapshot, bool) {
	w.ticks.Add(1)

	items, err := w.read()
	if err != nil {
		w.failures.Add(1)
		w.log.Debug("clipboard read failed, treating as no change", "err", err)
		return Snapshot{}, false
	}

	snap, ok := classify(items)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !ok {
		if w.hasLast {
			w.log.Debug("clipboard emptied")
		}
		w.hasLast = false
		return Snapshot{}, false
	}
	if w.hasLast && w.last == snap.Fingerprint {
		return Snapshot{}, false
	}
	w.last = snap.Fingerprint
	w.hasLast = true
	w.events.Add(1)

	w.log.Info("clipboard changed",
		"kind", snap.Kind,
		"fingerprint", snap.Fingerprint,
		"size_bytes", len(snap.Payload),
	)
	return snap, true
}

// Suppress records content the process itself is about to place on the
// clipboard, so the next tick that reads it back does not fire an event.
func (w *Watcher) Suppress(kind Kind, payload []byte) {
	fp := FingerprintOf(kind, payload)
	w.mu.Lock()
	w.last = fp
	w.hasLast = true
	w.mu.Unlock()
}

// Run ticks until ctx is cancelled, calling onChange synchronously for each
// change so tick N+1 never starts before tick N's snapshot is dispatched.
// onChange must hand work off and return quickly. The backend is closed on
// return.
func (w *Watcher) Run(ctx context.Context, onChange func(Snapshot)) error {
	defer w.backend.Close()

	w.log.Info("clipboard watcher started",
		"backend", w.backend.Name(),
		"interval", w.interval,
	)

	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("clipboard watcher stopped", "ticks", w.ticks.Load())
			return nil
		case <-t.C:
			if snap, ok := w.PollOnce(); ok {
				onChange(snap)
			}
		}
	}
}

func (w *Watcher) read() (items []clip.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			items, err = nil, fmt.Errorf("%w: panic: %v", ErrClipboardRead, r)
		}
	}()
	items, err = w.backend.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClipboardRead, err)
	}
	return items, nil
}

// classify prefers an image over text: screenshot tools place only an
// image, while copying an image from a browser often adds alt text.
func classify(items []clip.Item) (Snapshot, bool) {
	now := time.Now()
	if img, ok := clip.Find(items, clip.MIMEPNG); ok && len(img.Data) > 0 {
		return Snapshot{
			Kind:        KindImage,
			Fingerprint: FingerprintOf(KindImage, img.Data),
			MIME:        img.MIME,
			Payload:     img.Data,
			ReadAt:      now,
		}, true
	}
	if txt, ok := clip.Find(items, clip.MIMEText); ok && strings.TrimSpace(string(txt.Data)) != "" {
		return Snapshot{
			Kind:        KindText,
			Fingerprint: FingerprintOf(KindText, txt.Data),
			MIME:        txt.MIME,
			Payload:     txt.Data,
			ReadAt:      now,
		}, true
	}
	return Snapshot{}, false
}
