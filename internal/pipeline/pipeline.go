// Package pipeline turns clipboard snapshots into delivered outcomes.
//
// Each event walks Idle -> Classifying -> (ArtifactPersisted for images) ->
// Generating -> Delivered, or ends in Failed. Events enter through a bounded
// intake and are classified and persisted one at a time in detection order
// by Run. Generation is handed to the shared task runtime and finishes in
// any order; one event's failure never holds up the next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/clipstage/internal/artifact"
	"go.klb.dev/clipstage/internal/generation"
	"go.klb.dev/clipstage/internal/handoff"
	"go.klb.dev/clipstage/internal/logging"
	"go.klb.dev/clipstage/internal/task"
	"go.klb.dev/clipstage/internal/watcher"
)

const (
	// DefaultQueueSize bounds events waiting for Run.
	DefaultQueueSize = 64

	// DefaultCategory labels events when none is configured.
	DefaultCategory = "default"
)

var (
	// ErrBackpressure is reported when the intake is full. The event is
	// dropped rather than blocking the clipboard poll loop.
	ErrBackpressure = errors.New("pipeline intake full")

	// ErrStopped is reported for events offered after Run has stopped and
	// for events still queued when it stops.
	ErrStopped = errors.New("pipeline stopped")
)

// Config tunes a Pipeline.
type Config struct {
	// Category labels every clipboard event, e.g. a form-field type.
	Category string
	// RequestTimeout bounds each generation. Zero means no timeout.
	RequestTimeout time.Duration
	// QueueSize bounds the intake. Zero means DefaultQueueSize.
	QueueSize int
	// PreviewMax scales displayed images to this longest edge. Zero keeps
	// the original size.
	PreviewMax int

	// Sink receives every Delivered and Failed outcome.
	Sink Sink
	// Observe, when set, is called on every state transition.
	Observe func(eventID string, s State)

	Logger *slog.Logger
}

// Stats are pipeline counters.
type Stats struct {
	Received   int64 `json:"received"`
	Dropped    int64 `json:"dropped"`
	Persisted  int64 `json:"persisted"`
	Generating int64 `json:"generating"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
}

// Pipeline orchestrates one clipboard event at a time.
type Pipeline struct {
	rt      *task.Runtime
	store   *artifact.Store
	handoff *handoff.Handoff
	gen     generation.Generator
	cfg     Config
	log     *slog.Logger

	intake chan event
	// gate orders intake sends against stop so no event is left behind
	// in the intake once Run returns.
	gate    sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *Outcome

	received   atomic.Int64
	dropped    atomic.Int64
	persisted  atomic.Int64
	generating atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
}

type event struct {
	id       string
	category string
	snap     watcher.Snapshot
}

// New wires a pipeline. The runtime, store, handoff and generator are
// shared with the rest of the process; the pipeline owns none of them.
func New(rt *task.Runtime, store *artifact.Store, ho *handoff.Handoff, gen generation.Generator, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	return &Pipeline{
		rt:      rt,
		store:   store,
		handoff: ho,
		gen:     gen,
		cfg:     cfg,
		log:     logging.Component(cfg.Logger, "pipeline"),
		intake:  make(chan event, cfg.QueueSize),
	}
}

// Handle accepts a snapshot from the watcher. It never blocks.
func (p *Pipeline) Handle(snap watcher.Snapshot) {
	_, _ = p.Enqueue(snap, "")
}

// Submit injects text as if it had been copied, under category (or the
// configured one when empty). It returns the event id.
func (p *Pipeline) Submit(text, category string) (string, error) {
	payload := []byte(text)
	return p.Enqueue(watcher.Snapshot{
		Kind:        watcher.KindText,
		Fingerprint: watcher.FingerprintOf(watcher.KindText, payload),
		MIME:        "text/plain",
		Payload:     payload,
		ReadAt:      time.Now(),
	}, category)
}

// Enqueue offers snap to the intake. When the intake is full or the
// pipeline has stopped, the event is reported Failed and the error returned.
func (p *Pipeline) Enqueue(snap watcher.Snapshot, category string) (string, error) {
	if category == "" {
		category = p.cfg.Category
	}
	ev := event{id: uuid.NewString(), category: category, snap: snap}
	p.received.Add(1)
	p.observe(ev.id, StateIdle)

	err := p.offer(ev)
	switch {
	case err == nil:
		return ev.id, nil
	case errors.Is(err, ErrBackpressure):
		p.dropped.Add(1)
	}
	p.fail(ev, err, "")
	return ev.id, err
}

func (p *Pipeline) offer(ev event) error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.intake <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// Run processes queued events in order until ctx ends. Events still queued
// when ctx ends are reported Failed with ErrStopped. An artifact write that
// has started is allowed to finish. Generations already submitted keep
// running after Run returns; use Drain to wait for them.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("pipeline started",
		"generator", p.gen.Name(),
		"category", p.cfg.Category,
		"queue_size", cap(p.intake),
	)

	for {
		select {
		case <-ctx.Done():
			p.stop()
			return nil
		case ev := <-p.intake:
			if ctx.Err() != nil {
				p.fail(ev, ErrStopped, "")
				continue
			}
			p.process(ctx, ev)
		}
	}
}

// stop closes the intake to new events and fails whatever is still queued.
func (p *Pipeline) stop() {
	p.gate.Lock()
	p.stopped = true
	p.gate.Unlock()

	var pending int
	for {
		select {
		case ev := <-p.intake:
			pending++
			p.fail(ev, ErrStopped, "")
		default:
			p.log.Info("pipeline stopped", "failed_pending", pending)
			return
		}
	}
}

// Drain waits for in-flight generations to report, or for ctx to end.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the most recent Delivered or Failed outcome.
func (p *Pipeline) Last() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Outcome{}, false
	}
	return *p.last, true
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Dropped:    p.dropped.Load(),
		Persisted:  p.persisted.Load(),
		Generating: p.generating.Load(),
		Delivered:  p.delivered.Load(),
		Failed:     p.failed.Load(),
	}
}

// Generator returns the configured generator.
func (p *Pipeline) Generator() generation.Generator { return p.gen }

func (p *Pipeline) process(ctx context.Context, ev event) {
	p.observe(ev.id, StateClassifying)
	log := p.log.With("event_id", ev.id, "kind", ev.snap.Kind, "fingerprint", ev.snap.Fingerprint)

	req := generation.Request{EventID: ev.id, Category: ev.category}
	var artifactPath string

	switch ev.snap.Kind {
	case watcher.KindText:
		req.Text = ev.snap.Text()
	case watcher.KindImage:
		slot, err := p.persist(ctx, ev)
		if err != nil {
			log.Error("artifact persistence failed", "err", err)
			p.fail(ev, err, "")
			return
		}
		p.persisted.Add(1)
		artifactPath = slot.Path
		p.observe(ev.id, StateArtifactPersisted)
		req.Image = ev.snap.Payload
		req.ImageMIME = ev.snap.MIME
	default:
		p.fail(ev, fmt.Errorf("unsupported snapshot kind %v", ev.snap.Kind), "")
		return
	}

	p.generate(ctx, ev, req, artifactPath, log)
}

// persist writes the image artifact and hands the decoded picture to the
// display, both on the shared runtime. The dispatcher waits for it so
// artifacts are replaced in detection order. The wait ignores ctx: once
// the write is queued its result is always observed.
func (p *Pipeline) persist(ctx context.Context, ev event) (artifact.Slot, error) {
	var slot artifact.Slot
	err := p.rt.Do(context.WithoutCancel(ctx), "persist-artifact", func(context.Context) error {
		var err error
		slot, err = p.store.Store(artifact.CategoryClipboardImage, ev.snap.Payload)
		if err != nil {
			return err
		}
		if p.handoff == nil {
			return nil
		}
		img, _, err := handoff.Decode(ev.snap.Payload, p.cfg.PreviewMax)
		if err != nil {
			p.log.Warn("image not decodable, display unchanged", "event_id", ev.id, "err", err)
			return nil
		}
		p.handoff.Replace(handoff.Image{Pixels: img, Source: ev.snap.Fingerprint})
		return nil
	})
	return slot, err
}

// generate submits the request to the runtime without waiting. The
// request context is detached from ctx so stopping the pipeline lets
// in-flight generations drain; only RequestTimeout bounds them.
func (p *Pipeline) generate(ctx context.Context, ev event, req generation.Request, artifactPath string, log *slog.Logger) {
	p.observe(ev.id, StateGenerating)
	p.generating.Add(1)
	p.wg.Add(1)

	base := context.WithoutCancel(ctx)
	_, err := p.rt.Submit(base, "generate", func(ctx context.Context) (err error) {
		var res generation.Result
		defer func() {
			if r := recover(); r != nil {
				p.finish(ev, res, fmt.Errorf("%w: %v", task.ErrTaskPanic, r), artifactPath)
				panic(r)
			}
			p.finish(ev, res, err, artifactPath)
		}()

		if p.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
			defer cancel()
		}
		res, err = p.gen.Generate(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = generation.FromContext(ctxErr)
			}
			if !errors.Is(err, generation.ErrGenerationFailed) {
				err = fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
			}
		}
		return err
	})
	if err != nil {
		log.Error("generation not submitted", "err", err)
		p.finish(ev, generation.Result{}, err, artifactPath)
	}
}

func (p *Pipeline) finish(ev event, res generation.Result, err error, artifactPath string) {
	defer p.wg.Done()
	p.generating.Add(-1)
	if err != nil {
		p.fail(ev, err, artifactPath)
		return
	}

	out := p.outcome(ev, StateDelivered, artifactPath)
	out.Text = res.Text
	out.Provider = res.Provider
	out.Model = res.Model
	out.Attempts = res.Attempts
	p.delivered.Add(1)
	p.observe(ev.id, StateDelivered)
	p.log.Info("outcome delivered",
		"event_id", ev.id,
		"category", ev.category,
		"response_len", len(res.Text),
		"latency", out.FinishedAt.Sub(out.DetectedAt),
	)
	p.report(out)
}

func (p *Pipeline) fail(ev event, err error, artifactPath string) {
	out := p.outcome(ev, StateFailed, artifactPath)
	out.Err = err
	out.Cause = err.Error()
	p.failed.Add(1)
	p.observe(ev.id, StateFailed)
	p.log.Warn("event failed",
		"event_id", ev.id,
		"category", ev.category,
		"err", err,
	)
	p.report(out)
}

func (p *Pipeline) outcome(ev event, s State, artifactPath string) Outcome {
	return Outcome{
		EventID:      ev.id,
		Category:     ev.category,
		Kind:         ev.snap.Kind.String(),
		Fingerprint:  ev.snap.Fingerprint.String(),
		State:        s,
		ArtifactPath: artifactPath,
		DetectedAt:   ev.snap.ReadAt,
		FinishedAt:   time.Now(),
	}
}

func (p *Pipeline) report(out Outcome) {
	p.mu.Lock()
	p.last = &out
	p.mu.Unlock()
	if p.cfg.Sink != nil {
		p.cfg.Sink.Deliver(out)
	}
}

func (p *Pipeline) observe(id string, s State) {
	if p.cfg.Observe != nil {
		p.cfg.Observe(id, s)
	}
}
