package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipstage/internal/artifact"
	"go.klb.dev/clipstage/internal/generation"
	"go.klb.dev/clipstage/internal/handoff"
	"go.klb.dev/clipstage/internal/task"
	"go.klb.dev/clipstage/internal/watcher"
)

// fakeGen answers each request with fn.
type fakeGen struct {
	mu   sync.Mutex
	reqs []generation.Request
	fn   func(ctx context.Context, req generation.Request) (generation.Result, error)
}

func (f *fakeGen) Name() string { return "fake/test" }

func (f *fakeGen) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeGen) requests() []generation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generation.Request(nil), f.reqs...)
}

// collector records delivered outcomes and state transitions.
type collector struct {
	mu          sync.Mutex
	outcomes    []Outcome
	transitions map[string][]State
}

func newCollector() *collector {
	return &collector{transitions: make(map[string][]State)}
}

func (c *collector) Deliver(o Outcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
}

func (c *collector) observe(id string, s State) {
	c.mu.Lock()
	c.transitions[id] = append(c.transitions[id], s)
	c.mu.Unlock()
}

func (c *collector) byID(id string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.outcomes {
		if o.EventID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

func (c *collector) states(id string) []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.transitions[id]...)
}

type harness struct {
	p       *Pipeline
	store   *artifact.Store
	handoff *handoff.Handoff
	gen     *fakeGen
	col     *collector
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

func newHarness(t *testing.T, cfg Config, fn func(context.Context, generation.Request) (generation.Result, error)) *harness {
	t.Helper()
	rt, err := task.Init(task.Config{Workers: 4})
	require.NoError(t, err)
	store, err := artifact.New(artifact.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:   store,
		handoff: handoff.New(handoff.Config{}),
		gen:     &fakeGen{fn: fn},
		col:     newCollector(),
		done:    make(chan error, 1),
	}
	cfg.Sink = h.col
	cfg.Observe = h.col.observe
	h.p = New(rt, store, h.handoff, h.gen, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.p.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}

func (h *harness) wait(t *testing.T, id string) Outcome {
	t.Helper()
	var out Outcome
	require.Eventually(t, func() bool {
		var ok bool
		out, ok = h.col.byID(id)
		return ok
	}, 2*time.Second, time.Millisecond, "no outcome for %s", id)
	return out
}

func answer(text string) func(context.Context, generation.Request) (generation.Result, error) {
	return func(context.Context, generation.Request) (generation.Result, error) {
		return generation.Result{Text: text, Provider: "fake", Model: "test", Attempts: 1}, nil
	}
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageSnap(data []byte) watcher.Snapshot {
	return watcher.Snapshot{
		Kind:        watcher.KindImage,
		Fingerprint: watcher.FingerprintOf(watcher.KindImage, data),
		MIME:        "image/png",
		Payload:     data,
		ReadAt:      time.Now(),
	}
}

func TestTextEventDelivered(t *testing.T) {
	h := newHarness(t, Config{Category: "single-choice"}, answer("B"))

	id, err := h.p.Submit("2+2=?", "")
	require.NoError(t, err)
	out := h.wait(t, id)

	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, "B", out.Text)
	assert.Equal(t, "single-choice", out.Category)
	assert.Equal(t, "text", out.Kind)
	assert.Empty(t, out.ArtifactPath)
	assert.Equal(t,
		[]State{StateIdle, StateClassifying, StateGenerating, StateDelivered},
		h.col.states(id))

	reqs := h.gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "2+2=?", reqs[0].Text)
	assert.Equal(t, id, reqs[0].EventID)
	assert.Empty(t, h.store.Slots(), "text skips artifact persistence")

	last, ok := h.p.Last()
	require.True(t, ok)
	assert.Equal(t, id, last.EventID)
}

func TestImageEventPersistsAndHandsOff(t *testing.T) {
	h := newHarness(t, Config{PreviewMax: 4}, answer("described"))
	data := pngBytes(t, color.RGBA{G: 255, A: 255})
	snap := imageSnap(data)

	id, err := h.p.Enqueue(snap, "")
	require.NoError(t, err)
	out := h.wait(t, id)

	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t,
		[]State{StateIdle, StateClassifying, StateArtifactPersisted, StateGenerating, StateDelivered},
		h.col.states(id))

	slot, ok := h.store.Current(artifact.CategoryClipboardImage)
	require.True(t, ok)
	assert.Equal(t, slot.Path, out.ArtifactPath)
	onDisk, err := os.ReadFile(slot.Path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	hold := h.handoff.Current()
	require.NotNil(t, hold)
	defer hold.Release()
	assert.Equal(t, snap.Fingerprint, hold.Image().Source)
	assert.Equal(t, 4, hold.Image().Width(), "preview scaled to longest edge")

	reqs := h.gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, data, reqs[0].Image)
	assert.Equal(t, "image/png", reqs[0].ImageMIME)
}

func TestImageSequenceKeepsSingleArtifact(t *testing.T) {
	h := newHarness(t, Config{}, answer("ok"))
	b1 := pngBytes(t, color.RGBA{R: 255, A: 255})
	b2 := pngBytes(t, color.RGBA{B: 255, A: 255})

	id1, err := h.p.Enqueue(imageSnap(b1), "")
	require.NoError(t, err)
	o1 := h.wait(t, id1)

	id2, err := h.p.Enqueue(imageSnap(b2), "")
	require.NoError(t, err)
	o2 := h.wait(t, id2)

	assert.NoFileExists(t, o1.ArtifactPath)
	assert.FileExists(t, o2.ArtifactPath)
	matches, err := filepath.Glob(filepath.Join(h.store.Dir(), "clipstage-clipboard-image_*"))
	require.NoError(t, err)
	assert.Equal(t, []string{o2.ArtifactPath}, matches)
	assert.Equal(t, int64(1), h.handoff.Stats().Live)
}

func TestFailureIsolation(t *testing.T) {
	h := newHarness(t, Config{}, func(_ context.Context, req generation.Request) (generation.Result, error) {
		if req.Text == "K" {
			return generation.Result{}, errors.New("backend exploded")
		}
		return generation.Result{Text: "answer to " + req.Text}, nil
	})

	idK, err := h.p.Submit("K", "")
	require.NoError(t, err)
	idNext, err := h.p.Submit("K+1", "")
	require.NoError(t, err)

	failed := h.wait(t, idK)
	assert.Equal(t, StateFailed, failed.State)
	assert.ErrorIs(t, failed.Err, generation.ErrGenerationFailed)
	assert.Contains(t, failed.Cause, "backend exploded")

	ok := h.wait(t, idNext)
	assert.Equal(t, StateDelivered, ok.State)
	assert.Equal(t, "answer to K+1", ok.Text)
}

func TestTimeoutThenSuccessKeepsOneRuntime(t *testing.T) {
	h := newHarness(t, Config{RequestTimeout: 30 * time.Millisecond},
		func(ctx context.Context, req generation.Request) (generation.Result, error) {
			if req.Text == "slow" {
				<-ctx.Done()
				return generation.Result{}, ctx.Err()
			}
			return generation.Result{Text: "fast answer"}, nil
		})

	id1, err := h.p.Submit("slow", "")
	require.NoError(t, err)
	id2, err := h.p.Submit("fast", "")
	require.NoError(t, err)

	o1 := h.wait(t, id1)
	o2 := h.wait(t, id2)

	assert.Equal(t, StateFailed, o1.State)
	assert.ErrorIs(t, o1.Err, generation.ErrTimeout)
	assert.Equal(t, StateDelivered, o2.State)
	assert.Equal(t, "fast answer", o2.Text)
	assert.Equal(t, int64(1), task.Constructed())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.p.Drain(ctx))
	assert.Equal(t, int64(0), h.p.Stats().Generating)
}

func TestGeneratorPanicBecomesFailed(t *testing.T) {
	h := newHarness(t, Config{}, func(_ context.Context, req generation.Request) (generation.Result, error) {
		if req.Text == "boom" {
			panic("nil map")
		}
		return generation.Result{Text: "fine"}, nil
	})

	id1, err := h.p.Submit("boom", "")
	require.NoError(t, err)
	o1 := h.wait(t, id1)
	assert.Equal(t, StateFailed, o1.State)
	assert.ErrorIs(t, o1.Err, task.ErrTaskPanic)

	id2, err := h.p.Submit("after", "")
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, h.wait(t, id2).State)
}

func TestArtifactWriteFailureFailsEvent(t *testing.T) {
	h := newHarness(t, Config{}, answer("unused"))
	require.NoError(t, os.RemoveAll(h.store.Dir()))

	id, err := h.p.Enqueue(imageSnap(pngBytes(t, color.Black)), "")
	require.NoError(t, err)
	out := h.wait(t, id)

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, artifact.ErrWrite)
	assert.NotContains(t, h.col.states(id), StateGenerating)
	assert.Empty(t, h.gen.requests())
}

func TestBackpressureReportsFailed(t *testing.T) {
	rt, err := task.Init(task.Config{})
	require.NoError(t, err)
	col := newCollector()
	// Run is never started, so the intake fills.
	p := New(rt, nil, nil, &fakeGen{fn: answer("x")}, Config{QueueSize: 2, Sink: col})

	for i := 0; i < 2; i++ {
		_, err := p.Submit("q", "")
		require.NoError(t, err)
	}
	id, err := p.Submit("overflow", "")
	assert.ErrorIs(t, err, ErrBackpressure)

	out, ok := col.byID(id)
	require.True(t, ok)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestSubmitAfterStop(t *testing.T) {
	h := newHarness(t, Config{}, answer("x"))
	h.stop()

	_, err := h.p.Submit("late", "")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopFailsQueuedEvents(t *testing.T) {
	rt, err := task.Init(task.Config{})
	require.NoError(t, err)
	col := newCollector()
	gen := &fakeGen{fn: answer("x")}
	p := New(rt, nil, nil, gen, Config{Sink: col})

	var ids []string
	for _, q := range []string{"a", "b", "c"} {
		id, err := p.Submit(q, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	require.NoError(t, p.Drain(context.Background()))

	for _, id := range ids {
		out, ok := col.byID(id)
		require.True(t, ok, "no outcome for %s", id)
		assert.Equal(t, StateFailed, out.State)
		assert.ErrorIs(t, out.Err, ErrStopped)
	}
	assert.Equal(t, int64(3), p.Stats().Failed)
	assert.Empty(t, gen.requests())

	_, err = p.Submit("late", "")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopDuringPersistKeepsArtifact(t *testing.T) {
	rt, err := task.Init(task.Config{Workers: 2})
	require.NoError(t, err)
	store, err := artifact.New(artifact.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	entered := make(chan struct{})
	release := make(chan struct{})
	ho := handoff.New(handoff.Config{Sink: handoff.SinkFunc(func(h *handoff.Hold) {
		defer h.Release()
		close(entered)
		<-release
	})})
	col := newCollector()
	p := New(rt, store, ho, &fakeGen{fn: answer("late but fine")}, Config{Sink: col})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	id, err := p.Enqueue(imageSnap(pngBytes(t, color.RGBA{R: 255, A: 255})), "")
	require.NoError(t, err)
	<-entered
	cancel()
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, p.Drain(context.Background()))

	out, ok := col.byID(id)
	require.True(t, ok)
	assert.Equal(t, StateDelivered, out.State)
	slot, ok := store.Current(artifact.CategoryClipboardImage)
	require.True(t, ok)
	assert.Equal(t, slot.Path, out.ArtifactPath)
	assert.FileExists(t, out.ArtifactPath)
}

func TestSinksFanOut(t *testing.T) {
	var a, b []string
	s := Sinks(
		SinkFunc(func(o Outcome) { a = append(a, o.EventID) }),
		nil,
		SinkFunc(func(o Outcome) { b = append(b, o.EventID) }),
	)
	s.Deliver(Outcome{EventID: "e1"})
	assert.Equal(t, []string{"e1"}, a)
	assert.Equal(t, []string{"e1"}, b)
}

func TestStateText(t *testing.T) {
	b, err := StateArtifactPersisted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "artifact_persisted", string(b))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("delivered")))
	assert.Equal(t, StateDelivered, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
