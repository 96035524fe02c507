// Package task owns the single process-wide worker pool used for every
// network call and pipeline-triggered file operation.
//
// The pool is built once, on the first call to Init, and every later caller
// receives the same *Runtime. Tasks that panic are recovered and reported
// through their Handle; the pool and its other tasks keep running.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"go.klb.dev/clipstage/internal/logging"
)

// DefaultWorkers bounds concurrent tasks when Config.Workers is unset.
const DefaultWorkers = 4

// initTimeout bounds the warm-up task run while constructing the runtime.
const initTimeout = 5 * time.Second

var (
	// ErrRuntimeInit is fatal: nothing can make progress without the pool.
	ErrRuntimeInit = errors.New("shared task runtime failed to initialize")

	// ErrTaskPanic wraps a recovered panic from a submitted task.
	ErrTaskPanic = errors.New("task panicked")

	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("task runtime shut down")
)

// Func is a unit of work. The context is the one passed to Submit.
type Func func(ctx context.Context) error

// Config tunes the shared runtime. Only the first Init call's config is used.
type Config struct {
	// Workers caps concurrently running tasks. Zero means DefaultWorkers.
	Workers int
	// IdleExpiry reclaims workers idle for longer. Zero keeps the pool default.
	IdleExpiry time.Duration
	Logger     *slog.Logger
}

// Stats are runtime counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Running   int   `json:"running"`
	InFlight  int64 `json:"in_flight"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Runtime is the shared execution context. Obtain it with Init or Shared.
type Runtime struct {
	pool *ants.Pool
	log  *slog.Logger

	closed atomic.Bool

	inflight  atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

var (
	sharedOnce  sync.Once
	shared      *Runtime
	sharedErr   error
	constructed atomic.Int64
)

// Init returns the process-wide runtime, constructing it on the first call.
// The first construction blocks until a worker has run a warm-up task.
// Subsequent calls ignore cfg and return the same instance, or the same
// initialization error.
func Init(cfg Config) (*Runtime, error) {
	sharedOnce.Do(func() {
		constructed.Add(1)
		shared, sharedErr = newRuntime(cfg)
	})
	return shared, sharedErr
}

// Shared is Init with the default configuration.
func Shared() (*Runtime, error) { return Init(Config{}) }

// Constructed reports how many shared runtimes this process has built.
func Constructed() int64 { return constructed.Load() }

func newRuntime(cfg Config) (*Runtime, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	log := logging.Component(cfg.Logger, "task")

	opts := []ants.Option{ants.WithLogger(antsLogger{log})}
	if cfg.IdleExpiry != 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.IdleExpiry))
	}
	pool, err := ants.NewPool(workers, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeInit, err)
	}
	r := &Runtime{pool: pool, log: log}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := r.Do(ctx, "warm-up", func(context.Context) error { return nil }); err != nil {
		pool.Release()
		return nil, fmt.Errorf("%w: warm-up: %v", ErrRuntimeInit, err)
	}

	log.Info("task runtime ready", "workers", workers)
	return r, nil
}

// Handle tracks one submitted task.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the label given at submission.
func (h *Handle) Name() string { return h.name }

// Done is closed once the task has returned or panicked.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's result. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends. A ctx expiry does not
// abort the task.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn on the pool and returns without waiting for it to run.
// When every worker is busy Submit blocks until one frees up; the caller's
// goroutine never runs fn itself.
func (r *Runtime) Submit(ctx context.Context, name string, fn Func) (*Handle, error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}
	h := &Handle{name: name, done: make(chan struct{})}

	r.submitted.Add(1)
	r.inflight.Add(1)
	if err := r.pool.Submit(func() { r.run(ctx, h, fn) }); err != nil {
		r.inflight.Add(-1)
		if errors.Is(err, ants.ErrPoolClosed) {
			return nil, ErrShutdown
		}
		return nil, fmt.Errorf("submit task %s: %w", name, err)
	}
	return h, nil
}

// Do submits fn and waits for its result.
func (r *Runtime) Do(ctx context.Context, name string, fn Func) error {
	h, err := r.Submit(ctx, name, fn)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

func (r *Runtime) run(ctx context.Context, h *Handle, fn Func) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			h.err = fmt.Errorf("%w: %s: %v", ErrTaskPanic, h.name, p)
			r.panics.Add(1)
			r.log.Error("task panicked",
				"task", h.name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
		if h.err != nil {
			r.failed.Add(1)
		} else {
			r.completed.Add(1)
		}
		r.inflight.Add(-1)
		r.log.Debug("task finished",
			"task", h.name,
			"elapsed", time.Since(start),
			"err", h.err,
		)
		close(h.done)
	}()

	if err := ctx.Err(); err != nil {
		h.err = err
		return
	}
	h.err = fn(ctx)
}

// Stats returns a snapshot of the counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Workers:   r.pool.Cap(),
		Running:   r.pool.Running(),
		InFlight:  r.inflight.Load(),
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Panics:    r.panics.Load(),
	}
}

// Shutdown stops accepting tasks and waits up to timeout for in-flight
// tasks to drain. It is meant for process exit only.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	pending := r.inflight.Load()
	r.log.Info("task runtime draining", "in_flight", pending, "timeout", timeout)
	if err := r.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("drain task runtime: %w", err)
	}
	return nil
}

// antsLogger routes pool diagnostics into slog.
type antsLogger struct{ l *slog.Logger }

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Warn(fmt.Sprintf(format, args...))
}
