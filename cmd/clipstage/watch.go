package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"go.klb.dev/clipstage/internal/artifact"
	"go.klb.dev/clipstage/internal/clip"
	"go.klb.dev/clipstage/internal/crypto"
	"go.klb.dev/clipstage/internal/handoff"
	"go.klb.dev/clipstage/internal/hub"
	"go.klb.dev/clipstage/internal/ipc"
	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/peer"
	"go.klb.dev/clipstage/internal/pipeline"
	"go.klb.dev/clipstage/internal/task"
	"go.klb.dev/clipstage/internal/watcher"
)

const (
	drainTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the clipboard staging daemon",
		Long: `Polls the system clipboard and runs every new text or image through the
generation backend. Images are written to a single temp file per category
and shown through the preview handoff. Outcomes are published to subscribers
on the local control socket and, with --listen, over TCP.

Precedence (lowest → highest): defaults → config file → CLIPSTAGE_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runWatch(cmd.Context(), v) },
	}
	addWatchFlags(cmd)
	return cmd
}

// daemon holds the long-lived components and answers control sessions.
type daemon struct {
	started  time.Time
	source   string
	category string
	backend  clip.Backend
	watcher  *watcher.Watcher
	rt       *task.Runtime
	store    *artifact.Store
	handoff  *handoff.Handoff
	pipeline *pipeline.Pipeline
	hub      *hub.Hub

	watching atomic.Bool
}

// Status implements peer.Backend.
func (d *daemon) Status() *message.Status {
	st := &message.Status{
		Version:   Version,
		StartedAt: d.started,
		Clipboard: d.backend.Name(),
		Generator: d.pipeline.Generator().Name(),
		Category:  d.category,
		Interval:  d.watcher.Interval().String(),
		Watcher:   d.watcher.Stats(),
		Runtime:   d.rt.Stats(),
		Pipeline:  d.pipeline.Stats(),
		Handoff:   d.handoff.Stats(),
		Slots:     d.store.Slots(),
		Stale:     d.store.Stale(),
	}
	if o, ok := d.pipeline.Last(); ok {
		st.Last = &o
	}
	return st
}

// Submit implements peer.Backend.
func (d *daemon) Submit(text, category string) (string, error) {
	return d.pipeline.Submit(text, category)
}

// writeBack puts delivered text on the clipboard without re-triggering the
// watcher.
func (d *daemon) writeBack(o pipeline.Outcome) {
	if o.State != pipeline.StateDelivered || o.Text == "" || !d.watching.Load() {
		return
	}
	payload := []byte(o.Text)
	d.watcher.Suppress(watcher.KindText, payload)
	if err := d.backend.Write([]clip.Item{{MIME: clip.MIMEText, Data: payload}}); err != nil {
		slog.Warn("clipboard write-back failed", "event_id", o.EventID, "err", err)
	}
}

// showPreview is the display sink: it logs the preview and releases the hold.
func showPreview(h *handoff.Hold) {
	defer h.Release()
	img := h.Image()
	slog.Info("preview updated",
		"width", img.Width(),
		"height", img.Height(),
		"fingerprint", img.Source,
	)
}

func runWatch(ctx context.Context, v *viper.Viper) error {
	setupLogging(v)
	log := slog.Default()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := task.Init(task.Config{Workers: v.GetInt("workers"), Logger: log})
	if err != nil {
		return err
	}

	store, err := artifact.New(artifact.Config{
		Dir:    v.GetString("temp-dir"),
		Prefix: v.GetString("artifact-prefix"),
		Logger: log,
	})
	if err != nil {
		return err
	}
	if n, err := store.Sweep(); err != nil {
		log.Warn("artifact sweep incomplete", "removed", n, "err", err)
	} else if n > 0 {
		log.Info("removed leftover artifacts", "count", n)
	}

	gen, err := newGenerator(ctx, v, log)
	if err != nil {
		_ = store.Close()
		return err
	}

	backend := clip.New()
	d := &daemon{
		started:  time.Now(),
		source:   v.GetString("source"),
		category: v.GetString("category"),
		backend:  backend,
		watcher:  watcher.New(backend, watcher.Config{Interval: v.GetDuration("interval"), Logger: log}),
		rt:       rt,
		store:    store,
		handoff:  handoff.New(handoff.Config{Sink: handoff.SinkFunc(showPreview), Logger: log}),
		hub:      hub.New(log),
	}

	sinks := []pipeline.Sink{d.hub}
	if v.GetBool("copy-result") {
		sinks = append(sinks, pipeline.SinkFunc(d.writeBack))
	}
	d.pipeline = pipeline.New(rt, store, d.handoff, gen, pipeline.Config{
		Category:       d.category,
		RequestTimeout: v.GetDuration("request-timeout"),
		QueueSize:      v.GetInt("queue-size"),
		PreviewMax:     v.GetInt("preview-max"),
		Sink:           pipeline.Sinks(sinks...),
		Logger:         log,
	})

	token := v.GetString("token")
	key, err := crypto.DeriveKey(token)
	if err != nil {
		_ = store.Close()
		return err
	}

	log.Info("clipstage starting",
		"version", Version,
		"source", d.source,
		"clipboard", backend.Name(),
		"generator", gen.Name(),
		"category", d.category,
		"artifact_dir", store.Dir(),
	)

	ipcPath := ipc.SocketPath()
	ipcLn, err := ipc.Listen(ipcPath)
	if err != nil {
		_ = store.Close()
		return err
	}

	var tcpLn net.Listener
	if addr := v.GetString("listen"); addr != "" {
		if tcpLn, err = net.Listen("tcp", addr); err != nil {
			_ = ipcLn.Close()
			_ = store.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		if key == nil {
			log.Warn("tcp control listener has no token: sessions are unauthenticated and unencrypted", "addr", addr)
		}
	}

	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	pipeDone := make(chan error, 1)
	go func() { pipeDone <- d.pipeline.Run(pipeCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.watching.Store(true)
		defer d.watching.Store(false)
		return d.watcher.Run(gctx, d.pipeline.Handle)
	})
	g.Go(func() error {
		return peer.ServeListener(gctx, ipcLn, peer.Config{
			Hub: d.hub, Backend: d, Transport: "ipc", Logger: log,
		})
	})
	if tcpLn != nil {
		g.Go(func() error {
			return peer.ServeListener(gctx, tcpLn, peer.Config{
				Hub: d.hub, Backend: d, Token: token, Key: key, Transport: "tcp", Logger: log,
			})
		})
	}

	runErr := g.Wait()
	log.Info("shutting down")

	stopPipeline()
	if !waitFor(pipeDone, drainTimeout) {
		log.Warn("pipeline did not stop in time", "timeout", drainTimeout)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := d.pipeline.Drain(drainCtx); err != nil {
		log.Warn("in-flight generation did not finish", "err", err)
	}
	cancel()

	if err := rt.Shutdown(shutdownTimeout); err != nil {
		log.Warn("runtime shutdown", "err", err)
	}
	d.handoff.Clear()
	if err := store.Close(); err != nil {
		log.Warn("artifact cleanup incomplete", "err", err)
	}
	ipc.Remove(ipcPath)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
