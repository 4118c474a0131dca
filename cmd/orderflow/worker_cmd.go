package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/orderflowhq/orderflow/pkg/export"
	"github.com/orderflowhq/orderflow/pkg/observability"
)

// runWorkerCmd starts the background engine and blocks until SIGINT or
// SIGTERM. The scheduler, ack poller and (for local dropzones) the ack
// directory watcher run alongside the worker pool.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "orderflow",
		ServiceVersion: version,
		Environment:    a.cfg.Telemetry.Environment,
		OTLPEndpoint:   a.cfg.Telemetry.Endpoint,
		SampleRate:     a.cfg.Telemetry.SampleRate,
		Enabled:        a.cfg.Telemetry.Enabled,
		Insecure:       a.cfg.Telemetry.InsecureGRPC,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: telemetry: %v\n", err)
		return 1
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.ackPoller.Run(ctx) })
	if watcher := a.startAckWatcher(ctx); watcher != nil {
		g.Go(func() error {
			defer func() { _ = watcher.Close() }()
			return watcher.Run(ctx)
		})
	}

	a.logger.Info("orderflow worker started",
		"version", version, "workers", a.cfg.Worker.Count)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(stderr, "orderflow: worker stopped: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "orderflow: shut down cleanly")
	return 0
}

// startAckWatcher registers every local ack directory with an fsnotify
// watcher so acks are picked up before the next poll tick. SFTP dropzones
// cannot be watched and stay on the interval. Failures degrade to polling.
func (a *app) startAckWatcher(ctx context.Context) *export.Watcher {
	conns, err := a.exports.ListActiveConnections(ctx, export.TypeDropzoneJSONV1)
	if err != nil {
		a.logger.Warn("ack watcher disabled, cannot list connections", "error", err)
		return nil
	}
	watcher, err := export.NewWatcher(a.ackPoller, a.logger)
	if err != nil {
		a.logger.Warn("ack watcher disabled", "error", err)
		return nil
	}
	dirs := 0
	for i := range conns {
		cfg, err := conns[i].OpenConfig(a.box)
		if err != nil || cfg.AckPath == "" || cfg.SFTP != nil {
			continue
		}
		if err := watcher.Add(cfg.AckPath); err != nil {
			a.logger.Warn("ack dir not watchable", "path", cfg.AckPath, "error", err)
			continue
		}
		dirs++
	}
	if dirs == 0 {
		_ = watcher.Close()
		return nil
	}
	a.logger.Info("ack watcher active", "directories", dirs)
	return watcher
}
