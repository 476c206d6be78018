// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/spire-resilient/prime-core/internal/ui"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/config"
	"github.com/spire-resilient/prime-core/pkg/keystore"
	"github.com/spire-resilient/prime-core/pkg/ordering"
	"github.com/spire-resilient/prime-core/pkg/replica"
	"github.com/spire-resilient/prime-core/pkg/transport"
)

func wireReplicaID(id uint32) wire.ReplicaID { return wire.ReplicaID(id) }

// runServe starts the replica's event loop, a TCP transport dialing
// every configured peer, and a /metrics HTTP endpoint, mirroring the
// goroutine/channel/http.Server shutdown shape of the teacher's
// cmd/cie/serve.go, generalized from an HTTP API server to a
// replication protocol loop.
func runServe(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: prime-replica serve [options]

Runs this replica's event loop: Pre-Order, Ordering, View-Change,
Reconciliation, Catchup, Proactive Recovery and Reconfiguration, all
driven from one cooperative loop. Listens for peer traffic on
listen_addr and serves Prometheus metrics on metrics_addr.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ui.Init(globals.NoColor)

	logLevel := slog.LevelInfo
	if globals.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		ui.Errorf("%v", err)
		return 1
	}

	store, err := keystore.Open(cfg.Paths.DataDir)
	if err != nil {
		ui.Errorf("open keystore: %v", err)
		return 1
	}

	tr, err := transport.NewTCP(wireReplicaID(cfg.ReplicaID), cfg.ListenAddr)
	if err != nil {
		ui.Errorf("listen: %v", err)
		return 1
	}
	for id, addr := range cfg.Peers {
		if id == cfg.ReplicaID {
			continue
		}
		if err := tr.Dial(wireReplicaID(id), addr); err != nil {
			logger.Warn("dial peer failed, will rely on it dialing us", "peer", id, "addr", addr, "err", err)
		}
	}

	app := &opaqueApp{}
	rep, err := replica.New(cfg, store, tr, app, logger)
	if err != nil {
		ui.Errorf("construct replica: %v", err)
		return 1
	}
	rep.OnExecuted(func(slot uint32, updates []ordering.ClientUpdate) {
		for _, u := range updates {
			app.apply(u.Payload)
		}
	})

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           rep.Metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- rep.Loop(ctx) }()

	ui.Successf("Replica %d serving on %s (metrics on %s)", cfg.ReplicaID, cfg.ListenAddr, cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-loopDone:
		logger.Error("replica loop exited", "err", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = rep.Close()
	return 0
}
