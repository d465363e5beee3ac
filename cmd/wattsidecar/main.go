// Package main — cmd/wattsidecar/main.go
//
// wattsidecar agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/wattsidecar/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Start Prometheus metrics server (loopback).
//  4. Construct the Agent (wires C1-C8 and A1-A3).
//  5. Start the admin gRPC health surface and every control loop.
//  6. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Close the control channel (suppress reconnect).
//  2. Best-effort stop every profiler.
//  3. Cancel the root context, propagating to every other control loop.
//  4. Flush logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/agent"
	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/observability"
	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/wattsidecar/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("wattsidecar %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("wattsidecar starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("pod_id", cfg.PodID),
		zap.String("application_id", cfg.ApplicationID),
		zap.String("config", *configPath),
		zap.Bool("standalone", cfg.ICC.URL == ""),
	)

	// ── Root context with cancellation ────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Prometheus metrics ─────────────────────────────────────────────
	metrics := observability.New()
	go func() {
		if err := metrics.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 4: Construct the runtime source and the Agent ────────────────────
	src := runtime.NoopSource{}
	ag := agent.New(*cfg, src, metrics, log)

	// ── Step 5: Run every control loop ─────────────────────────────────────────
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- ag.Run(ctx) }()
	log.Info("agent running", zap.String("admin_addr", cfg.Admin.ListenAddr))

	// ── Step 6: Wait for shutdown signal ───────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-runErrCh:
		if err != nil {
			log.Error("agent run failed", zap.Error(err))
		}
	}

	// Initiate graceful shutdown: close the control channel and profilers
	// first, then cancel the root context so every other loop unwinds.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	ag.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()

	select {
	case <-runErrCh:
	case <-time.After(5 * time.Second):
		log.Warn("agent shutdown drain timeout — forcing exit")
	}

	log.Info("wattsidecar shutdown complete")
}
