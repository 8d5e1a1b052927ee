// Kestrel - Streaming fraud detection for transaction events.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/emitter"
	"github.com/opensource-finance/kestrel/internal/notifier"
	"github.com/opensource-finance/kestrel/internal/processor"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/state"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := os.Getenv("KESTREL_CONFIG")

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"state", cfg.State.Backend,
		"stream", cfg.Stream.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize state store
	store, err := state.New(cfg.State)
	if err != nil {
		slog.Error("failed to initialize state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("state store initialized", "backend", cfg.State.Backend)

	// Initialize stream
	stream, err := bus.New(cfg.Stream)
	if err != nil {
		slog.Error("failed to initialize stream", "error", err)
		os.Exit(1)
	}
	defer stream.Close()
	slog.Info("stream initialized", "type", cfg.Stream.Type)

	// Initialize rule evaluator
	evaluator := rules.NewEvaluator(cfg.Rules)
	slog.Info("rule evaluator initialized",
		"large_amount_threshold", cfg.Rules.LargeAmountThreshold,
		"rapid_window", cfg.Rules.RapidWindow,
	)

	// Hot-reload rule thresholds when a config file is in use
	if configPath != "" {
		watcher := config.NewWatcher(configPath)
		watcher.OnChange(func(rc domain.RulesConfig) {
			evaluator.UpdateConfig(rc)
			slog.Info("rule thresholds reloaded",
				"large_amount_threshold", rc.LargeAmountThreshold,
				"rapid_window", rc.RapidWindow,
			)
		})
		stopWatch, err := watcher.Watch()
		if err != nil {
			slog.Warn("config hot-reload disabled", "error", err)
		} else {
			defer stopWatch()
			slog.Info("watching config for rule threshold changes", "path", configPath)
		}
	}

	// Initialize alert emitter
	em := emitter.New(stream, cfg.Emitter, logger)

	// Initialize event processor
	proc := processor.New(stream, store, evaluator, em, cfg.Processor, logger)
	if err := proc.Start(ctx); err != nil {
		slog.Error("failed to start processor", "error", err)
		os.Exit(1)
	}

	// Initialize alert notifier
	notif := notifier.New(stream, nil, logger)
	if err := notif.Start(ctx); err != nil {
		slog.Error("failed to start notifier", "error", err)
		os.Exit(1)
	}

	// Every built-in store doubles as the ingress transaction log
	txlog, _ := store.(domain.TransactionLog)

	// Initialize server
	srv := api.NewServer(cfg.Server, stream, store, txlog, evaluator, Version)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop consumers before the stream closes
	if err := notif.Stop(); err != nil {
		slog.Error("failed to stop notifier", "error", err)
	}
	if err := proc.Stop(); err != nil {
		slog.Error("failed to stop processor", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║     Streaming Fraud Detection             ║")
	fmt.Println("  ║     Every transaction, in order.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /api/v1/transactions            - Submit a transaction")
	fmt.Println("    GET  /api/v1/users/{id}/transactions - Recent transactions for a user")
	fmt.Println("    GET  /api/v1/rules                   - Active rule thresholds")
	fmt.Println("    GET  /health                         - Health check")
	fmt.Println("    GET  /metrics                        - Prometheus metrics")
	fmt.Println()
}
