// Option Feed Relay — a real-time market-data relay between an upstream
// broker options feed and browser clients trading a simulated book.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	session/session.go   — per-user feed state machine: live-strike window, ATM shifts, batching
//	session/registry.go  — process registry (user → session) with an idle sweeper
//	broker/client.go     — upstream WebSocket: binary frame decode, reconnect, subscription replay
//	catalog/             — option-chain index loaded from the instrument master (REST + snapshot)
//	analytics/           — Black-Scholes pricing, IV extraction, worker pool
//	gateway/             — client HTTP/WebSocket edge: auth, per-user fan-out, backpressure
//	auth/                — JWT session cookies and the broker credential store
//
// Each user gets one session owning one upstream connection. The session
// keeps a window of strikes subscribed around the at-the-money level,
// recenters it when spot moves, derives missing Greeks off the hot path, and
// batches coalesced updates to every transport the user has open.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"optionrelay/internal/auth"
	"optionrelay/internal/catalog"
	"optionrelay/internal/config"
	"optionrelay/internal/gateway"
	"optionrelay/internal/metrics"
	"optionrelay/internal/session"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	m := metrics.New()

	clock, err := session.NewMarketClock(cfg.Market)
	if err != nil {
		logger.Error("failed to build market clock", "error", err)
		os.Exit(1)
	}

	creds, err := auth.OpenCredentialStore(cfg.Credentials.DataDir)
	if err != nil {
		logger.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := catalog.NewLoader(cfg.Catalog, logger).Load(ctx)
	if err != nil {
		logger.Error("failed to load instrument catalog", "error", err)
		os.Exit(1)
	}

	factory := gateway.SessionFactory(cfg, cat, creds, clock, m, logger)
	registry := session.NewRegistry(ctx, factory, cfg.Sessions.IdleTimeout(), m, logger)
	go registry.Run(ctx)

	verifier := auth.NewVerifier(cfg.Server.JWTSecret)
	server := gateway.NewServer(cfg.Server, registry, verifier, m, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("gateway server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("option feed relay started",
		"listen", cfg.Server.ListenAddr,
		"window_half_width", cfg.Feed.LiveWindowHalfWidth,
		"flush_interval_ms", cfg.Feed.FlushIntervalMs,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop gateway", "error", err)
	}
	registry.CloseAll()
	cancel()

	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
