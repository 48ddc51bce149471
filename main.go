package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"x402-engine/internal/bootstrap"
	"x402-engine/internal/config"
	"x402-engine/internal/observability"
	"x402-engine/internal/server"
)

func main() {
	logger := observability.NewLogger()
	defer logger.Sync()

	// kill (no param) sends SIGTERM, kill -2 sends SIGINT
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error(ctx, "failed to load configuration", err)
		os.Exit(1)
	}

	deps, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "failed to initialize dependencies", err)
		os.Exit(1)
	}

	srv := server.New(cfg, deps, logger)
	srv.Setup()
	if err := srv.Run(ctx); err != nil {
		logger.Error(context.Background(), "server stopped with error", err)
		os.Exit(1)
	}
}
