package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"x402-engine/internal/bootstrap"
	"x402-engine/internal/config"
	"x402-engine/internal/observability"
	"x402-engine/internal/workers"

	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "Starting transfer confirmation consumer...")

	cfg, err := config.Load()
	if err != nil {
		logger.Error(ctx, "failed to load configuration", err)
		os.Exit(1)
	}
	if cfg.Kafka.Brokers == "" {
		logger.Error(ctx, "KAFKA_BROKERS is required for the confirmation consumer", config.ErrEmptyEnvironmentVariable)
		os.Exit(1)
	}

	deps, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "failed to initialize dependencies", err)
		os.Exit(1)
	}
	defer deps.Cleanup()

	consumerCfg := workers.ConsumerConfig{
		Brokers:       strings.Split(cfg.Kafka.Brokers, ","),
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		Topic:         cfg.Kafka.ConfirmationsTopic,
		NumWorkers:    cfg.WorkerPool.ConfirmationWorkers,
		QueueSize:     cfg.WorkerPool.ConfirmationWorkers * 10,
		DrainTimeout:  30 * time.Second,
	}
	consumer := workers.NewConsumer(
		consumerCfg,
		workers.NewReader(consumerCfg),
		workers.NewConfirmationProcessor(deps.Coordinator, logger),
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if deps.Scheduler != nil {
		g.Go(func() error {
			return deps.Scheduler.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "confirmation consumer stopped with error", err)
		os.Exit(1)
	}
	logger.Info(context.Background(), "Confirmation consumer stopped")
}
