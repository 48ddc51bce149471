package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"x402-engine/internal/bootstrap"
	"x402-engine/internal/config"
	"x402-engine/internal/jobs"
	"x402-engine/internal/jobs/workers"
	"x402-engine/internal/observability"

	"github.com/hibiken/asynq"
)

func main() {
	logger := observability.NewLogger()
	defer logger.Sync()
	ctx := context.Background()

	logger.Info(ctx, "Starting settlement job worker...")

	cfg, err := config.Load()
	if err != nil {
		logger.Error(ctx, "failed to load configuration", err)
		os.Exit(1)
	}
	if cfg.Redis.Addr == "" {
		logger.Error(ctx, "REDIS_ADDR is required for the job worker", config.ErrEmptyEnvironmentVariable)
		os.Exit(1)
	}

	deps, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "failed to initialize dependencies", err)
		os.Exit(1)
	}
	defer deps.Cleanup()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	settlementWorker := workers.NewSettlementWorker(deps.Coordinator, logger)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerPool.JobConcurrency,
		Queues: map[string]int{
			jobs.QueueHigh: 6, // confirmation polls
			jobs.QueueLow:  1, // reconciliation sweeps
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error(ctx, fmt.Sprintf("task %s failed", task.Type()), err)
		}),
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Logger:         &asynqLogger{logger: logger},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TypePollPayment, settlementWorker.ProcessPollPaymentTask)
	mux.HandleFunc(jobs.TypePollBatch, settlementWorker.ProcessPollBatchTask)
	mux.HandleFunc(jobs.TypeReconcile, settlementWorker.ProcessReconcileTask)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: &asynqLogger{logger: logger},
	})
	reconcileTask, err := jobs.NewReconcileTask(jobs.ReconcilePayload{Limit: bootstrap.ReconcileBatchSize})
	if err != nil {
		logger.Error(ctx, "failed to build reconcile task", err)
		os.Exit(1)
	}
	cronspec := fmt.Sprintf("@every %s", cfg.Settlement.ReconcileInterval)
	if _, err := scheduler.Register(cronspec, reconcileTask); err != nil {
		logger.Error(ctx, "failed to register reconcile task", err)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(ctx, "failed to start scheduler", err)
		os.Exit(1)
	}
	defer scheduler.Shutdown()

	if err := srv.Start(mux); err != nil {
		logger.Error(ctx, "failed to start worker server", err)
		os.Exit(1)
	}
	logger.Info(ctx, fmt.Sprintf("Worker server started on Redis: %s", cfg.Redis.Addr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "Shutting down worker server...")
	srv.Shutdown()
	logger.Info(ctx, "Worker server stopped")
}

// asynqLogger adapts observability.Logger to asynq.Logger
type asynqLogger struct {
	logger *observability.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) {
	l.logger.Debug(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Info(args ...interface{}) {
	l.logger.Info(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Warn(args ...interface{}) {
	l.logger.Warn(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Error(args ...interface{}) {
	l.logger.Error(context.Background(), fmt.Sprint(args...), nil)
}

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(context.Background(), fmt.Sprint(args...), nil)
	os.Exit(1)
}
