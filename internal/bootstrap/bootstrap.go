package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"x402-engine/internal/api"
	"x402-engine/internal/apierrors"
	campaignHandler "x402-engine/internal/campaign/handler"
	campaignProcessor "x402-engine/internal/campaign/processor"
	kafkaClient "x402-engine/internal/clients/kafka"
	redisClient "x402-engine/internal/clients/redis"
	"x402-engine/internal/config"
	"x402-engine/internal/events"
	"x402-engine/internal/fraud"
	"x402-engine/internal/jobs"
	"x402-engine/internal/jobs/scheduler"
	scheduledJobs "x402-engine/internal/jobs/scheduler/jobs"
	kolHandler "x402-engine/internal/kol/handler"
	"x402-engine/internal/ledger"
	"x402-engine/internal/observability"
	"x402-engine/internal/settlement"
	settlementHandler "x402-engine/internal/settlement/handler"
	"x402-engine/internal/store"
	"x402-engine/internal/store/memstore"
	"x402-engine/internal/transfer"
	webhookHandler "x402-engine/internal/webhooks/handler"
	webhookProcessor "x402-engine/internal/webhooks/processor"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

// ReconcileBatchSize caps how many records of each kind one sweep touches.
const ReconcileBatchSize = 100

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store       store.Storer
	Logger      *observability.Logger
	Coordinator *settlement.Coordinator

	// Handlers
	AuthMiddleware    gin.HandlerFunc
	CampaignHandler   campaignHandler.Handler
	SettlementHandler settlementHandler.Handler
	KOLHandler        kolHandler.Handler
	WebhookHandler    *webhookHandler.Handler

	// Scheduler runs the reconcile sweep in-process when no asynq worker
	// is available to do it. Nil when redis is configured.
	Scheduler *scheduler.Scheduler

	// Clients (for cleanup)
	closeStore    func() error
	KafkaProducer *kafkaClient.Producer
	RedisClient   *redisClient.Client
	JobClient     *jobs.Client
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}
	apierrors.SetLogger(logger)
	apierrors.UseJSONFieldNames()

	// Initialize store
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logger.Warn(ctx, "using in-memory store; state is lost on restart and each transaction copies the whole dataset")
		deps.Store = memstore.New()
		deps.closeStore = func() error { return nil }
	default:
		pg, err := store.New(cfg.Database.ConnectionString(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to reach database: %w", err)
		}
		deps.Store = pg
		deps.closeStore = pg.Close
	}

	// Initialize event publisher
	var emitter events.Emitter = events.Noop{}
	if cfg.Kafka.Brokers != "" {
		deps.KafkaProducer = kafkaClient.NewProducer(kafkaClient.ProducerConfig{
			Brokers: strings.Split(cfg.Kafka.Brokers, ","),
			Topic:   cfg.Kafka.EventsTopic,
			Async:   true,
		}, logger)
		emitter = events.NewPublisher(deps.KafkaProducer, logger)
	} else {
		logger.Info(ctx, "KAFKA_BROKERS not set, lifecycle events are not published")
	}

	// Initialize redis-backed pieces
	var err error
	deps.RedisClient, err = redisClient.NewClient(cfg.Redis, logger)
	if err != nil {
		deps.Cleanup()
		return nil, err
	}

	var velocity fraud.VelocityCounter = fraud.NewStoreVelocity(deps.Store)
	var pollScheduler settlement.Scheduler = settlement.NoopScheduler{}
	if deps.RedisClient.IsEnabled() {
		velocity = fraud.NewRedisVelocity(deps.RedisClient, cfg.Fraud.VelocityWindow, velocity, logger)
		deps.JobClient = jobs.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		pollScheduler = deps.JobClient
	}

	// Initialize transfer client
	var transferClient transfer.Client
	if cfg.Transfer.GatewayURL != "" {
		transferClient = transfer.NewHTTPClient(cfg.Transfer.GatewayURL, cfg.Transfer.APIKey, cfg.Transfer.Chain, cfg.Transfer.Timeout, logger)
	} else {
		logger.Warn(ctx, "TRANSFER_GATEWAY_URL not set, transfers are simulated")
		transferClient = transfer.NewSimulator()
	}

	// Initialize ledger, scorer and coordinator
	escrow := ledger.New(deps.Store, logger)
	scorer := fraud.New(deps.Store, velocity, emitter, fraud.Config{
		VelocityWindow: cfg.Fraud.VelocityWindow,
		VelocityLimit:  cfg.Fraud.VelocityLimit,
		DisputeWindow:  cfg.Fraud.DisputeWindow,
	}, logger)
	deps.Coordinator = settlement.New(deps.Store, escrow, scorer, transferClient, emitter, pollScheduler, settlement.Config{
		ConfirmationWindow: cfg.Settlement.ConfirmationWindow,
		PollInterval:       cfg.Settlement.PollInterval,
		BroadcastRetries:   cfg.Settlement.BroadcastRetries,
		LateAfter:          cfg.Settlement.LateAfter,
	}, logger)

	if deps.JobClient == nil {
		deps.Scheduler = scheduler.New(logger)
		deps.Scheduler.Register(scheduledJobs.NewReconcileJob(deps.Coordinator, cfg.Settlement.ReconcileInterval, ReconcileBatchSize))
	}

	// Initialize processors and handlers
	campaignProc := campaignProcessor.New(deps.Store, escrow, emitter, logger)
	deps.CampaignHandler = campaignHandler.New(campaignProc, deps.Coordinator, logger)
	deps.SettlementHandler = settlementHandler.New(deps.Coordinator, logger)
	deps.KOLHandler = kolHandler.New(scorer, logger)

	webhookProc := webhookProcessor.New(deps.Store, logger)
	deps.WebhookHandler = webhookHandler.New(webhookProc, logger)

	deps.AuthMiddleware = api.APIKeyMiddleware(cfg.Auth.APIKeys, logger)

	return deps, nil
}

// Cleanup closes all resources that need cleanup
func (d *Dependencies) Cleanup() {
	ctx := context.Background()
	if d.JobClient != nil {
		if err := d.JobClient.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close job client", err)
		}
	}
	if d.KafkaProducer != nil {
		if err := d.KafkaProducer.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close kafka producer", err)
		}
	}
	if err := d.RedisClient.Close(); err != nil {
		d.Logger.Error(ctx, "failed to close redis client", err)
	}
	if d.closeStore != nil {
		if err := d.closeStore(); err != nil {
			d.Logger.Error(ctx, "failed to close store", err)
		}
	}
}
