package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"x402-engine/internal/jobs"
	"x402-engine/internal/observability"
	"x402-engine/internal/settlement"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Settler is what the settlement tasks drive.
type Settler interface {
	PollPayment(ctx context.Context, paymentID uuid.UUID) error
	PollBatch(ctx context.Context, batchID uuid.UUID) error
	Reconcile(ctx context.Context, limit int) (settlement.ReconcileReport, error)
}

// SettlementWorker handles confirmation polling and reconciliation tasks
type SettlementWorker struct {
	settler Settler
	logger  *observability.Logger
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(settler Settler, logger *observability.Logger) *SettlementWorker {
	return &SettlementWorker{
		settler: settler,
		logger:  logger,
	}
}

// ProcessPollPaymentTask processes a payment poll task
func (w *SettlementWorker) ProcessPollPaymentTask(ctx context.Context, task *asynq.Task) error {
	var payload jobs.PollPaymentPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error(ctx, "failed to unmarshal payment poll payload", err)
		return fmt.Errorf("failed to unmarshal payment poll payload: %w: %w", err, asynq.SkipRetry)
	}
	ctx = observability.WithFields(ctx, observability.Field{Key: "payment_id", Value: payload.PaymentID.String()})

	if err := w.settler.PollPayment(ctx, payload.PaymentID); err != nil {
		w.logger.Error(ctx, "failed to poll payment", err)
		return fmt.Errorf("failed to poll payment: %w", err)
	}
	return nil
}

// ProcessPollBatchTask processes a batch poll task
func (w *SettlementWorker) ProcessPollBatchTask(ctx context.Context, task *asynq.Task) error {
	var payload jobs.PollBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error(ctx, "failed to unmarshal batch poll payload", err)
		return fmt.Errorf("failed to unmarshal batch poll payload: %w: %w", err, asynq.SkipRetry)
	}
	ctx = observability.WithFields(ctx, observability.Field{Key: "batch_id", Value: payload.BatchID.String()})

	if err := w.settler.PollBatch(ctx, payload.BatchID); err != nil {
		w.logger.Error(ctx, "failed to poll batch", err)
		return fmt.Errorf("failed to poll batch: %w", err)
	}
	return nil
}

// ProcessReconcileTask runs one reconciliation sweep. The periodic task is
// registered without a payload, so an empty payload means the default limit.
func (w *SettlementWorker) ProcessReconcileTask(ctx context.Context, task *asynq.Task) error {
	var payload jobs.ReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			w.logger.Error(ctx, "failed to unmarshal reconcile payload", err)
			return fmt.Errorf("failed to unmarshal reconcile payload: %w: %w", err, asynq.SkipRetry)
		}
	}

	if _, err := w.settler.Reconcile(ctx, payload.Limit); err != nil {
		w.logger.Error(ctx, "reconciliation sweep failed", err)
		return fmt.Errorf("reconciliation sweep failed: %w", err)
	}
	return nil
}
