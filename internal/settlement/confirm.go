package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"x402-engine/internal/observability"
	"x402-engine/internal/store"
	"x402-engine/internal/transfer"
	"x402-engine/internal/x402err"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const reconcileConcurrency = 4

// HandleConfirmation treats an out-of-band status update as a hint that a
// submission may have settled. The record only moves on the status the
// transfer service itself reports, so a forged or stale message can neither
// commit nor release escrow. Updates for records that are already resolved
// are ignored, and the same confirmation can be delivered any number of times.
func (c *Coordinator) HandleConfirmation(ctx context.Context, conf Confirmation) error {
	if conf.SubmissionID == "" {
		return x402err.Validation("submissionId", "submissionId is required")
	}
	status := transfer.Status(conf.Status)
	switch status {
	case transfer.StatusPending, transfer.StatusConfirmed, transfer.StatusFailed:
	default:
		return x402err.Validation("status", fmt.Sprintf("unknown transfer status %q", conf.Status))
	}

	ctx = observability.WithFields(ctx, observability.Field{Key: "submission_id", Value: conf.SubmissionID})

	record, err := c.store.GetPaymentRecordBySubmission(ctx, conf.SubmissionID)
	if err == nil && !record.BatchID.Valid {
		if status == transfer.StatusPending {
			return nil
		}
		ctx = paymentContext(ctx, record)
		result, ok := c.verify(ctx, conf)
		if !ok {
			return nil
		}
		if _, changed, err := c.applyPaymentResult(ctx, record, result); err != nil {
			return err
		} else if !changed {
			c.logger.Debug(ctx, "confirmation for resolved payment ignored")
		}
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error(ctx, "failed to look up payment by submission", err)
		return fmt.Errorf("failed to look up payment by submission: %w", err)
	}

	batch, err := c.store.GetBatchSettlementBySubmission(ctx, conf.SubmissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return x402err.NotFound("submission", conf.SubmissionID)
		}
		c.logger.Error(ctx, "failed to look up batch by submission", err)
		return fmt.Errorf("failed to look up batch by submission: %w", err)
	}
	if status == transfer.StatusPending {
		return nil
	}
	ctx = batchContext(ctx, batch)

	result, ok := c.verify(ctx, conf)
	if !ok {
		return nil
	}
	if _, changed, err := c.applyBatchResult(ctx, batch, result); err != nil {
		return err
	} else if !changed {
		c.logger.Debug(ctx, "confirmation for resolved batch ignored")
	}
	return nil
}

// verify asks the transfer service for the submission's status. ok is false
// while the service does not report a final status; the poll and reconcile
// sweeps pick the record up once it does.
func (c *Coordinator) verify(ctx context.Context, conf Confirmation) (transfer.Result, bool) {
	result, ok := c.checkStatus(ctx, conf.SubmissionID)
	if !ok {
		c.logger.Warn(ctx, fmt.Sprintf("confirmation reported %s but transfer service has no final status; ignored", conf.Status))
		return result, false
	}
	if string(result.Status) != conf.Status {
		c.logger.Warn(ctx, fmt.Sprintf("confirmation reported %s, transfer service reports %s", conf.Status, result.Status))
	}
	return result, true
}

// PollPayment re-checks a broadcast payment and schedules another poll while
// it stays unresolved. A terminal transfer failure is already recorded on the
// payment, so it is not reported as a poll error.
func (c *Coordinator) PollPayment(ctx context.Context, paymentID uuid.UUID) error {
	record, err := c.getPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if record.State != store.PaymentStateBroadcast {
		return nil
	}
	ctx = paymentContext(ctx, record)

	record, err = c.drive(ctx, record, false)
	if err != nil {
		if x402err.IsKind(err, x402err.KindPayment) {
			return nil
		}
		return err
	}
	if record.State == store.PaymentStateBroadcast {
		c.schedulePaymentPoll(ctx, record)
	}
	return nil
}

// PollBatch is PollPayment for batches.
func (c *Coordinator) PollBatch(ctx context.Context, batchID uuid.UUID) error {
	batch, err := c.getBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.State != store.BatchStateBroadcast {
		return nil
	}
	ctx = batchContext(ctx, batch)

	batch, err = c.driveBatch(ctx, batch, false)
	if err != nil {
		if x402err.IsKind(err, x402err.KindPayment) {
			return nil
		}
		return err
	}
	if batch.State == store.BatchStateBroadcast {
		if err := c.scheduler.ScheduleBatchPoll(ctx, batch.ID, c.pollDelay()); err != nil {
			c.logger.Error(ctx, "failed to schedule batch poll; reconciliation will pick it up", err)
		}
	}
	return nil
}

// ReconcileReport counts what one sweep touched.
type ReconcileReport struct {
	PaymentsChecked  int `json:"paymentsChecked"`
	PaymentsResumed  int `json:"paymentsResumed"`
	BatchesChecked   int `json:"batchesChecked"`
	BatchesAbandoned int `json:"batchesAbandoned"`
}

// Reconcile sweeps records a crash or lost poll left behind: broadcast
// payments and batches are re-checked, payments stuck in reserved are sent
// through the fraud gate again, and batches stuck in reserved are released.
func (c *Coordinator) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	if limit <= 0 {
		limit = 100
	}
	staleBefore := c.now().Add(-c.cfg.StaleAfter)

	broadcast, err := c.store.ListPaymentRecordsByState(ctx, store.PaymentStateBroadcast, limit)
	if err != nil {
		c.logger.Error(ctx, "failed to list broadcast payments", err)
		return ReconcileReport{}, fmt.Errorf("failed to list broadcast payments: %w", err)
	}
	reserved, err := c.store.ListPaymentRecordsByState(ctx, store.PaymentStateReserved, limit)
	if err != nil {
		c.logger.Error(ctx, "failed to list reserved payments", err)
		return ReconcileReport{}, fmt.Errorf("failed to list reserved payments: %w", err)
	}
	batches, err := c.store.ListBatchSettlementsByState(ctx, store.BatchStateBroadcast, limit)
	if err != nil {
		c.logger.Error(ctx, "failed to list broadcast batches", err)
		return ReconcileReport{}, fmt.Errorf("failed to list broadcast batches: %w", err)
	}
	reservedBatches, err := c.store.ListBatchSettlementsByState(ctx, store.BatchStateReserved, limit)
	if err != nil {
		c.logger.Error(ctx, "failed to list reserved batches", err)
		return ReconcileReport{}, fmt.Errorf("failed to list reserved batches: %w", err)
	}

	var checked, resumed, batchesChecked, abandoned atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)

	for _, record := range broadcast {
		record := record
		g.Go(func() error {
			pctx := paymentContext(gctx, record)
			if _, err := c.drive(pctx, record, false); err != nil && !x402err.IsKind(err, x402err.KindPayment) {
				c.logger.Error(pctx, "failed to reconcile broadcast payment", err)
			}
			checked.Add(1)
			return nil
		})
	}
	for _, record := range reserved {
		record := record
		if record.UpdatedAt.After(staleBefore) {
			continue
		}
		g.Go(func() error {
			pctx := paymentContext(gctx, record)
			record, err := c.gate(pctx, record)
			if err == nil && record.State == store.PaymentStateBroadcast {
				record, err = c.drive(pctx, record, false)
			}
			if err != nil && !x402err.IsKind(err, x402err.KindPayment) && !errors.Is(err, x402err.ErrFraudBlocked) {
				c.logger.Error(pctx, "failed to resume reserved payment", err)
			}
			if err == nil && record.State == store.PaymentStateBroadcast {
				c.schedulePaymentPoll(pctx, record)
			}
			resumed.Add(1)
			return nil
		})
	}
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			bctx := observability.WithFields(gctx, observability.Field{Key: "batch_id", Value: batch.ID.String()})
			if _, err := c.driveBatch(bctx, batch, false); err != nil && !x402err.IsKind(err, x402err.KindPayment) {
				c.logger.Error(bctx, "failed to reconcile broadcast batch", err)
			}
			batchesChecked.Add(1)
			return nil
		})
	}
	for _, batch := range reservedBatches {
		batch := batch
		if batch.UpdatedAt.After(staleBefore) {
			continue
		}
		g.Go(func() error {
			bctx := observability.WithFields(gctx, observability.Field{Key: "batch_id", Value: batch.ID.String()})
			if _, err := c.failBatch(bctx, batch, store.FailureReasonAbandoned, store.BatchStateReserved); err != nil {
				c.logger.Error(bctx, "failed to release abandoned batch", err)
				return nil
			}
			abandoned.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{
		PaymentsChecked:  int(checked.Load()),
		PaymentsResumed:  int(resumed.Load()),
		BatchesChecked:   int(batchesChecked.Load()),
		BatchesAbandoned: int(abandoned.Load()),
	}
	if report != (ReconcileReport{}) {
		c.logger.Info(ctx, fmt.Sprintf("reconciled %d broadcast and %d reserved payments, %d broadcast batches, %d abandoned batches",
			report.PaymentsChecked, report.PaymentsResumed, report.BatchesChecked, report.BatchesAbandoned))
	}
	return report, nil
}
