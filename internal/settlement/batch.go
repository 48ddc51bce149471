package settlement

import (
	"context"
	"errors"
	"fmt"

	"x402-engine/internal/events"
	"x402-engine/internal/fraud"
	"x402-engine/internal/ledger"
	"x402-engine/internal/money"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"
	"x402-engine/internal/transfer"
	"x402-engine/internal/wallet"
	"x402-engine/internal/x402err"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettleBatch settles an ordered list of payouts as one unit: every entry is
// reserved before anything is broadcast, one submission carries all entries
// under the batch id, and every entry commits or releases together.
func (c *Coordinator) SettleBatch(ctx context.Context, cfg BatchSettleConfig) (BatchSettleResponse, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: cfg.CampaignID})

	if cfg.CampaignID == "" {
		return BatchSettleResponse{}, x402err.Validation("campaignId", "campaignId is required")
	}
	if len(cfg.Payments) == 0 {
		return BatchSettleResponse{}, x402err.Validation("payments", "at least one payment is required")
	}
	entries := make(store.BatchEntries, len(cfg.Payments))
	amounts := make([]decimal.Decimal, len(cfg.Payments))
	for i, p := range cfg.Payments {
		kol, err := wallet.Normalize(fmt.Sprintf("payments[%d].wallet", i), p.Wallet)
		if err != nil {
			return BatchSettleResponse{}, err
		}
		if err := money.ValidatePositive(fmt.Sprintf("payments[%d].amount", i), p.Amount); err != nil {
			return BatchSettleResponse{}, err
		}
		entries[i] = store.BatchEntry{Wallet: kol, Amount: p.Amount}
		amounts[i] = p.Amount
	}

	batchID := uuid.New()
	ctx = observability.WithFields(ctx, observability.Field{Key: "batch_id", Value: batchID.String()})

	var (
		batch   store.BatchSettlement
		records []store.PaymentRecord
	)
	err := c.ledger.WithCampaign(ctx, cfg.CampaignID, func(tx store.Tx) error {
		campaign, err := tx.GetCampaignForUpdate(ctx, cfg.CampaignID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return x402err.NotFound("campaign", cfg.CampaignID)
			}
			return fmt.Errorf("failed to lock campaign: %w", err)
		}
		if err := checkAcceptsPayments(campaign, c.now()); err != nil {
			return err
		}

		reservations, err := ledger.ReserveBatchTx(ctx, tx, cfg.CampaignID, amounts, batchID.String())
		if err != nil {
			return err
		}

		batch, err = tx.CreateBatchSettlement(ctx, store.CreateBatchSettlementParams{
			ID:          batchID,
			CampaignID:  cfg.CampaignID,
			Entries:     entries,
			TotalAmount: money.Sum(amounts...),
		})
		if err != nil {
			return fmt.Errorf("failed to create batch settlement: %w", err)
		}

		records = make([]store.PaymentRecord, len(entries))
		for i, e := range entries {
			records[i], err = tx.CreatePaymentRecord(ctx, store.CreatePaymentRecordParams{
				CampaignID:    cfg.CampaignID,
				PostID:        fmt.Sprintf("%s#%d", batchID, i),
				Trigger:       store.TriggerBatch,
				KOLWallet:     e.Wallet,
				Amount:        e.Amount,
				State:         store.PaymentStateReserved,
				ReservationID: reservations[i].ID,
				BatchID:       uuid.NullUUID{UUID: batchID, Valid: true},
			})
			if err != nil {
				return fmt.Errorf("failed to create batch entry %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := x402err.As(err); ok {
			c.logger.Warn(ctx, fmt.Sprintf("batch not reserved: %v", err))
		} else {
			c.logger.Error(ctx, "failed to reserve batch", err)
		}
		return BatchSettleResponse{}, err
	}
	for _, r := range records {
		c.scorer.Observe(ctx, r.KOLWallet, r.ID.String())
	}
	c.logger.Info(ctx, fmt.Sprintf("batch of %d reserved", batch.Count))

	ctx = context.WithoutCancel(ctx)

	batch, err = c.gateBatch(ctx, batch, records)
	if err != nil || batch.State != store.BatchStateBroadcast {
		return NewBatchSettleResponse(batch), err
	}

	batch, err = c.driveBatch(ctx, batch, true)
	if err == nil && batch.State == store.BatchStateBroadcast {
		if serr := c.scheduler.ScheduleBatchPoll(ctx, batch.ID, c.pollDelay()); serr != nil {
			c.logger.Error(ctx, "failed to schedule batch poll; reconciliation will pick it up", serr)
		}
	}
	return NewBatchSettleResponse(batch), err
}

// GetBatch returns the current view of a batch.
func (c *Coordinator) GetBatch(ctx context.Context, batchID uuid.UUID) (BatchSettleResponse, error) {
	batch, err := c.getBatch(ctx, batchID)
	if err != nil {
		return BatchSettleResponse{}, err
	}
	return NewBatchSettleResponse(batch), nil
}

func (c *Coordinator) getBatch(ctx context.Context, batchID uuid.UUID) (store.BatchSettlement, error) {
	batch, err := c.store.GetBatchSettlement(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.BatchSettlement{}, x402err.NotFound("batch", batchID.String())
		}
		c.logger.Error(ctx, "failed to get batch settlement", err)
		return store.BatchSettlement{}, fmt.Errorf("failed to get batch settlement: %w", err)
	}
	return batch, nil
}

// gateBatch scores every distinct wallet. A block on any wallet aborts the
// whole batch. A review on any wallet parks the batch in review with every
// reservation held until ApproveBatchReview or RejectBatchReview. Otherwise
// the batch moves to broadcast.
func (c *Coordinator) gateBatch(ctx context.Context, batch store.BatchSettlement, records []store.PaymentRecord) (store.BatchSettlement, error) {
	results := make(map[string]fraud.Result)
	var blocked, review []fraud.Result
	for _, r := range records {
		if _, seen := results[r.KOLWallet]; seen {
			continue
		}
		res, err := c.scorer.Score(ctx, r.KOLWallet)
		if err != nil {
			c.logger.Error(ctx, "fraud check failed, aborting batch", err)
			failed, ferr := c.failBatch(ctx, batch, store.FailureReasonBatchFailed, store.BatchStateReserved)
			if ferr != nil {
				return batch, ferr
			}
			return failed, fmt.Errorf("failed to score wallet: %w", err)
		}
		results[r.KOLWallet] = res
		switch res.Recommendation {
		case fraud.RecommendBlock:
			blocked = append(blocked, res)
		case fraud.RecommendReview:
			review = append(review, res)
		}
	}

	emitFlagged := func(flagged []fraud.Result) []string {
		wallets := make([]string, 0, len(flagged))
		for _, res := range flagged {
			wallets = append(wallets, res.Wallet)
			c.emitter.Emit(ctx, events.FraudDetected, batch.CampaignID, fraudEventData(batch.CampaignID, res, map[string]interface{}{
				"batchId": batch.ID.String(),
			}))
		}
		return wallets
	}

	if len(blocked) > 0 {
		failed, err := c.failBatch(ctx, batch, store.FailureReasonFraudBlocked, store.BatchStateReserved)
		if err != nil {
			return batch, err
		}
		flagged := emitFlagged(append(blocked, review...))
		c.logger.Warn(ctx, fmt.Sprintf("batch aborted by fraud check: %d wallets flagged", len(flagged)))
		return failed, x402err.ErrFraudBlocked.WithDetail("batchId", batch.ID.String()).WithDetail("wallets", flagged)
	}

	if len(review) > 0 {
		held, err := c.updateBatch(ctx, batch, func(_ store.Tx, b *store.BatchSettlement, entries []store.PaymentRecord) error {
			if b.State != store.BatchStateReserved {
				return errNoChange
			}
			b.State = store.BatchStateReview
			for i := range entries {
				applyFraud(&entries[i], results[entries[i].KOLWallet])
				entries[i].State = store.PaymentStateReview
			}
			return nil
		})
		if err != nil {
			return held, err
		}
		flagged := emitFlagged(review)
		c.logger.Warn(ctx, fmt.Sprintf("batch held for review: %d wallets flagged", len(flagged)))
		return held, nil
	}

	return c.updateBatch(ctx, batch, func(_ store.Tx, b *store.BatchSettlement, entries []store.PaymentRecord) error {
		if b.State != store.BatchStateReserved {
			return errNoChange
		}
		now := c.now()
		b.State = store.BatchStateBroadcast
		for i := range entries {
			applyFraud(&entries[i], results[entries[i].KOLWallet])
			entries[i].State = store.PaymentStateBroadcast
			entries[i].Attempts++
			entries[i].BroadcastAt = &now
		}
		return nil
	})
}

// ApproveBatchReview lets a batch held for review proceed to broadcast.
func (c *Coordinator) ApproveBatchReview(ctx context.Context, batchID uuid.UUID) (BatchSettleResponse, error) {
	batch, err := c.getBatch(ctx, batchID)
	if err != nil {
		return BatchSettleResponse{}, err
	}
	ctx = batchContext(ctx, batch)
	if batch.State != store.BatchStateReview {
		return NewBatchSettleResponse(batch), x402err.Campaign(x402err.CodeInvalidTransition,
			fmt.Sprintf("batch is %s, not awaiting review", batch.State)).WithDetail("batchId", batchID.String())
	}

	ctx = context.WithoutCancel(ctx)
	batch, err = c.updateBatch(ctx, batch, func(_ store.Tx, b *store.BatchSettlement, entries []store.PaymentRecord) error {
		if b.State != store.BatchStateReview {
			return errNoChange
		}
		now := c.now()
		b.State = store.BatchStateBroadcast
		for i := range entries {
			entries[i].State = store.PaymentStateBroadcast
			entries[i].Attempts++
			entries[i].BroadcastAt = &now
		}
		return nil
	})
	if err != nil || batch.State != store.BatchStateBroadcast {
		return NewBatchSettleResponse(batch), err
	}
	c.logger.Info(ctx, "batch review approved")

	batch, err = c.driveBatch(ctx, batch, true)
	if err == nil && batch.State == store.BatchStateBroadcast {
		if serr := c.scheduler.ScheduleBatchPoll(ctx, batch.ID, c.pollDelay()); serr != nil {
			c.logger.Error(ctx, "failed to schedule batch poll; reconciliation will pick it up", serr)
		}
	}
	return NewBatchSettleResponse(batch), err
}

// RejectBatchReview fails a batch held for review and releases every entry.
func (c *Coordinator) RejectBatchReview(ctx context.Context, batchID uuid.UUID) (BatchSettleResponse, error) {
	batch, err := c.getBatch(ctx, batchID)
	if err != nil {
		return BatchSettleResponse{}, err
	}
	ctx = batchContext(ctx, batch)
	if batch.State != store.BatchStateReview {
		return NewBatchSettleResponse(batch), x402err.Campaign(x402err.CodeInvalidTransition,
			fmt.Sprintf("batch is %s, not awaiting review", batch.State)).WithDetail("batchId", batchID.String())
	}

	batch, err = c.failBatch(ctx, batch, store.FailureReasonReviewRejected, store.BatchStateReview)
	if err != nil {
		return NewBatchSettleResponse(batch), err
	}
	c.logger.Info(ctx, "batch review rejected")
	return NewBatchSettleResponse(batch), nil
}

func batchContext(ctx context.Context, batch store.BatchSettlement) context.Context {
	return observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: batch.CampaignID},
		observability.Field{Key: "batch_id", Value: batch.ID.String()},
	)
}

// driveBatch submits a broadcast batch if needed and resolves it once the
// transfer service reports a final status.
func (c *Coordinator) driveBatch(ctx context.Context, batch store.BatchSettlement, wait bool) (store.BatchSettlement, error) {
	if batch.State != store.BatchStateBroadcast {
		return batch, nil
	}

	if batch.SubmissionID == "" {
		entries := make([]transfer.Entry, len(batch.Entries))
		for i, e := range batch.Entries {
			entries[i] = transfer.Entry{Wallet: e.Wallet, Amount: e.Amount}
		}
		submissionID, err := c.submit(ctx, batch.ID.String(), entries)
		if err != nil {
			if errors.Is(err, transfer.ErrRejected) {
				failed, ferr := c.failBatch(ctx, batch, store.FailureReasonTransferRejected, store.BatchStateBroadcast)
				if ferr != nil {
					return batch, ferr
				}
				c.logger.Warn(ctx, fmt.Sprintf("batch transfer rejected: %v", err))
				return failed, x402err.Payment(x402err.CodeTransferRejected, "batch transfer rejected", err).
					WithDetail("batchId", batch.ID.String())
			}
			c.logger.Warn(ctx, fmt.Sprintf("batch submit did not complete: %v", err))
			return batch, nil
		}

		batch, err = c.updateBatch(ctx, batch, func(_ store.Tx, b *store.BatchSettlement, entries []store.PaymentRecord) error {
			if b.State != store.BatchStateBroadcast {
				return errNoChange
			}
			b.SubmissionID = submissionID
			for i := range entries {
				entries[i].SubmissionID = submissionID
			}
			return nil
		})
		if err != nil || batch.State != store.BatchStateBroadcast {
			return batch, err
		}
		c.logger.Info(observability.WithFields(ctx, observability.Field{Key: "submission_id", Value: submissionID}), "batch broadcast")
	}

	var (
		result transfer.Result
		ok     bool
	)
	if wait {
		result, ok = c.await(ctx, batch.SubmissionID)
	} else {
		result, ok = c.checkStatus(ctx, batch.SubmissionID)
	}
	if !ok {
		return batch, nil
	}

	batch, _, err := c.applyBatchResult(ctx, batch, result)
	if err != nil {
		return batch, err
	}
	switch batch.FailureReason {
	case store.FailureReasonEntryMismatch:
		return batch, x402err.Payment(x402err.CodeBatchMismatch, "confirmation did not cover every batch entry; resubmit as a new batch", nil).
			WithDetail("batchId", batch.ID.String()).
			WithDetail("expected", batch.Count).
			WithDetail("confirmed", result.EntryCount)
	case store.FailureReasonBatchFailed:
		return batch, x402err.Payment(x402err.CodeTransferFailed, "batch transfer failed", nil).
			WithDetail("batchId", batch.ID.String()).
			WithDetail("reason", result.Reason)
	}
	return batch, nil
}

// applyBatchResult commits every entry on an aggregate confirmation that
// covers all entries, and releases every entry otherwise. Applying the same
// result again changes nothing.
func (c *Coordinator) applyBatchResult(ctx context.Context, batch store.BatchSettlement, result transfer.Result) (store.BatchSettlement, bool, error) {
	var settled []store.PaymentRecord
	batch, err := c.updateBatch(ctx, batch, func(tx store.Tx, b *store.BatchSettlement, entries []store.PaymentRecord) error {
		if b.State != store.BatchStateBroadcast {
			return errNoChange
		}

		status := result.Status
		reason := store.FailureReasonBatchFailed
		if status == transfer.StatusConfirmed && (result.EntryCount != b.Count || len(entries) != b.Count) {
			status = transfer.StatusFailed
			reason = store.FailureReasonEntryMismatch
		}

		now := c.now()
		switch status {
		case transfer.StatusConfirmed:
			for i := range entries {
				if _, err := ledger.CommitTx(ctx, tx, entries[i].ReservationID); err != nil {
					return err
				}
				entries[i].State = store.PaymentStateConfirmed
				entries[i].Status = store.PaymentStatusConfirmed
				entries[i].TxHash = result.TxHash
			}
			b.State = store.BatchStateConfirmed
			b.Status = store.PaymentStatusConfirmed
			b.TxHash = result.TxHash
		case transfer.StatusFailed:
			for i := range entries {
				if _, err := ledger.ReleaseTx(ctx, tx, entries[i].ReservationID); err != nil {
					return err
				}
				entries[i].State = store.PaymentStateFailed
				entries[i].Status = store.PaymentStatusFailed
				entries[i].FailureReason = reason
			}
			b.State = store.BatchStateFailed
			b.Status = store.PaymentStatusFailed
			b.FailureReason = reason
		default:
			return errNoChange
		}
		if b.SubmissionID == "" {
			b.SubmissionID = result.SubmissionID
		}
		b.ResolvedAt = &now
		settled = entries
		return nil
	})
	if err != nil || settled == nil {
		return batch, false, err
	}

	switch batch.State {
	case store.BatchStateConfirmed:
		for _, r := range settled {
			c.recordReputation(ctx, r.KOLWallet, c.outcomeFor(r.BroadcastAt), r.Amount)
		}
		payments := make([]map[string]interface{}, len(batch.Entries))
		for i, e := range batch.Entries {
			payments[i] = map[string]interface{}{"wallet": e.Wallet, "amount": e.Amount}
		}
		c.emitter.Emit(ctx, events.BatchSettled, batch.CampaignID, map[string]interface{}{
			"campaignId":  batch.CampaignID,
			"batchId":     batch.ID.String(),
			"txHash":      batch.TxHash,
			"count":       batch.Count,
			"totalAmount": batch.TotalAmount,
			"payments":    payments,
		})
		c.logger.Info(ctx, "batch confirmed")
	case store.BatchStateFailed:
		// A count mismatch says nothing about the wallets.
		if batch.FailureReason != store.FailureReasonEntryMismatch {
			for _, r := range settled {
				c.recordReputation(ctx, r.KOLWallet, store.OutcomeFailed, r.Amount)
			}
		}
		c.logger.Warn(ctx, fmt.Sprintf("batch failed: %s", batch.FailureReason))
	}
	return batch, true, nil
}

// failBatch releases every entry and marks the batch failed when it is in
// one of the from states.
func (c *Coordinator) failBatch(ctx context.Context, batch store.BatchSettlement, reason string, from ...string) (store.BatchSettlement, error) {
	return c.updateBatch(ctx, batch, func(tx store.Tx, b *store.BatchSettlement, entries []store.PaymentRecord) error {
		if !stateIn(b.State, from...) {
			return errNoChange
		}
		now := c.now()
		for i := range entries {
			if _, err := ledger.ReleaseTx(ctx, tx, entries[i].ReservationID); err != nil {
				return err
			}
			entries[i].State = store.PaymentStateFailed
			entries[i].Status = store.PaymentStatusFailed
			entries[i].FailureReason = reason
		}
		b.State = store.BatchStateFailed
		b.Status = store.PaymentStatusFailed
		b.FailureReason = reason
		b.ResolvedAt = &now
		return nil
	})
}

// updateBatch locks the batch and its entries in the campaign's ledger
// transaction, applies fn and writes everything back.
func (c *Coordinator) updateBatch(ctx context.Context, batch store.BatchSettlement, fn func(tx store.Tx, b *store.BatchSettlement, entries []store.PaymentRecord) error) (store.BatchSettlement, error) {
	out := batch
	err := c.ledger.WithCampaign(ctx, batch.CampaignID, func(tx store.Tx) error {
		current, err := tx.GetBatchSettlementForUpdate(ctx, batch.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return x402err.NotFound("batch", batch.ID.String())
			}
			return fmt.Errorf("failed to lock batch settlement: %w", err)
		}
		out = current
		entries, err := tx.ListPaymentRecordsByBatchForUpdate(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("failed to lock batch entries: %w", err)
		}

		if err := fn(tx, &current, entries); err != nil {
			return err
		}

		for _, e := range entries {
			if _, err := tx.UpdatePaymentRecord(ctx, e); err != nil {
				return fmt.Errorf("failed to update batch entry: %w", err)
			}
		}
		out, err = tx.UpdateBatchSettlement(ctx, current)
		if err != nil {
			return fmt.Errorf("failed to update batch settlement: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return out, nil
	}
	if err != nil {
		if _, ok := x402err.As(err); !ok {
			c.logger.Error(ctx, "failed to update batch settlement", err)
		}
		return out, err
	}
	return out, nil
}
