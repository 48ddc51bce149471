package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"x402-engine/internal/events"
	"x402-engine/internal/fraud"
	"x402-engine/internal/ledger"
	"x402-engine/internal/money"
	"x402-engine/internal/observability"
	"x402-engine/internal/rules"
	"x402-engine/internal/store"
	"x402-engine/internal/transfer"
	"x402-engine/internal/wallet"
	"x402-engine/internal/x402err"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// errNoChange aborts a record update without failing the caller.
var errNoChange = errors.New("no change")

// TriggerResult says whether a trigger produced a payment. A trigger that
// matches no rule is not an error.
type TriggerResult struct {
	Matched bool             `json:"matched"`
	Reason  string           `json:"reason,omitempty"`
	Payment *PaymentResponse `json:"payment,omitempty"`
}

// HandleTrigger evaluates a trigger against the campaign's rules and settles
// the payment the first matching rule decides.
func (c *Coordinator) HandleTrigger(ctx context.Context, ev TriggerEvent) (TriggerResult, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: ev.CampaignID},
		observability.Field{Key: "post_id", Value: ev.PostID},
		observability.Field{Key: "trigger", Value: string(ev.Trigger)},
	)

	if ev.PostID == "" {
		return TriggerResult{}, x402err.Validation("postId", "postId is required")
	}
	kol, err := wallet.Normalize("kolWallet", ev.KOLWallet)
	if err != nil {
		return TriggerResult{}, err
	}
	if err := c.checkDuplicate(ctx, ev.CampaignID, ev.PostID, string(ev.Trigger)); err != nil {
		return TriggerResult{}, err
	}

	campaign, err := c.store.GetCampaign(ctx, ev.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TriggerResult{}, x402err.NotFound("campaign", ev.CampaignID)
		}
		c.logger.Error(ctx, "failed to get campaign", err)
		return TriggerResult{}, fmt.Errorf("failed to get campaign: %w", err)
	}
	ruleRows, err := c.store.GetPaymentRules(ctx, ev.CampaignID)
	if err != nil {
		c.logger.Error(ctx, "failed to get payment rules", err)
		return TriggerResult{}, fmt.Errorf("failed to get payment rules: %w", err)
	}
	balances, err := c.ledger.Balances(ctx, ev.CampaignID)
	if err != nil {
		return TriggerResult{}, err
	}

	decision, ok := rules.Evaluate(campaign, rules.FromStore(ruleRows), balances, rules.Event{
		Trigger:   ev.Trigger,
		PostID:    ev.PostID,
		KOLWallet: kol,
		Proof:     ev.Proof,
		Metric:    ev.Metric,
	}, c.now())
	if !ok {
		c.logger.Info(ctx, fmt.Sprintf("trigger produced no payment: %s", decision.Reason))
		return TriggerResult{Reason: decision.Reason}, nil
	}

	record, err := c.reserve(ctx, ev.CampaignID, ev.PostID, string(ev.Trigger), kol, ev.Proof, decision.PayAmount)
	if err != nil {
		return TriggerResult{}, err
	}

	resp, err := c.settle(ctx, record)
	return TriggerResult{Matched: true, Payment: &resp}, err
}

// ReleasePayment pays an explicit amount for one post.
func (c *Coordinator) ReleasePayment(ctx context.Context, cfg PaymentConfig) (PaymentResponse, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: cfg.CampaignID},
		observability.Field{Key: "post_id", Value: cfg.PostID},
	)

	if cfg.CampaignID == "" {
		return PaymentResponse{}, x402err.Validation("campaignId", "campaignId is required")
	}
	if cfg.PostID == "" {
		return PaymentResponse{}, x402err.Validation("postId", "postId is required")
	}
	kol, err := wallet.Normalize("kolWallet", cfg.KOLWallet)
	if err != nil {
		return PaymentResponse{}, err
	}
	if err := money.ValidatePositive("amount", cfg.Amount); err != nil {
		return PaymentResponse{}, err
	}
	if err := c.checkDuplicate(ctx, cfg.CampaignID, cfg.PostID, store.TriggerManual); err != nil {
		return PaymentResponse{}, err
	}

	record, err := c.reserve(ctx, cfg.CampaignID, cfg.PostID, store.TriggerManual, kol, cfg.Proof, cfg.Amount)
	if err != nil {
		return PaymentResponse{}, err
	}
	return c.settle(ctx, record)
}

// GetPayment returns the current view of a payment record.
func (c *Coordinator) GetPayment(ctx context.Context, paymentID uuid.UUID) (PaymentResponse, error) {
	record, err := c.getPayment(ctx, paymentID)
	if err != nil {
		return PaymentResponse{}, err
	}
	return NewPaymentResponse(record), nil
}

// ApproveReview lets a payment held for review proceed to broadcast.
func (c *Coordinator) ApproveReview(ctx context.Context, paymentID uuid.UUID) (PaymentResponse, error) {
	record, err := c.getPayment(ctx, paymentID)
	if err != nil {
		return PaymentResponse{}, err
	}
	ctx = paymentContext(ctx, record)
	if err := checkStandalone(record); err != nil {
		return NewPaymentResponse(record), err
	}
	if record.State != store.PaymentStateReview {
		return NewPaymentResponse(record), x402err.Campaign(x402err.CodeInvalidTransition,
			fmt.Sprintf("payment is %s, not awaiting review", record.State)).WithDetail("paymentId", paymentID.String())
	}

	c.logger.Info(ctx, "review approved")
	ctx = context.WithoutCancel(ctx)
	record, err = c.startBroadcast(ctx, record, nil, store.PaymentStateReview)
	if err != nil {
		return NewPaymentResponse(record), err
	}
	return c.finish(ctx, record, true)
}

// RejectReview fails a payment held for review and releases its reservation.
func (c *Coordinator) RejectReview(ctx context.Context, paymentID uuid.UUID) (PaymentResponse, error) {
	record, err := c.getPayment(ctx, paymentID)
	if err != nil {
		return PaymentResponse{}, err
	}
	ctx = paymentContext(ctx, record)
	if err := checkStandalone(record); err != nil {
		return NewPaymentResponse(record), err
	}

	record, err = c.failPayment(ctx, record, store.FailureReasonReviewRejected, nil, store.PaymentStateReview)
	if err != nil {
		return NewPaymentResponse(record), err
	}
	c.logger.Info(ctx, "review rejected")
	return NewPaymentResponse(record), nil
}

// CancelPayment releases a payment that has not been broadcast. Once a
// broadcast has begun the transfer service may already hold it, so the
// outcome has to be awaited instead.
func (c *Coordinator) CancelPayment(ctx context.Context, paymentID uuid.UUID) (PaymentResponse, error) {
	record, err := c.getPayment(ctx, paymentID)
	if err != nil {
		return PaymentResponse{}, err
	}
	ctx = paymentContext(ctx, record)
	if err := checkStandalone(record); err != nil {
		return NewPaymentResponse(record), err
	}

	record, err = c.failPayment(ctx, record, store.FailureReasonCancelled, nil,
		store.PaymentStateReserved, store.PaymentStateReview)
	if err != nil {
		return NewPaymentResponse(record), err
	}
	c.logger.Info(ctx, "payment cancelled")
	return NewPaymentResponse(record), nil
}

// checkStandalone refuses per-entry transitions on batch entries, which only
// move with their batch.
func checkStandalone(record store.PaymentRecord) error {
	if !record.BatchID.Valid {
		return nil
	}
	return x402err.Campaign(x402err.CodeInvalidTransition, "payment is a batch entry; act on the batch instead").
		WithDetail("paymentId", record.ID.String()).
		WithDetail("batchId", record.BatchID.UUID.String())
}

func (c *Coordinator) getPayment(ctx context.Context, paymentID uuid.UUID) (store.PaymentRecord, error) {
	record, err := c.store.GetPaymentRecord(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.PaymentRecord{}, x402err.NotFound("payment", paymentID.String())
		}
		c.logger.Error(ctx, "failed to get payment record", err)
		return store.PaymentRecord{}, fmt.Errorf("failed to get payment record: %w", err)
	}
	return record, nil
}

func (c *Coordinator) checkDuplicate(ctx context.Context, campaignID, postID, trigger string) error {
	existing, err := c.store.FindPaymentRecord(ctx, campaignID, postID, trigger)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.logger.Error(ctx, "failed to look up payment record", err)
		return fmt.Errorf("failed to look up payment record: %w", err)
	}
	return x402err.ErrDuplicatePayment.
		WithDetail("paymentId", existing.ID.String()).
		WithDetail("status", existing.Status)
}

// reserve re-validates the campaign, reserves amount and creates the payment
// record in one ledger transaction.
func (c *Coordinator) reserve(ctx context.Context, campaignID, postID, trigger, kol, proof string, amount decimal.Decimal) (store.PaymentRecord, error) {
	var record store.PaymentRecord
	err := c.ledger.WithCampaign(ctx, campaignID, func(tx store.Tx) error {
		campaign, err := tx.GetCampaignForUpdate(ctx, campaignID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return x402err.NotFound("campaign", campaignID)
			}
			return fmt.Errorf("failed to lock campaign: %w", err)
		}
		if err := checkAcceptsPayments(campaign, c.now()); err != nil {
			return err
		}

		reservation, _, err := ledger.ReserveTx(ctx, tx, campaignID, amount, postID)
		if err != nil {
			return err
		}

		record, err = tx.CreatePaymentRecord(ctx, store.CreatePaymentRecordParams{
			CampaignID:    campaignID,
			PostID:        postID,
			Trigger:       trigger,
			KOLWallet:     kol,
			Amount:        amount,
			Proof:         proof,
			State:         store.PaymentStateReserved,
			ReservationID: reservation.ID,
		})
		if errors.Is(err, store.ErrConflict) {
			return x402err.ErrDuplicatePayment
		}
		if err != nil {
			return fmt.Errorf("failed to create payment record: %w", err)
		}
		return nil
	})
	if err != nil {
		if _, ok := x402err.As(err); ok {
			c.logger.Warn(ctx, fmt.Sprintf("payment not reserved: %v", err))
		} else {
			c.logger.Error(ctx, "failed to reserve payment", err)
		}
		return store.PaymentRecord{}, err
	}

	c.scorer.Observe(ctx, kol, record.ID.String())
	c.logger.Info(paymentContext(ctx, record), "payment reserved")
	return record, nil
}

func checkAcceptsPayments(campaign store.Campaign, now time.Time) error {
	if campaign.Status != store.CampaignStatusActive {
		return x402err.Campaign(x402err.CodeCampaignNotActive, fmt.Sprintf("campaign is %s", campaign.Status)).
			WithDetail("campaignId", campaign.ID)
	}
	if !now.Before(campaign.EndsAt) {
		return x402err.Campaign(x402err.CodeCampaignNotActive, "campaign has ended").
			WithDetail("campaignId", campaign.ID)
	}
	return nil
}

// settle runs the fraud gate and, if approved, broadcasts and awaits the
// transfer. The protocol continues even if the caller goes away.
func (c *Coordinator) settle(ctx context.Context, record store.PaymentRecord) (PaymentResponse, error) {
	ctx = context.WithoutCancel(paymentContext(ctx, record))

	record, err := c.gate(ctx, record)
	if err != nil || record.State != store.PaymentStateBroadcast {
		return NewPaymentResponse(record), err
	}
	return c.finish(ctx, record, true)
}

// gate scores the wallet. Block fails the payment, review parks it. An
// approved record comes back in the broadcast state.
func (c *Coordinator) gate(ctx context.Context, record store.PaymentRecord) (store.PaymentRecord, error) {
	result, err := c.scorer.Score(ctx, record.KOLWallet)
	if err != nil {
		c.logger.Error(ctx, "fraud check failed, payment left reserved", err)
		return record, fmt.Errorf("failed to score wallet: %w", err)
	}

	switch result.Recommendation {
	case fraud.RecommendBlock:
		record, err = c.failPayment(ctx, record, store.FailureReasonFraudBlocked, &result, store.PaymentStateReserved)
		if err != nil {
			return record, err
		}
		c.emitter.Emit(ctx, events.FraudDetected, record.CampaignID, fraudEventData(record.CampaignID, result, map[string]interface{}{
			"paymentId": record.ID.String(),
		}))
		c.logger.Warn(ctx, "payment blocked by fraud check")
		return record, x402err.ErrFraudBlocked.
			WithDetail("paymentId", record.ID.String()).
			WithDetail("wallet", record.KOLWallet).
			WithDetail("score", result.Score).
			WithDetail("risk", string(result.Risk)).
			WithDetail("flags", result.Flags)

	case fraud.RecommendReview:
		record, err = c.updatePayment(ctx, record, func(_ store.Tx, p *store.PaymentRecord) error {
			if p.State != store.PaymentStateReserved {
				return errNoChange
			}
			applyFraud(p, result)
			p.State = store.PaymentStateReview
			return nil
		})
		if err != nil {
			return record, err
		}
		c.emitter.Emit(ctx, events.FraudDetected, record.CampaignID, fraudEventData(record.CampaignID, result, map[string]interface{}{
			"paymentId": record.ID.String(),
		}))
		c.logger.Warn(ctx, "payment held for review")
		return record, nil
	}

	return c.startBroadcast(ctx, record, &result, store.PaymentStateReserved)
}

// startBroadcast moves the record into broadcast before the transfer service
// is called, so a crash after submit is recovered by resubmitting the same key.
func (c *Coordinator) startBroadcast(ctx context.Context, record store.PaymentRecord, result *fraud.Result, from ...string) (store.PaymentRecord, error) {
	now := c.now()
	return c.updatePayment(ctx, record, func(_ store.Tx, p *store.PaymentRecord) error {
		if !stateIn(p.State, from...) {
			return errNoChange
		}
		if result != nil {
			applyFraud(p, *result)
		}
		p.State = store.PaymentStateBroadcast
		p.Attempts++
		if p.BroadcastAt == nil {
			p.BroadcastAt = &now
		}
		return nil
	})
}

// finish submits a broadcast record if needed and resolves it when the
// transfer service reports a final status. With wait it polls for up to the
// confirmation window and schedules a later poll if still pending.
func (c *Coordinator) finish(ctx context.Context, record store.PaymentRecord, wait bool) (PaymentResponse, error) {
	record, err := c.drive(ctx, record, wait)
	if err == nil && wait && record.State == store.PaymentStateBroadcast {
		c.schedulePaymentPoll(ctx, record)
	}
	return NewPaymentResponse(record), err
}

func (c *Coordinator) drive(ctx context.Context, record store.PaymentRecord, wait bool) (store.PaymentRecord, error) {
	if record.State != store.PaymentStateBroadcast {
		return record, nil
	}

	if record.SubmissionID == "" {
		entries := []transfer.Entry{{Wallet: record.KOLWallet, Amount: record.Amount}}
		submissionID, err := c.submit(ctx, record.ReservationID.String(), entries)
		if err != nil {
			if errors.Is(err, transfer.ErrRejected) {
				failed, ferr := c.failPayment(ctx, record, store.FailureReasonTransferRejected, nil, store.PaymentStateBroadcast)
				if ferr != nil {
					return record, ferr
				}
				c.logger.Warn(ctx, fmt.Sprintf("transfer rejected: %v", err))
				return failed, x402err.Payment(x402err.CodeTransferRejected, "transfer rejected", err).
					WithDetail("paymentId", record.ID.String())
			}
			// The service may or may not hold the transfer. Keep the record in
			// broadcast; a later poll resubmits with the same key.
			c.logger.Warn(ctx, fmt.Sprintf("transfer submit did not complete: %v", err))
			return record, nil
		}

		record, err = c.updatePayment(ctx, record, func(_ store.Tx, p *store.PaymentRecord) error {
			if p.State != store.PaymentStateBroadcast {
				return errNoChange
			}
			p.SubmissionID = submissionID
			return nil
		})
		if err != nil {
			return record, err
		}
		if record.State != store.PaymentStateBroadcast {
			return record, nil
		}
		ctx = observability.WithFields(ctx, observability.Field{Key: "submission_id", Value: submissionID})
		c.logger.Info(ctx, "payment broadcast")
	}

	var (
		result transfer.Result
		ok     bool
	)
	if wait {
		result, ok = c.await(ctx, record.SubmissionID)
	} else {
		result, ok = c.checkStatus(ctx, record.SubmissionID)
	}
	if !ok {
		return record, nil
	}

	record, _, err := c.applyPaymentResult(ctx, record, result)
	if err != nil {
		return record, err
	}
	if record.State == store.PaymentStateFailed {
		return record, x402err.Payment(x402err.CodeTransferFailed, "transfer failed", nil).
			WithDetail("paymentId", record.ID.String()).
			WithDetail("reason", result.Reason)
	}
	return record, nil
}

// applyPaymentResult resolves a broadcast record from a final transfer
// status. Applying the same result again changes nothing.
func (c *Coordinator) applyPaymentResult(ctx context.Context, record store.PaymentRecord, result transfer.Result) (store.PaymentRecord, bool, error) {
	changed := false
	record, err := c.updatePayment(ctx, record, func(tx store.Tx, p *store.PaymentRecord) error {
		if p.State != store.PaymentStateBroadcast {
			return errNoChange
		}
		switch result.Status {
		case transfer.StatusConfirmed:
			if _, err := ledger.CommitTx(ctx, tx, p.ReservationID); err != nil {
				return err
			}
			if err := tx.IncrementPostsPaid(ctx, p.CampaignID, 1); err != nil {
				return fmt.Errorf("failed to count paid post: %w", err)
			}
			p.State = store.PaymentStateConfirmed
			p.Status = store.PaymentStatusConfirmed
			p.TxHash = result.TxHash
		case transfer.StatusFailed:
			if _, err := ledger.ReleaseTx(ctx, tx, p.ReservationID); err != nil {
				return err
			}
			p.State = store.PaymentStateFailed
			p.Status = store.PaymentStatusFailed
			p.FailureReason = store.FailureReasonTransferFailed
		default:
			return errNoChange
		}
		if p.SubmissionID == "" {
			p.SubmissionID = result.SubmissionID
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return record, false, err
	}

	ctx = paymentContext(ctx, record)
	if record.State == store.PaymentStateConfirmed {
		c.recordReputation(ctx, record.KOLWallet, c.outcomeFor(record.BroadcastAt), record.Amount)
		c.emitter.Emit(ctx, events.PaymentReleased, record.CampaignID, map[string]interface{}{
			"campaignId": record.CampaignID,
			"paymentId":  record.ID.String(),
			"postId":     record.PostID,
			"trigger":    record.Trigger,
			"kolWallet":  record.KOLWallet,
			"amount":     record.Amount,
			"txHash":     record.TxHash,
		})
		c.logger.Info(ctx, "payment confirmed")
	} else {
		c.recordReputation(ctx, record.KOLWallet, store.OutcomeFailed, record.Amount)
		c.logger.Warn(ctx, "payment failed on confirmation")
	}
	return record, true, nil
}

// failPayment releases the reservation and marks the record failed when it
// is in one of the from states. Failing again for the same reason is a no-op.
func (c *Coordinator) failPayment(ctx context.Context, record store.PaymentRecord, reason string, result *fraud.Result, from ...string) (store.PaymentRecord, error) {
	return c.updatePayment(ctx, record, func(tx store.Tx, p *store.PaymentRecord) error {
		if p.State == store.PaymentStateFailed && p.FailureReason == reason {
			return errNoChange
		}
		if !stateIn(p.State, from...) {
			if p.State == store.PaymentStateBroadcast {
				return x402err.Campaign(x402err.CodeBroadcastInProgress, "payment has been broadcast; awaiting its outcome").
					WithDetail("paymentId", p.ID.String())
			}
			return x402err.Campaign(x402err.CodeInvalidTransition, fmt.Sprintf("payment is %s", p.State)).
				WithDetail("paymentId", p.ID.String())
		}
		if _, err := ledger.ReleaseTx(ctx, tx, p.ReservationID); err != nil {
			return err
		}
		if result != nil {
			applyFraud(p, *result)
		}
		p.State = store.PaymentStateFailed
		p.Status = store.PaymentStatusFailed
		p.FailureReason = reason
		return nil
	})
}

// updatePayment locks the record inside its campaign's ledger transaction,
// applies fn and writes the result. fn returns errNoChange to skip the write.
func (c *Coordinator) updatePayment(ctx context.Context, record store.PaymentRecord, fn func(tx store.Tx, p *store.PaymentRecord) error) (store.PaymentRecord, error) {
	out := record
	err := c.ledger.WithCampaign(ctx, record.CampaignID, func(tx store.Tx) error {
		current, err := tx.GetPaymentRecordForUpdate(ctx, record.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return x402err.NotFound("payment", record.ID.String())
			}
			return fmt.Errorf("failed to lock payment record: %w", err)
		}
		out = current
		if err := fn(tx, &current); err != nil {
			return err
		}
		out, err = tx.UpdatePaymentRecord(ctx, current)
		if err != nil {
			return fmt.Errorf("failed to update payment record: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return out, nil
	}
	if err != nil {
		if _, ok := x402err.As(err); !ok {
			c.logger.Error(ctx, "failed to update payment record", err)
		}
		return out, err
	}
	return out, nil
}

func (c *Coordinator) schedulePaymentPoll(ctx context.Context, record store.PaymentRecord) {
	if err := c.scheduler.SchedulePaymentPoll(ctx, record.ID, c.pollDelay()); err != nil {
		c.logger.Error(ctx, "failed to schedule payment poll; reconciliation will pick it up", err)
	}
}

func (c *Coordinator) pollDelay() time.Duration {
	if c.cfg.ConfirmationWindow > c.cfg.PollInterval {
		return c.cfg.ConfirmationWindow
	}
	return c.cfg.PollInterval
}

func paymentContext(ctx context.Context, record store.PaymentRecord) context.Context {
	return observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: record.CampaignID},
		observability.Field{Key: "payment_id", Value: record.ID.String()},
		observability.Field{Key: "wallet", Value: record.KOLWallet},
	)
}

func stateIn(state string, states ...string) bool {
	for _, s := range states {
		if state == s {
			return true
		}
	}
	return false
}
