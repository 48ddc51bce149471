// Package settlement drives payments and batches from reservation through
// broadcast to a confirmed or failed outcome.
//
// Single payment: reserved -> (review) -> broadcast -> confirmed | failed.
// Batch: reserved -> broadcast -> confirmed | failed, all entries together.
//
// Balance moves and record transitions happen in one ledger transaction. The
// transfer service is only called outside of any lock, and a submission is
// never treated as failed because time passed; unresolved submissions are
// polled later.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"x402-engine/internal/events"
	"x402-engine/internal/fraud"
	"x402-engine/internal/ledger"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"
	"x402-engine/internal/transfer"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

type Config struct {
	// ConfirmationWindow bounds how long a request waits for confirmation.
	ConfirmationWindow time.Duration
	PollInterval       time.Duration
	// BroadcastRetries caps retries of a transient submit failure.
	BroadcastRetries int
	// RetryInitialInterval is the first backoff delay between submit retries.
	RetryInitialInterval time.Duration
	// LateAfter is how long after broadcast a confirmation counts as late.
	LateAfter time.Duration
	// StaleAfter is how long a record may sit reserved before the sweep resumes it.
	StaleAfter time.Duration
}

type Coordinator struct {
	store     store.Storer
	ledger    *ledger.Ledger
	scorer    Scorer
	transfer  transfer.Client
	emitter   events.Emitter
	scheduler Scheduler
	cfg       Config
	logger    *observability.Logger
	now       func() time.Time
}

func New(
	s store.Storer,
	l *ledger.Ledger,
	scorer Scorer,
	client transfer.Client,
	emitter events.Emitter,
	scheduler Scheduler,
	cfg Config,
	logger *observability.Logger,
) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 200 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if scheduler == nil {
		scheduler = NoopScheduler{}
	}
	return &Coordinator{
		store:     s,
		ledger:    l,
		scorer:    scorer,
		transfer:  client,
		emitter:   emitter,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the coordinator's time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// submit calls the transfer service, retrying transient failures with
// exponential backoff. The key never changes between attempts.
func (c *Coordinator) submit(ctx context.Context, key string, entries []transfer.Entry) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithContext(b, ctx)
	if c.cfg.BroadcastRetries >= 0 {
		policy = backoff.WithMaxRetries(policy, uint64(c.cfg.BroadcastRetries))
	}

	var submissionID string
	op := func() error {
		id, err := c.transfer.Submit(ctx, key, entries)
		if err != nil {
			if errors.Is(err, transfer.ErrTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		submissionID = id
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn(ctx, fmt.Sprintf("transfer submit failed, retrying in %s: %v", wait, err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", err
	}
	return submissionID, nil
}

// await polls the submission until it settles or the confirmation window
// closes, then asks once more. ok is false while the submission is pending.
func (c *Coordinator) await(ctx context.Context, submissionID string) (transfer.Result, bool) {
	if c.cfg.ConfirmationWindow > 0 {
		deadline := time.NewTimer(c.cfg.ConfirmationWindow)
		defer deadline.Stop()
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

	poll:
		for {
			select {
			case <-ctx.Done():
				break poll
			case <-deadline.C:
				break poll
			case <-ticker.C:
				if res, ok := c.checkStatus(ctx, submissionID); ok {
					return res, true
				}
			}
		}
	}

	// Final status query before deciding. Elapsed time alone never fails a payment.
	return c.checkStatus(context.WithoutCancel(ctx), submissionID)
}

func (c *Coordinator) checkStatus(ctx context.Context, submissionID string) (transfer.Result, bool) {
	res, err := c.transfer.Status(ctx, submissionID)
	if err != nil {
		c.logger.Warn(ctx, fmt.Sprintf("transfer status query failed: %v", err))
		return transfer.Result{}, false
	}
	switch res.Status {
	case transfer.StatusConfirmed, transfer.StatusFailed:
		return res, true
	}
	return res, false
}

func (c *Coordinator) outcomeFor(broadcastAt *time.Time) string {
	if broadcastAt != nil && c.cfg.LateAfter > 0 && c.now().Sub(*broadcastAt) > c.cfg.LateAfter {
		return store.OutcomeLate
	}
	return store.OutcomeOnTime
}

// recordReputation feeds a resolved outcome to the scorer. The payment is
// already settled, so a failure here is logged and not returned.
func (c *Coordinator) recordReputation(ctx context.Context, wallet, outcome string, amount decimal.Decimal) {
	if _, err := c.scorer.Record(ctx, wallet, outcome, amount); err != nil {
		c.logger.Error(observability.WithFields(ctx,
			observability.Field{Key: "wallet", Value: wallet},
			observability.Field{Key: "outcome", Value: outcome},
		), "failed to record reputation outcome", err)
	}
}

func applyFraud(p *store.PaymentRecord, res fraud.Result) {
	p.FraudScore = res.Score
	p.FraudRisk = string(res.Risk)
	p.FraudRecommendation = string(res.Recommendation)
	p.FraudFlags = store.StringArray(res.Flags)
}

func fraudEventData(campaignID string, res fraud.Result, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"campaignId":     campaignID,
		"wallet":         res.Wallet,
		"score":          res.Score,
		"risk":           res.Risk,
		"flags":          res.Flags,
		"recommendation": res.Recommendation,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
