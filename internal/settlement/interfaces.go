package settlement

import (
	"context"
	"time"

	"x402-engine/internal/fraud"
	"x402-engine/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scorer is the part of the fraud scorer the coordinator needs.
type Scorer interface {
	Score(ctx context.Context, wallet string) (fraud.Result, error)
	Observe(ctx context.Context, wallet, paymentID string)
	Record(ctx context.Context, wallet, outcome string, amount decimal.Decimal) (store.Reputation, error)
}

// Scheduler re-checks a broadcast submission later, once the synchronous
// confirmation window has passed.
type Scheduler interface {
	SchedulePaymentPoll(ctx context.Context, paymentID uuid.UUID, delay time.Duration) error
	ScheduleBatchPoll(ctx context.Context, batchID uuid.UUID, delay time.Duration) error
}

// NoopScheduler leaves unresolved submissions to the reconciliation sweep.
type NoopScheduler struct{}

func (NoopScheduler) SchedulePaymentPoll(context.Context, uuid.UUID, time.Duration) error { return nil }
func (NoopScheduler) ScheduleBatchPoll(context.Context, uuid.UUID, time.Duration) error   { return nil }
