package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const reputationColumns = `wallet, earnings, reliability, badges, fraud_score, total_payments, on_time_payments, failed_payments, disputes, created_at, updated_at`

const sqlGetReputation = `SELECT ` + reputationColumns + ` FROM reputations WHERE wallet = $1`

const sqlEnsureReputation = `
INSERT INTO reputations (wallet) VALUES ($1)
ON CONFLICT (wallet) DO NOTHING
`

const sqlGetReputationForUpdate = sqlGetReputation + ` FOR UPDATE`

const sqlSaveReputation = `
UPDATE reputations
SET earnings = $2, reliability = $3, badges = $4, fraud_score = $5, total_payments = $6,
    on_time_payments = $7, failed_payments = $8, disputes = $9, updated_at = NOW()
WHERE wallet = $1
RETURNING ` + reputationColumns

const sqlCreateReputationEvent = `
INSERT INTO reputation_events (id, wallet, outcome, amount)
VALUES ($1, $2, $3, $4)
RETURNING id, wallet, outcome, amount, created_at
`

const sqlCountReputationEvents = `
SELECT COUNT(*) FROM reputation_events
WHERE wallet = ? AND outcome IN (?) AND created_at >= ?
`

// GetReputation retrieves a wallet's reputation
func (s *Store) GetReputation(ctx context.Context, wallet string) (Reputation, error) {
	return getReputation(ctx, s.db, sqlGetReputation, wallet)
}

// CountReputationEvents counts a wallet's outcomes of the given kinds since a point in time
func (s *Store) CountReputationEvents(ctx context.Context, wallet string, outcomes []string, since time.Time) (int, error) {
	if len(outcomes) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(sqlCountReputationEvents, wallet, outcomes, since)
	if err != nil {
		return 0, fmt.Errorf("failed to build reputation event query: %w", err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count reputation events: %w", err)
	}
	return count, nil
}

// GetReputationForUpdate creates the wallet's row if missing and locks it.
func (t *pgTx) GetReputationForUpdate(ctx context.Context, wallet string) (Reputation, error) {
	if _, err := t.tx.ExecContext(ctx, sqlEnsureReputation, wallet); err != nil {
		return Reputation{}, fmt.Errorf("failed to ensure reputation: %w", err)
	}
	return getReputation(ctx, t.tx, sqlGetReputationForUpdate, wallet)
}

// SaveReputation writes counters and derived fields
func (t *pgTx) SaveReputation(ctx context.Context, reputation Reputation) (Reputation, error) {
	return getReputation(ctx, t.tx, sqlSaveReputation,
		reputation.Wallet,
		reputation.Earnings,
		reputation.Reliability,
		reputation.Badges,
		reputation.FraudScore,
		reputation.TotalPayments,
		reputation.OnTimePayments,
		reputation.FailedPayments,
		reputation.Disputes)
}

// CreateReputationEvent appends a resolved outcome
func (t *pgTx) CreateReputationEvent(ctx context.Context, params CreateReputationEventParams) (ReputationEvent, error) {
	var event ReputationEvent
	err := t.tx.GetContext(ctx, &event, sqlCreateReputationEvent,
		uuid.New(),
		params.Wallet,
		params.Outcome,
		params.Amount)
	if err != nil {
		return ReputationEvent{}, fmt.Errorf("failed to create reputation event: %w", err)
	}
	return event, nil
}

func getReputation(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (Reputation, error) {
	var reputation Reputation
	err := sqlx.GetContext(ctx, q, &reputation, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reputation{}, ErrNotFound
		}
		return Reputation{}, fmt.Errorf("failed to get reputation: %w", err)
	}
	return reputation, nil
}
