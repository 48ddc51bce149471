package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const batchColumns = `id, campaign_id, entries, count, total_amount, status, state, failure_reason, submission_id, tx_hash, created_at, updated_at, resolved_at`

const sqlCreateBatchSettlement = `
INSERT INTO batch_settlements (id, campaign_id, entries, count, total_amount, status, state)
VALUES ($1, $2, $3, $4, $5, 'pending', 'reserved')
RETURNING ` + batchColumns

const sqlGetBatchSettlement = `SELECT ` + batchColumns + ` FROM batch_settlements WHERE id = $1`

const sqlGetBatchSettlementForUpdate = sqlGetBatchSettlement + ` FOR UPDATE`

const sqlGetBatchSettlementBySubmission = `SELECT ` + batchColumns + ` FROM batch_settlements WHERE submission_id = $1`

const sqlListBatchSettlementsByState = `
SELECT ` + batchColumns + `
FROM batch_settlements
WHERE state = $1
ORDER BY updated_at
LIMIT $2
`

const sqlUpdateBatchSettlement = `
UPDATE batch_settlements
SET status = $2, state = $3, failure_reason = $4, submission_id = $5, tx_hash = $6,
    resolved_at = $7, updated_at = NOW()
WHERE id = $1
RETURNING ` + batchColumns

// GetBatchSettlement retrieves a batch by ID
func (s *Store) GetBatchSettlement(ctx context.Context, batchID uuid.UUID) (BatchSettlement, error) {
	return getBatchSettlement(ctx, s.db, sqlGetBatchSettlement, batchID)
}

// GetBatchSettlementBySubmission retrieves a batch by transfer submission id
func (s *Store) GetBatchSettlementBySubmission(ctx context.Context, submissionID string) (BatchSettlement, error) {
	return getBatchSettlement(ctx, s.db, sqlGetBatchSettlementBySubmission, submissionID)
}

// ListBatchSettlementsByState lists batches in a state, oldest update first
func (s *Store) ListBatchSettlementsByState(ctx context.Context, state string, limit int) ([]BatchSettlement, error) {
	var batches []BatchSettlement
	if err := s.db.SelectContext(ctx, &batches, sqlListBatchSettlementsByState, state, limit); err != nil {
		return nil, fmt.Errorf("failed to list batch settlements: %w", err)
	}
	return batches, nil
}

// CreateBatchSettlement inserts a batch in the reserved state
func (t *pgTx) CreateBatchSettlement(ctx context.Context, params CreateBatchSettlementParams) (BatchSettlement, error) {
	batch, err := getBatchSettlement(ctx, t.tx, sqlCreateBatchSettlement,
		params.ID,
		params.CampaignID,
		params.Entries,
		len(params.Entries),
		params.TotalAmount)
	if err != nil && isUniqueViolation(err) {
		return BatchSettlement{}, ErrConflict
	}
	return batch, err
}

// GetBatchSettlementForUpdate retrieves and locks a batch
func (t *pgTx) GetBatchSettlementForUpdate(ctx context.Context, batchID uuid.UUID) (BatchSettlement, error) {
	return getBatchSettlement(ctx, t.tx, sqlGetBatchSettlementForUpdate, batchID)
}

// UpdateBatchSettlement writes the mutable columns of a batch
func (t *pgTx) UpdateBatchSettlement(ctx context.Context, batch BatchSettlement) (BatchSettlement, error) {
	return getBatchSettlement(ctx, t.tx, sqlUpdateBatchSettlement,
		batch.ID,
		batch.Status,
		batch.State,
		batch.FailureReason,
		batch.SubmissionID,
		batch.TxHash,
		batch.ResolvedAt)
}

func getBatchSettlement(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (BatchSettlement, error) {
	var batch BatchSettlement
	err := sqlx.GetContext(ctx, q, &batch, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchSettlement{}, ErrNotFound
		}
		return BatchSettlement{}, fmt.Errorf("failed to get batch settlement: %w", err)
	}
	return batch, nil
}
