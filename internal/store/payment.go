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

const paymentColumns = `id, campaign_id, post_id, trigger, kol_wallet, amount, proof, status, state, failure_reason,
reservation_id, batch_id, submission_id, tx_hash, fraud_score, fraud_risk, fraud_recommendation, fraud_flags,
attempts, broadcast_at, created_at, updated_at`

const sqlCreatePaymentRecord = `
INSERT INTO payment_records (id, campaign_id, post_id, trigger, kol_wallet, amount, proof, status, state, reservation_id, batch_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10)
RETURNING ` + paymentColumns

const sqlGetPaymentRecord = `SELECT ` + paymentColumns + ` FROM payment_records WHERE id = $1`

const sqlGetPaymentRecordForUpdate = sqlGetPaymentRecord + ` FOR UPDATE`

const sqlFindPaymentRecord = `
SELECT ` + paymentColumns + `
FROM payment_records
WHERE campaign_id = $1 AND post_id = $2 AND trigger = $3
`

const sqlGetPaymentRecordBySubmission = `
SELECT ` + paymentColumns + `
FROM payment_records
WHERE submission_id = $1 AND batch_id IS NULL
`

const sqlListPaymentRecords = `
SELECT ` + paymentColumns + `
FROM payment_records
WHERE campaign_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const sqlListPaymentRecordsByState = `
SELECT ` + paymentColumns + `
FROM payment_records
WHERE state = $1 AND batch_id IS NULL
ORDER BY updated_at
LIMIT $2
`

const sqlListPaymentRecordsByBatch = `
SELECT ` + paymentColumns + `
FROM payment_records
WHERE batch_id = $1
ORDER BY length(post_id), post_id
`

const sqlListPaymentRecordsByBatchForUpdate = sqlListPaymentRecordsByBatch + ` FOR UPDATE`

const sqlCountPaymentRecordsForWallet = `
SELECT COUNT(*) FROM payment_records
WHERE kol_wallet = $1 AND created_at >= $2
`

const sqlUpdatePaymentRecord = `
UPDATE payment_records
SET status = $2, state = $3, failure_reason = $4, submission_id = $5, tx_hash = $6,
    fraud_score = $7, fraud_risk = $8, fraud_recommendation = $9, fraud_flags = $10,
    attempts = $11, broadcast_at = $12, updated_at = NOW()
WHERE id = $1
RETURNING ` + paymentColumns

// GetPaymentRecord retrieves a payment record by ID
func (s *Store) GetPaymentRecord(ctx context.Context, paymentID uuid.UUID) (PaymentRecord, error) {
	return getPaymentRecord(ctx, s.db, sqlGetPaymentRecord, paymentID)
}

// FindPaymentRecord retrieves the record for a (campaign, post, trigger) key
func (s *Store) FindPaymentRecord(ctx context.Context, campaignID, postID, trigger string) (PaymentRecord, error) {
	return getPaymentRecord(ctx, s.db, sqlFindPaymentRecord, campaignID, postID, trigger)
}

// GetPaymentRecordBySubmission retrieves a single-payment record by transfer submission id
func (s *Store) GetPaymentRecordBySubmission(ctx context.Context, submissionID string) (PaymentRecord, error) {
	return getPaymentRecord(ctx, s.db, sqlGetPaymentRecordBySubmission, submissionID)
}

// ListPaymentRecords lists a campaign's payment records, newest first
func (s *Store) ListPaymentRecords(ctx context.Context, campaignID string, limit, offset int) ([]PaymentRecord, error) {
	return selectPaymentRecords(ctx, s.db, sqlListPaymentRecords, campaignID, limit, offset)
}

// ListPaymentRecordsByState lists single payments (not batch entries) in a state
func (s *Store) ListPaymentRecordsByState(ctx context.Context, state string, limit int) ([]PaymentRecord, error) {
	return selectPaymentRecords(ctx, s.db, sqlListPaymentRecordsByState, state, limit)
}

// ListPaymentRecordsByBatch lists the entries of a batch in entry order
func (s *Store) ListPaymentRecordsByBatch(ctx context.Context, batchID uuid.UUID) ([]PaymentRecord, error) {
	return selectPaymentRecords(ctx, s.db, sqlListPaymentRecordsByBatch, batchID)
}

// CountPaymentRecordsForWallet counts payments created for a wallet since a point in time
func (s *Store) CountPaymentRecordsForWallet(ctx context.Context, wallet string, since time.Time) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, sqlCountPaymentRecordsForWallet, wallet, since); err != nil {
		return 0, fmt.Errorf("failed to count payment records: %w", err)
	}
	return count, nil
}

// CreatePaymentRecord inserts a payment record. A duplicate
// (campaign, post, trigger) key returns ErrConflict.
func (t *pgTx) CreatePaymentRecord(ctx context.Context, params CreatePaymentRecordParams) (PaymentRecord, error) {
	record, err := getPaymentRecord(ctx, t.tx, sqlCreatePaymentRecord,
		uuid.New(),
		params.CampaignID,
		params.PostID,
		params.Trigger,
		params.KOLWallet,
		params.Amount,
		params.Proof,
		params.State,
		params.ReservationID,
		params.BatchID)
	if err != nil && isUniqueViolation(err) {
		return PaymentRecord{}, ErrConflict
	}
	return record, err
}

// GetPaymentRecordForUpdate retrieves and locks a payment record
func (t *pgTx) GetPaymentRecordForUpdate(ctx context.Context, paymentID uuid.UUID) (PaymentRecord, error) {
	return getPaymentRecord(ctx, t.tx, sqlGetPaymentRecordForUpdate, paymentID)
}

// UpdatePaymentRecord writes the mutable columns of a payment record
func (t *pgTx) UpdatePaymentRecord(ctx context.Context, record PaymentRecord) (PaymentRecord, error) {
	return getPaymentRecord(ctx, t.tx, sqlUpdatePaymentRecord,
		record.ID,
		record.Status,
		record.State,
		record.FailureReason,
		record.SubmissionID,
		record.TxHash,
		record.FraudScore,
		record.FraudRisk,
		record.FraudRecommendation,
		record.FraudFlags,
		record.Attempts,
		record.BroadcastAt)
}

// ListPaymentRecordsByBatchForUpdate locks every entry of a batch
func (t *pgTx) ListPaymentRecordsByBatchForUpdate(ctx context.Context, batchID uuid.UUID) ([]PaymentRecord, error) {
	return selectPaymentRecords(ctx, t.tx, sqlListPaymentRecordsByBatchForUpdate, batchID)
}

func getPaymentRecord(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (PaymentRecord, error) {
	var record PaymentRecord
	err := sqlx.GetContext(ctx, q, &record, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PaymentRecord{}, ErrNotFound
		}
		return PaymentRecord{}, fmt.Errorf("failed to get payment record: %w", err)
	}
	return record, nil
}

func selectPaymentRecords(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) ([]PaymentRecord, error) {
	var records []PaymentRecord
	if err := sqlx.SelectContext(ctx, q, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	return records, nil
}
