package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const escrowColumns = `campaign_id, budget, locked, spent, pending, remaining, updated_at`

const sqlCreateEscrow = `
INSERT INTO escrows (campaign_id, budget, locked, spent, pending, remaining)
VALUES ($1, $2, $2, 0, 0, $2)
RETURNING ` + escrowColumns

const sqlGetEscrow = `SELECT ` + escrowColumns + ` FROM escrows WHERE campaign_id = $1`

const sqlGetEscrowForUpdate = sqlGetEscrow + ` FOR UPDATE`

const sqlUpdateEscrow = `
UPDATE escrows
SET budget = $2, locked = $3, spent = $4, pending = $5, remaining = $6, updated_at = NOW()
WHERE campaign_id = $1
RETURNING ` + escrowColumns

const reservationColumns = `id, campaign_id, amount, status, reference, created_at, resolved_at`

const sqlCreateReservation = `
INSERT INTO reservations (id, campaign_id, amount, status, reference)
VALUES ($1, $2, $3, 'held', $4)
RETURNING ` + reservationColumns

const sqlGetReservation = `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`

const sqlGetReservationForUpdate = sqlGetReservation + ` FOR UPDATE`

const sqlResolveReservation = `
UPDATE reservations SET status = $2, resolved_at = NOW()
WHERE id = $1
RETURNING ` + reservationColumns

// GetEscrow reads all four balances in one statement
func (s *Store) GetEscrow(ctx context.Context, campaignID string) (Escrow, error) {
	return getEscrow(ctx, s.db, sqlGetEscrow, campaignID)
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, reservationID uuid.UUID) (Reservation, error) {
	return getReservation(ctx, s.db, sqlGetReservation, reservationID)
}

// CreateEscrow locks the initial budget for a campaign
func (t *pgTx) CreateEscrow(ctx context.Context, campaignID string, amount decimal.Decimal) (Escrow, error) {
	return getEscrow(ctx, t.tx, sqlCreateEscrow, campaignID, amount)
}

// GetEscrowForUpdate retrieves and locks the escrow row
func (t *pgTx) GetEscrowForUpdate(ctx context.Context, campaignID string) (Escrow, error) {
	return getEscrow(ctx, t.tx, sqlGetEscrowForUpdate, campaignID)
}

// UpdateEscrow writes all balances in one statement
func (t *pgTx) UpdateEscrow(ctx context.Context, escrow Escrow) (Escrow, error) {
	return getEscrow(ctx, t.tx, sqlUpdateEscrow,
		escrow.CampaignID,
		escrow.Budget,
		escrow.Locked,
		escrow.Spent,
		escrow.Pending,
		escrow.Remaining)
}

// CreateReservation inserts a held reservation
func (t *pgTx) CreateReservation(ctx context.Context, params CreateReservationParams) (Reservation, error) {
	return getReservation(ctx, t.tx, sqlCreateReservation,
		uuid.New(),
		params.CampaignID,
		params.Amount,
		params.Reference)
}

// GetReservationForUpdate retrieves and locks a reservation
func (t *pgTx) GetReservationForUpdate(ctx context.Context, reservationID uuid.UUID) (Reservation, error) {
	return getReservation(ctx, t.tx, sqlGetReservationForUpdate, reservationID)
}

// ResolveReservation marks a reservation committed or released
func (t *pgTx) ResolveReservation(ctx context.Context, reservationID uuid.UUID, status string) (Reservation, error) {
	return getReservation(ctx, t.tx, sqlResolveReservation, reservationID, status)
}

func getEscrow(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (Escrow, error) {
	var escrow Escrow
	err := sqlx.GetContext(ctx, q, &escrow, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("failed to get escrow: %w", err)
	}
	return escrow, nil
}

func getReservation(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (Reservation, error) {
	var reservation Reservation
	err := sqlx.GetContext(ctx, q, &reservation, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("failed to get reservation: %w", err)
	}
	return reservation, nil
}
