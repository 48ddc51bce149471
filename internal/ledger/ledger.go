// Package ledger keeps campaign escrow balances. Every mutation holds the
// campaign's in-process lock and runs in one store transaction that locks the
// escrow row, so the four balances only ever change together.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"x402-engine/internal/keylock"
	"x402-engine/internal/money"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"
	"x402-engine/internal/x402err"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvariantViolated = errors.New("ledger invariant violated")

// Balances is a consistent snapshot of a campaign's escrow.
type Balances struct {
	CampaignID string
	Budget     decimal.Decimal
	Locked     decimal.Decimal
	Spent      decimal.Decimal
	Pending    decimal.Decimal
	Remaining  decimal.Decimal
}

func FromEscrow(e store.Escrow) Balances {
	return Balances{
		CampaignID: e.CampaignID,
		Budget:     e.Budget,
		Locked:     e.Locked,
		Spent:      e.Spent,
		Pending:    e.Pending,
		Remaining:  e.Remaining,
	}
}

type Ledger struct {
	store  store.Storer
	locks  *keylock.Map
	logger *observability.Logger
}

func New(s store.Storer, logger *observability.Logger) *Ledger {
	return &Ledger{store: s, locks: keylock.New(), logger: logger}
}

// WithCampaign runs fn as the single writer of campaignID inside one store
// transaction. Callers use it to move balances and the records they back atomically.
func (l *Ledger) WithCampaign(ctx context.Context, campaignID string, fn func(tx store.Tx) error) error {
	unlock := l.locks.Lock(campaignID)
	defer unlock()
	return l.store.WithTx(ctx, fn)
}

// Lock locks amount into the campaign's escrow, creating it on first use and
// topping it up afterwards.
func (l *Ledger) Lock(ctx context.Context, campaignID string, amount decimal.Decimal) (Balances, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: campaignID},
		observability.Field{Key: "amount", Value: amount.String()},
	)

	var escrow store.Escrow
	err := l.WithCampaign(ctx, campaignID, func(tx store.Tx) error {
		var err error
		escrow, err = LockTx(ctx, tx, campaignID, amount)
		return err
	})
	if err != nil {
		l.logger.Error(ctx, "failed to lock escrow", err)
		return Balances{}, err
	}
	return FromEscrow(escrow), nil
}

// Reserve moves amount from remaining into pending and returns the reservation id.
func (l *Ledger) Reserve(ctx context.Context, campaignID string, amount decimal.Decimal, reference string) (uuid.UUID, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: campaignID},
		observability.Field{Key: "amount", Value: amount.String()},
	)

	var reservation store.Reservation
	err := l.WithCampaign(ctx, campaignID, func(tx store.Tx) error {
		var err error
		reservation, _, err = ReserveTx(ctx, tx, campaignID, amount, reference)
		return err
	})
	if err != nil {
		if x402err.IsKind(err, x402err.KindInsufficientEscrow) {
			l.logger.Warn(ctx, "reservation exceeds remaining escrow")
		} else {
			l.logger.Error(ctx, "failed to reserve escrow", err)
		}
		return uuid.Nil, err
	}
	return reservation.ID, nil
}

// ReserveBatch reserves every amount or none of them.
func (l *Ledger) ReserveBatch(ctx context.Context, campaignID string, amounts []decimal.Decimal, reference string) ([]uuid.UUID, error) {
	var reservations []store.Reservation
	err := l.WithCampaign(ctx, campaignID, func(tx store.Tx) error {
		var err error
		reservations, err = ReserveBatchTx(ctx, tx, campaignID, amounts, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(reservations))
	for i, r := range reservations {
		ids[i] = r.ID
	}
	return ids, nil
}

// Commit settles a reservation (pending -> spent). Repeating it is a no-op.
func (l *Ledger) Commit(ctx context.Context, reservationID uuid.UUID) error {
	return l.resolve(ctx, reservationID, CommitTx)
}

// Release reverses a reservation (pending -> remaining). Repeating it is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID) error {
	return l.resolve(ctx, reservationID, ReleaseTx)
}

func (l *Ledger) resolve(ctx context.Context, reservationID uuid.UUID, fn func(context.Context, store.Tx, uuid.UUID) (store.Reservation, error)) error {
	ctx = observability.WithFields(ctx, observability.Field{Key: "reservation_id", Value: reservationID.String()})

	reservation, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return x402err.NotFound("reservation", reservationID.String())
		}
		l.logger.Error(ctx, "failed to get reservation", err)
		return fmt.Errorf("failed to get reservation: %w", err)
	}

	return l.WithCampaign(ctx, reservation.CampaignID, func(tx store.Tx) error {
		_, err := fn(ctx, tx, reservationID)
		return err
	})
}

// Balances reads all four balances in one statement.
func (l *Ledger) Balances(ctx context.Context, campaignID string) (Balances, error) {
	escrow, err := l.store.GetEscrow(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Balances{}, x402err.NotFound("campaign", campaignID)
		}
		l.logger.Error(ctx, "failed to get escrow", err)
		return Balances{}, fmt.Errorf("failed to get escrow: %w", err)
	}
	return FromEscrow(escrow), nil
}

// LockTx creates or tops up the escrow inside tx.
func LockTx(ctx context.Context, tx store.Tx, campaignID string, amount decimal.Decimal) (store.Escrow, error) {
	if err := money.ValidatePositive("amount", amount); err != nil {
		return store.Escrow{}, err
	}

	escrow, err := tx.GetEscrowForUpdate(ctx, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		escrow, err = tx.CreateEscrow(ctx, campaignID, amount)
		if err != nil {
			return store.Escrow{}, fmt.Errorf("failed to create escrow: %w", err)
		}
		return escrow, nil
	}
	if err != nil {
		return store.Escrow{}, fmt.Errorf("failed to lock escrow row: %w", err)
	}

	escrow.Budget = escrow.Budget.Add(amount)
	escrow.Locked = escrow.Locked.Add(amount)
	escrow.Remaining = escrow.Remaining.Add(amount)
	return writeEscrow(ctx, tx, escrow)
}

// ReserveTx reserves amount inside tx. It fails with an insufficient escrow
// error, before any write, when amount exceeds remaining.
func ReserveTx(ctx context.Context, tx store.Tx, campaignID string, amount decimal.Decimal, reference string) (store.Reservation, store.Escrow, error) {
	reservations, escrow, err := reserveTx(ctx, tx, campaignID, []decimal.Decimal{amount}, reference)
	if err != nil {
		return store.Reservation{}, store.Escrow{}, err
	}
	return reservations[0], escrow, nil
}

// ReserveBatchTx reserves every amount inside tx, checking the total first.
func ReserveBatchTx(ctx context.Context, tx store.Tx, campaignID string, amounts []decimal.Decimal, reference string) ([]store.Reservation, error) {
	reservations, _, err := reserveTx(ctx, tx, campaignID, amounts, reference)
	return reservations, err
}

func reserveTx(ctx context.Context, tx store.Tx, campaignID string, amounts []decimal.Decimal, reference string) ([]store.Reservation, store.Escrow, error) {
	if len(amounts) == 0 {
		return nil, store.Escrow{}, x402err.Validation("amount", "at least one amount is required")
	}
	for _, a := range amounts {
		if err := money.ValidatePositive("amount", a); err != nil {
			return nil, store.Escrow{}, err
		}
	}
	total := money.Sum(amounts...)

	escrow, err := tx.GetEscrowForUpdate(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.Escrow{}, x402err.NotFound("campaign", campaignID)
		}
		return nil, store.Escrow{}, fmt.Errorf("failed to lock escrow row: %w", err)
	}

	if total.GreaterThan(escrow.Remaining) {
		return nil, store.Escrow{}, x402err.InsufficientEscrow(campaignID, total.String(), escrow.Remaining.String())
	}

	escrow.Remaining = escrow.Remaining.Sub(total)
	escrow.Pending = escrow.Pending.Add(total)
	escrow, err = writeEscrow(ctx, tx, escrow)
	if err != nil {
		return nil, store.Escrow{}, err
	}

	reservations := make([]store.Reservation, 0, len(amounts))
	for _, a := range amounts {
		r, err := tx.CreateReservation(ctx, store.CreateReservationParams{
			CampaignID: campaignID,
			Amount:     a,
			Reference:  reference,
		})
		if err != nil {
			return nil, store.Escrow{}, fmt.Errorf("failed to create reservation: %w", err)
		}
		reservations = append(reservations, r)
	}
	return reservations, escrow, nil
}

// CommitTx settles a held reservation inside tx.
func CommitTx(ctx context.Context, tx store.Tx, reservationID uuid.UUID) (store.Reservation, error) {
	return resolveTx(ctx, tx, reservationID, store.ReservationStatusCommitted)
}

// ReleaseTx reverses a held reservation inside tx.
func ReleaseTx(ctx context.Context, tx store.Tx, reservationID uuid.UUID) (store.Reservation, error) {
	return resolveTx(ctx, tx, reservationID, store.ReservationStatusReleased)
}

func resolveTx(ctx context.Context, tx store.Tx, reservationID uuid.UUID, outcome string) (store.Reservation, error) {
	reservation, err := tx.GetReservationForUpdate(ctx, reservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Reservation{}, x402err.NotFound("reservation", reservationID.String())
		}
		return store.Reservation{}, fmt.Errorf("failed to lock reservation: %w", err)
	}

	switch reservation.Status {
	case outcome:
		return reservation, nil
	case store.ReservationStatusHeld:
	default:
		return store.Reservation{}, x402err.Campaign(x402err.CodeReservationResolved,
			fmt.Sprintf("reservation already %s", reservation.Status)).
			WithDetail("reservationId", reservationID.String())
	}

	escrow, err := tx.GetEscrowForUpdate(ctx, reservation.CampaignID)
	if err != nil {
		return store.Reservation{}, fmt.Errorf("failed to lock escrow row: %w", err)
	}

	escrow.Pending = escrow.Pending.Sub(reservation.Amount)
	if outcome == store.ReservationStatusCommitted {
		escrow.Spent = escrow.Spent.Add(reservation.Amount)
	} else {
		escrow.Remaining = escrow.Remaining.Add(reservation.Amount)
	}
	if _, err := writeEscrow(ctx, tx, escrow); err != nil {
		return store.Reservation{}, err
	}

	reservation, err = tx.ResolveReservation(ctx, reservationID, outcome)
	if err != nil {
		return store.Reservation{}, fmt.Errorf("failed to resolve reservation: %w", err)
	}
	return reservation, nil
}

func writeEscrow(ctx context.Context, tx store.Tx, escrow store.Escrow) (store.Escrow, error) {
	if err := CheckInvariant(FromEscrow(escrow)); err != nil {
		return store.Escrow{}, err
	}
	updated, err := tx.UpdateEscrow(ctx, escrow)
	if err != nil {
		return store.Escrow{}, fmt.Errorf("failed to update escrow: %w", err)
	}
	return updated, nil
}

// CheckInvariant verifies locked = spent + pending + remaining,
// spent + pending <= budget and that no balance is negative.
func CheckInvariant(b Balances) error {
	for _, v := range []decimal.Decimal{b.Budget, b.Locked, b.Spent, b.Pending, b.Remaining} {
		if v.IsNegative() {
			return fmt.Errorf("%w: negative balance in campaign %s", ErrInvariantViolated, b.CampaignID)
		}
	}
	if !b.Locked.Equal(money.Sum(b.Spent, b.Pending, b.Remaining)) {
		return fmt.Errorf("%w: locked %s != spent %s + pending %s + remaining %s",
			ErrInvariantViolated, b.Locked, b.Spent, b.Pending, b.Remaining)
	}
	if b.Spent.Add(b.Pending).GreaterThan(b.Budget) {
		return fmt.Errorf("%w: spent + pending exceeds budget in campaign %s", ErrInvariantViolated, b.CampaignID)
	}
	return nil
}
