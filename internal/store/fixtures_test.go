package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Fixtures provides factory functions for creating test data.
// All factory methods use testify/require to fail fast on errors.
type Fixtures struct {
	t      *testing.T
	testDB *TestDB
	ctx    context.Context
}

// NewFixtures creates a new Fixtures instance for test data generation.
func NewFixtures(t *testing.T, testDB *TestDB) *Fixtures {
	t.Helper()
	return &Fixtures{
		t:      t,
		testDB: testDB,
		ctx:    context.Background(),
	}
}

// CampaignOpts customizes campaign creation.
type CampaignOpts struct {
	ID     string
	Budget decimal.Decimal
}

// CreateCampaign creates a campaign with one post_verified rule and its escrow.
func (f *Fixtures) CreateCampaign(opts ...func(*CampaignOpts)) Campaign {
	f.t.Helper()
	o := CampaignOpts{
		ID:     "cmp-" + uuid.New().String()[:8],
		Budget: decimal.NewFromInt(1000),
	}
	for _, fn := range opts {
		fn(&o)
	}

	now := time.Now().UTC()
	var campaign Campaign
	err := f.testDB.Store.WithTx(f.ctx, func(tx Tx) error {
		var err error
		campaign, err = tx.CreateCampaign(f.ctx, CreateCampaignParams{
			ID:           o.ID,
			Budget:       o.Budget,
			Currency:     "USDC",
			DurationDays: 30,
			CreatedAt:    now,
			EndsAt:       now.AddDate(0, 0, 30),
		})
		if err != nil {
			return err
		}
		if err := tx.CreatePaymentRules(f.ctx, o.ID, []PaymentRule{
			{Trigger: "post_verified", PayAmount: decimal.NewFromInt(50)},
		}); err != nil {
			return err
		}
		_, err = tx.CreateEscrow(f.ctx, o.ID, o.Budget)
		return err
	})
	require.NoError(f.t, err, "failed to create test campaign")
	return campaign
}

// CreateReservation reserves amount against the campaign without touching balances.
func (f *Fixtures) CreateReservation(campaignID string, amount decimal.Decimal) Reservation {
	f.t.Helper()
	var reservation Reservation
	err := f.testDB.Store.WithTx(f.ctx, func(tx Tx) error {
		var err error
		reservation, err = tx.CreateReservation(f.ctx, CreateReservationParams{
			CampaignID: campaignID,
			Amount:     amount,
			Reference:  "fixture",
		})
		return err
	})
	require.NoError(f.t, err, "failed to create test reservation")
	return reservation
}
