package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const campaignColumns = `id, budget, currency, duration_days, status, posts_paid, created_at, ends_at, updated_at, archived_at`

const sqlCreateCampaign = `
INSERT INTO campaigns (id, budget, currency, duration_days, status, created_at, ends_at, updated_at)
VALUES ($1, $2, $3, $4, 'active', $5, $6, $5)
RETURNING ` + campaignColumns

const sqlGetCampaign = `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

const sqlGetCampaignForUpdate = sqlGetCampaign + ` FOR UPDATE`

const sqlUpdateCampaignStatus = `
UPDATE campaigns SET status = $2, updated_at = NOW()
WHERE id = $1
RETURNING ` + campaignColumns

const sqlArchiveCampaign = `
UPDATE campaigns SET archived_at = NOW(), updated_at = NOW()
WHERE id = $1
RETURNING ` + campaignColumns

const sqlIncrementPostsPaid = `
UPDATE campaigns SET posts_paid = posts_paid + $2, updated_at = NOW()
WHERE id = $1
`

const sqlCreatePaymentRule = `
INSERT INTO payment_rules (campaign_id, position, trigger, pay_amount, threshold)
VALUES (:campaign_id, :position, :trigger, :pay_amount, :threshold)
`

const sqlGetPaymentRules = `
SELECT campaign_id, position, trigger, pay_amount, threshold
FROM payment_rules
WHERE campaign_id = $1
ORDER BY position
`

// GetCampaign retrieves a campaign by ID
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	return getCampaign(ctx, s.db, sqlGetCampaign, campaignID)
}

// GetPaymentRules retrieves a campaign's rules in declaration order
func (s *Store) GetPaymentRules(ctx context.Context, campaignID string) ([]PaymentRule, error) {
	var rules []PaymentRule
	err := s.db.SelectContext(ctx, &rules, sqlGetPaymentRules, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment rules: %w", err)
	}
	return rules, nil
}

// CreateCampaign inserts the campaign row. A duplicate id returns ErrConflict.
func (t *pgTx) CreateCampaign(ctx context.Context, params CreateCampaignParams) (Campaign, error) {
	var campaign Campaign
	err := t.tx.GetContext(ctx, &campaign, sqlCreateCampaign,
		params.ID,
		params.Budget,
		params.Currency,
		params.DurationDays,
		params.CreatedAt,
		params.EndsAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Campaign{}, ErrConflict
		}
		return Campaign{}, fmt.Errorf("failed to create campaign: %w", err)
	}
	return campaign, nil
}

// GetCampaignForUpdate retrieves and locks a campaign row
func (t *pgTx) GetCampaignForUpdate(ctx context.Context, campaignID string) (Campaign, error) {
	return getCampaign(ctx, t.tx, sqlGetCampaignForUpdate, campaignID)
}

// UpdateCampaignStatus sets the campaign status
func (t *pgTx) UpdateCampaignStatus(ctx context.Context, campaignID, status string) (Campaign, error) {
	return getCampaign(ctx, t.tx, sqlUpdateCampaignStatus, campaignID, status)
}

// ArchiveCampaign stamps archived_at
func (t *pgTx) ArchiveCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	return getCampaign(ctx, t.tx, sqlArchiveCampaign, campaignID)
}

// IncrementPostsPaid bumps the paid post counter
func (t *pgTx) IncrementPostsPaid(ctx context.Context, campaignID string, n int) error {
	res, err := t.tx.ExecContext(ctx, sqlIncrementPostsPaid, campaignID, n)
	if err != nil {
		return fmt.Errorf("failed to increment posts paid: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePaymentRules inserts rules keeping their declaration position
func (t *pgTx) CreatePaymentRules(ctx context.Context, campaignID string, rules []PaymentRule) error {
	for i := range rules {
		rules[i].CampaignID = campaignID
		rules[i].Position = i
	}
	if _, err := t.tx.NamedExecContext(ctx, sqlCreatePaymentRule, rules); err != nil {
		return fmt.Errorf("failed to create payment rules: %w", err)
	}
	return nil
}

func getCampaign(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (Campaign, error) {
	var campaign Campaign
	err := sqlx.GetContext(ctx, q, &campaign, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, fmt.Errorf("failed to get campaign: %w", err)
	}
	return campaign, nil
}
