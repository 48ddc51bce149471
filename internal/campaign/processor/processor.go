package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"x402-engine/internal/events"
	"x402-engine/internal/ledger"
	"x402-engine/internal/money"
	"x402-engine/internal/observability"
	"x402-engine/internal/rules"
	"x402-engine/internal/settlement"
	"x402-engine/internal/store"
	"x402-engine/internal/x402err"

	"github.com/shopspring/decimal"
)

const maxDurationDays = 3650

// RuleConfig is one payment rule as the SDK sends it.
type RuleConfig struct {
	Trigger   string              `json:"trigger" binding:"required"`
	PayAmount decimal.Decimal     `json:"payAmount"`
	Threshold decimal.NullDecimal `json:"threshold"`
}

// CampaignConfig creates a campaign and locks its budget.
type CampaignConfig struct {
	CampaignID   string          `json:"campaignId" binding:"required,max=128"`
	Budget       decimal.Decimal `json:"budget"`
	Currency     string          `json:"currency" binding:"required"`
	PaymentRules []RuleConfig    `json:"paymentRules" binding:"required,min=1,dive"`
	// Duration is in days.
	Duration int `json:"duration" binding:"required,gt=0"`
}

// CampaignStatus is always built from the ledger's current balances.
type CampaignStatus struct {
	CampaignID string          `json:"campaignId"`
	Locked     decimal.Decimal `json:"locked"`
	Spent      decimal.Decimal `json:"spent"`
	Pending    decimal.Decimal `json:"pending"`
	PostsPaid  int             `json:"postsPaid"`
	Remaining  decimal.Decimal `json:"remaining"`
	Status     string          `json:"status"`
	CreatedAt  string          `json:"createdAt"`
	EndsAt     string          `json:"endsAt"`
}

func newCampaignStatus(c store.Campaign, b ledger.Balances) CampaignStatus {
	return CampaignStatus{
		CampaignID: c.ID,
		Locked:     b.Locked,
		Spent:      b.Spent,
		Pending:    b.Pending,
		PostsPaid:  c.PostsPaid,
		Remaining:  b.Remaining,
		Status:     c.Status,
		CreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339),
		EndsAt:     c.EndsAt.UTC().Format(time.RFC3339),
	}
}

type CampaignProcessor struct {
	store   store.Storer
	ledger  *ledger.Ledger
	emitter events.Emitter
	logger  *observability.Logger
	now     func() time.Time
}

func New(s store.Storer, l *ledger.Ledger, emitter events.Emitter, logger *observability.Logger) *CampaignProcessor {
	return &CampaignProcessor{
		store:   s,
		ledger:  l,
		emitter: emitter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the processor's time source.
func (p *CampaignProcessor) SetClock(now func() time.Time) {
	p.now = now
}

// CreateCampaign stores the campaign, its rules and the escrow lock in one
// transaction. If the lock fails nothing is left behind.
func (p *CampaignProcessor) CreateCampaign(ctx context.Context, cfg CampaignConfig) (CampaignStatus, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: cfg.CampaignID})

	ruleSet, err := validateConfig(cfg)
	if err != nil {
		return CampaignStatus{}, err
	}

	now := p.now()
	var (
		campaign store.Campaign
		escrow   store.Escrow
	)
	err = p.ledger.WithCampaign(ctx, cfg.CampaignID, func(tx store.Tx) error {
		campaign, err = tx.CreateCampaign(ctx, store.CreateCampaignParams{
			ID:           cfg.CampaignID,
			Budget:       cfg.Budget,
			Currency:     cfg.Currency,
			DurationDays: cfg.Duration,
			CreatedAt:    now,
			EndsAt:       now.AddDate(0, 0, cfg.Duration),
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return x402err.Campaign(x402err.CodeCampaignExists, "campaign already exists").
					WithDetail("campaignId", cfg.CampaignID)
			}
			return fmt.Errorf("failed to create campaign: %w", err)
		}
		if err := tx.CreatePaymentRules(ctx, cfg.CampaignID, rules.ToStore(ruleSet)); err != nil {
			return fmt.Errorf("failed to create payment rules: %w", err)
		}
		escrow, err = ledger.LockTx(ctx, tx, cfg.CampaignID, cfg.Budget)
		return err
	})
	if err != nil {
		if _, ok := x402err.As(err); ok {
			p.logger.Warn(ctx, fmt.Sprintf("campaign not created: %v", err))
		} else {
			p.logger.Error(ctx, "failed to create campaign", err)
		}
		return CampaignStatus{}, err
	}

	status := newCampaignStatus(campaign, ledger.FromEscrow(escrow))

	ruleData := make([]map[string]interface{}, len(ruleSet))
	for i, r := range ruleSet {
		ruleData[i] = map[string]interface{}{"trigger": r.Trigger, "payAmount": r.PayAmount}
		if r.Threshold.Valid {
			ruleData[i]["threshold"] = r.Threshold.Decimal
		}
	}
	p.emitter.Emit(ctx, events.CampaignCreated, campaign.ID, map[string]interface{}{
		"campaignId":   campaign.ID,
		"budget":       campaign.Budget,
		"currency":     campaign.Currency,
		"duration":     campaign.DurationDays,
		"paymentRules": ruleData,
		"createdAt":    status.CreatedAt,
		"endsAt":       status.EndsAt,
	})
	p.logger.Info(ctx, "campaign created")
	return status, nil
}

func validateConfig(cfg CampaignConfig) ([]rules.Rule, error) {
	if cfg.CampaignID == "" {
		return nil, x402err.Validation("campaignId", "campaignId is required")
	}
	if err := money.ValidatePositive("budget", cfg.Budget); err != nil {
		return nil, err
	}
	if err := money.ValidateCurrency(cfg.Currency); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 || cfg.Duration > maxDurationDays {
		return nil, x402err.Validation("duration", fmt.Sprintf("duration must be between 1 and %d days", maxDurationDays))
	}

	ruleSet := make([]rules.Rule, len(cfg.PaymentRules))
	for i, rc := range cfg.PaymentRules {
		ruleSet[i] = rules.Rule{Trigger: rules.Trigger(rc.Trigger), PayAmount: rc.PayAmount, Threshold: rc.Threshold}
	}
	if err := rules.Validate(ruleSet, cfg.Budget); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

// GetStatus aggregates the campaign's status from the ledger on every call.
func (p *CampaignProcessor) GetStatus(ctx context.Context, campaignID string) (CampaignStatus, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: campaignID})

	campaign, err := p.getCampaign(ctx, campaignID)
	if err != nil {
		return CampaignStatus{}, err
	}
	balances, err := p.ledger.Balances(ctx, campaignID)
	if err != nil {
		return CampaignStatus{}, err
	}
	return newCampaignStatus(campaign, balances), nil
}

// PauseCampaign stops new payments. In-flight settlements still resolve.
func (p *CampaignProcessor) PauseCampaign(ctx context.Context, campaignID string) (CampaignStatus, error) {
	return p.transition(ctx, campaignID, "pause", func(c store.Campaign, _ store.Escrow) (string, error) {
		switch c.Status {
		case store.CampaignStatusActive, store.CampaignStatusPaused:
			return store.CampaignStatusPaused, nil
		}
		return "", invalidTransition(c, "pause")
	})
}

func (p *CampaignProcessor) ResumeCampaign(ctx context.Context, campaignID string) (CampaignStatus, error) {
	return p.transition(ctx, campaignID, "resume", func(c store.Campaign, _ store.Escrow) (string, error) {
		switch c.Status {
		case store.CampaignStatusPaused, store.CampaignStatusActive:
			if !p.now().Before(c.EndsAt) {
				return "", x402err.Campaign(x402err.CodeInvalidTransition, "campaign has ended").
					WithDetail("campaignId", c.ID)
			}
			return store.CampaignStatusActive, nil
		}
		return "", invalidTransition(c, "resume")
	})
}

// CompleteCampaign closes the campaign. It is refused while any reservation
// is still pending.
func (p *CampaignProcessor) CompleteCampaign(ctx context.Context, campaignID string) (CampaignStatus, error) {
	return p.transition(ctx, campaignID, "complete", func(c store.Campaign, e store.Escrow) (string, error) {
		if e.Pending.IsPositive() {
			return "", x402err.Campaign(x402err.CodePendingSettlements, "campaign has settlements in flight").
				WithDetail("campaignId", c.ID).
				WithDetail("pending", e.Pending)
		}
		return store.CampaignStatusCompleted, nil
	})
}

func (p *CampaignProcessor) transition(ctx context.Context, campaignID, action string, next func(store.Campaign, store.Escrow) (string, error)) (CampaignStatus, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: campaignID},
		observability.Field{Key: "action", Value: action},
	)

	var (
		campaign store.Campaign
		escrow   store.Escrow
	)
	err := p.ledger.WithCampaign(ctx, campaignID, func(tx store.Tx) error {
		var err error
		campaign, err = tx.GetCampaignForUpdate(ctx, campaignID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return x402err.NotFound("campaign", campaignID)
			}
			return fmt.Errorf("failed to lock campaign: %w", err)
		}
		escrow, err = tx.GetEscrowForUpdate(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("failed to lock escrow: %w", err)
		}
		if campaign.ArchivedAt != nil {
			return invalidTransition(campaign, action)
		}

		status, err := next(campaign, escrow)
		if err != nil {
			return err
		}
		if status == campaign.Status {
			return nil
		}
		campaign, err = tx.UpdateCampaignStatus(ctx, campaignID, status)
		if err != nil {
			return fmt.Errorf("failed to update campaign status: %w", err)
		}
		return nil
	})
	if err != nil {
		if _, ok := x402err.As(err); ok {
			p.logger.Warn(ctx, fmt.Sprintf("campaign transition refused: %v", err))
		} else {
			p.logger.Error(ctx, "failed to transition campaign", err)
		}
		return CampaignStatus{}, err
	}

	p.logger.Info(ctx, fmt.Sprintf("campaign is %s", campaign.Status))
	return newCampaignStatus(campaign, ledger.FromEscrow(escrow)), nil
}

// TopUpCampaign locks additional budget into the escrow.
func (p *CampaignProcessor) TopUpCampaign(ctx context.Context, campaignID string, amount decimal.Decimal) (CampaignStatus, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: campaignID},
		observability.Field{Key: "amount", Value: amount.String()},
	)
	if err := money.ValidatePositive("amount", amount); err != nil {
		return CampaignStatus{}, err
	}

	var (
		campaign store.Campaign
		escrow   store.Escrow
	)
	err := p.ledger.WithCampaign(ctx, campaignID, func(tx store.Tx) error {
		var err error
		campaign, err = tx.GetCampaignForUpdate(ctx, campaignID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return x402err.NotFound("campaign", campaignID)
			}
			return fmt.Errorf("failed to lock campaign: %w", err)
		}
		if campaign.Status == store.CampaignStatusCompleted || campaign.ArchivedAt != nil {
			return invalidTransition(campaign, "top up")
		}
		escrow, err = ledger.LockTx(ctx, tx, campaignID, amount)
		return err
	})
	if err != nil {
		if _, ok := x402err.As(err); ok {
			p.logger.Warn(ctx, fmt.Sprintf("top up refused: %v", err))
		} else {
			p.logger.Error(ctx, "failed to top up campaign", err)
		}
		return CampaignStatus{}, err
	}

	p.logger.Info(ctx, "campaign topped up")
	return newCampaignStatus(campaign, ledger.FromEscrow(escrow)), nil
}

// ArchiveCampaign hides a completed campaign. Archiving twice is a no-op.
func (p *CampaignProcessor) ArchiveCampaign(ctx context.Context, campaignID string) (CampaignStatus, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: campaignID})

	var (
		campaign store.Campaign
		escrow   store.Escrow
	)
	err := p.ledger.WithCampaign(ctx, campaignID, func(tx store.Tx) error {
		var err error
		campaign, err = tx.GetCampaignForUpdate(ctx, campaignID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return x402err.NotFound("campaign", campaignID)
			}
			return fmt.Errorf("failed to lock campaign: %w", err)
		}
		escrow, err = tx.GetEscrowForUpdate(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("failed to lock escrow: %w", err)
		}
		if campaign.ArchivedAt != nil {
			return nil
		}
		if campaign.Status != store.CampaignStatusCompleted || escrow.Pending.IsPositive() {
			return invalidTransition(campaign, "archive")
		}
		campaign, err = tx.ArchiveCampaign(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("failed to archive campaign: %w", err)
		}
		return nil
	})
	if err != nil {
		if _, ok := x402err.As(err); ok {
			p.logger.Warn(ctx, fmt.Sprintf("archive refused: %v", err))
		} else {
			p.logger.Error(ctx, "failed to archive campaign", err)
		}
		return CampaignStatus{}, err
	}

	p.logger.Info(ctx, "campaign archived")
	return newCampaignStatus(campaign, ledger.FromEscrow(escrow)), nil
}

// ListPayments pages through the campaign's payment records, newest first.
func (p *CampaignProcessor) ListPayments(ctx context.Context, campaignID string, limit, offset int) ([]settlement.PaymentResponse, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: campaignID})

	if _, err := p.getCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	records, err := p.store.ListPaymentRecords(ctx, campaignID, limit, offset)
	if err != nil {
		p.logger.Error(ctx, "failed to list payment records", err)
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}

	out := make([]settlement.PaymentResponse, len(records))
	for i, r := range records {
		out[i] = settlement.NewPaymentResponse(r)
	}
	return out, nil
}

func (p *CampaignProcessor) getCampaign(ctx context.Context, campaignID string) (store.Campaign, error) {
	campaign, err := p.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Campaign{}, x402err.NotFound("campaign", campaignID)
		}
		p.logger.Error(ctx, "failed to get campaign", err)
		return store.Campaign{}, fmt.Errorf("failed to get campaign: %w", err)
	}
	return campaign, nil
}

func invalidTransition(c store.Campaign, action string) error {
	state := c.Status
	if c.ArchivedAt != nil {
		state = "archived"
	}
	return x402err.Campaign(x402err.CodeInvalidTransition, fmt.Sprintf("cannot %s a campaign that is %s", action, state)).
		WithDetail("campaignId", c.ID).
		WithDetail("status", state)
}
