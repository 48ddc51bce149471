package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Storer defines the read side of the store plus the transaction entry point.
// Every write goes through Tx so that balances and the records they back move
// together.
type Storer interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error

	// Campaign operations
	GetCampaign(ctx context.Context, campaignID string) (Campaign, error)
	GetPaymentRules(ctx context.Context, campaignID string) ([]PaymentRule, error)
	GetEscrow(ctx context.Context, campaignID string) (Escrow, error)

	// Reservation operations
	GetReservation(ctx context.Context, reservationID uuid.UUID) (Reservation, error)

	// Payment record operations
	GetPaymentRecord(ctx context.Context, paymentID uuid.UUID) (PaymentRecord, error)
	FindPaymentRecord(ctx context.Context, campaignID, postID, trigger string) (PaymentRecord, error)
	GetPaymentRecordBySubmission(ctx context.Context, submissionID string) (PaymentRecord, error)
	ListPaymentRecords(ctx context.Context, campaignID string, limit, offset int) ([]PaymentRecord, error)
	ListPaymentRecordsByState(ctx context.Context, state string, limit int) ([]PaymentRecord, error)
	ListPaymentRecordsByBatch(ctx context.Context, batchID uuid.UUID) ([]PaymentRecord, error)
	CountPaymentRecordsForWallet(ctx context.Context, wallet string, since time.Time) (int, error)

	// Batch settlement operations
	GetBatchSettlement(ctx context.Context, batchID uuid.UUID) (BatchSettlement, error)
	GetBatchSettlementBySubmission(ctx context.Context, submissionID string) (BatchSettlement, error)
	ListBatchSettlementsByState(ctx context.Context, state string, limit int) ([]BatchSettlement, error)

	// Reputation operations
	GetReputation(ctx context.Context, wallet string) (Reputation, error)
	CountReputationEvents(ctx context.Context, wallet string, outcomes []string, since time.Time) (int, error)

	// Webhook operations
	CreateWebhook(ctx context.Context, params CreateWebhookParams) (Webhook, error)
	GetWebhook(ctx context.Context, webhookID uuid.UUID) (Webhook, error)
	ListWebhooks(ctx context.Context) ([]Webhook, error)
	UpdateWebhookActive(ctx context.Context, webhookID uuid.UUID, active bool) (Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID uuid.UUID) error
}

// Tx is the write side of the store, valid only inside Storer.WithTx.
// ForUpdate reads lock the row until the transaction ends.
type Tx interface {
	// Campaign operations
	CreateCampaign(ctx context.Context, params CreateCampaignParams) (Campaign, error)
	GetCampaignForUpdate(ctx context.Context, campaignID string) (Campaign, error)
	UpdateCampaignStatus(ctx context.Context, campaignID, status string) (Campaign, error)
	ArchiveCampaign(ctx context.Context, campaignID string) (Campaign, error)
	IncrementPostsPaid(ctx context.Context, campaignID string, n int) error
	CreatePaymentRules(ctx context.Context, campaignID string, rules []PaymentRule) error

	// Escrow operations
	CreateEscrow(ctx context.Context, campaignID string, amount decimal.Decimal) (Escrow, error)
	GetEscrowForUpdate(ctx context.Context, campaignID string) (Escrow, error)
	UpdateEscrow(ctx context.Context, escrow Escrow) (Escrow, error)

	// Reservation operations
	CreateReservation(ctx context.Context, params CreateReservationParams) (Reservation, error)
	GetReservationForUpdate(ctx context.Context, reservationID uuid.UUID) (Reservation, error)
	ResolveReservation(ctx context.Context, reservationID uuid.UUID, status string) (Reservation, error)

	// Payment record operations
	CreatePaymentRecord(ctx context.Context, params CreatePaymentRecordParams) (PaymentRecord, error)
	GetPaymentRecordForUpdate(ctx context.Context, paymentID uuid.UUID) (PaymentRecord, error)
	UpdatePaymentRecord(ctx context.Context, record PaymentRecord) (PaymentRecord, error)
	ListPaymentRecordsByBatchForUpdate(ctx context.Context, batchID uuid.UUID) ([]PaymentRecord, error)

	// Batch settlement operations
	CreateBatchSettlement(ctx context.Context, params CreateBatchSettlementParams) (BatchSettlement, error)
	GetBatchSettlementForUpdate(ctx context.Context, batchID uuid.UUID) (BatchSettlement, error)
	UpdateBatchSettlement(ctx context.Context, batch BatchSettlement) (BatchSettlement, error)

	// Reputation operations
	GetReputationForUpdate(ctx context.Context, wallet string) (Reputation, error)
	SaveReputation(ctx context.Context, reputation Reputation) (Reputation, error)
	CreateReputationEvent(ctx context.Context, params CreateReputationEventParams) (ReputationEvent, error)
}

var (
	_ Storer = (*Store)(nil)
	_ Tx     = (*pgTx)(nil)
)
