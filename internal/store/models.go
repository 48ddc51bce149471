package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StringArray is a custom type for PostgreSQL text[] arrays
type StringArray []string

// Value implements the driver.Valuer interface for StringArray
func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	// PostgreSQL array format: {item1,item2,item3}
	return "{" + strings.Join(a, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for StringArray
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var str string
	switch v := value.(type) {
	case []byte:
		str = string(v)
	case string:
		str = v
	default:
		return fmt.Errorf("unsupported type for StringArray: %T", value)
	}

	str = strings.Trim(str, "{}")
	if str == "" {
		*a = []string{}
		return nil
	}

	*a = strings.Split(str, ",")
	return nil
}

// BatchEntry is one payout inside a batch settlement.
type BatchEntry struct {
	Wallet string          `json:"wallet"`
	Amount decimal.Decimal `json:"amount"`
}

// BatchEntries is stored as JSONB in declaration order.
type BatchEntries []BatchEntry

// Value implements the driver.Valuer interface for BatchEntries
func (b BatchEntries) Value() (driver.Value, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b)
}

// Scan implements the sql.Scanner interface for BatchEntries
func (b *BatchEntries) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*b = nil
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("incompatible type for BatchEntries")
	}
	return json.Unmarshal(bytes, b)
}

// Campaign is an escrow-backed KOL campaign.
type Campaign struct {
	ID           string          `db:"id"`
	Budget       decimal.Decimal `db:"budget"`
	Currency     string          `db:"currency"`
	DurationDays int             `db:"duration_days"`
	Status       string          `db:"status"`
	PostsPaid    int             `db:"posts_paid"`
	CreatedAt    time.Time       `db:"created_at"`
	EndsAt       time.Time       `db:"ends_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	ArchivedAt   *time.Time      `db:"archived_at"`
}

// PaymentRule is stored with its declaration position.
type PaymentRule struct {
	CampaignID string              `db:"campaign_id"`
	Position   int                 `db:"position"`
	Trigger    string              `db:"trigger"`
	PayAmount  decimal.Decimal     `db:"pay_amount"`
	Threshold  decimal.NullDecimal `db:"threshold"`
}

// Escrow holds the four ledger balances of a campaign.
type Escrow struct {
	CampaignID string          `db:"campaign_id"`
	Budget     decimal.Decimal `db:"budget"`
	Locked     decimal.Decimal `db:"locked"`
	Spent      decimal.Decimal `db:"spent"`
	Pending    decimal.Decimal `db:"pending"`
	Remaining  decimal.Decimal `db:"remaining"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Reservation is a provisional debit from remaining into pending.
type Reservation struct {
	ID         uuid.UUID       `db:"id"`
	CampaignID string          `db:"campaign_id"`
	Amount     decimal.Decimal `db:"amount"`
	Status     string          `db:"status"`
	Reference  string          `db:"reference"`
	CreatedAt  time.Time       `db:"created_at"`
	ResolvedAt *time.Time      `db:"resolved_at"`
}

// PaymentRecord is one payout line item of a campaign.
type PaymentRecord struct {
	ID                  uuid.UUID       `db:"id"`
	CampaignID          string          `db:"campaign_id"`
	PostID              string          `db:"post_id"`
	Trigger             string          `db:"trigger"`
	KOLWallet           string          `db:"kol_wallet"`
	Amount              decimal.Decimal `db:"amount"`
	Proof               string          `db:"proof"`
	Status              string          `db:"status"`
	State               string          `db:"state"`
	FailureReason       string          `db:"failure_reason"`
	ReservationID       uuid.UUID       `db:"reservation_id"`
	BatchID             uuid.NullUUID   `db:"batch_id"`
	SubmissionID        string          `db:"submission_id"`
	TxHash              string          `db:"tx_hash"`
	FraudScore          float64         `db:"fraud_score"`
	FraudRisk           string          `db:"fraud_risk"`
	FraudRecommendation string          `db:"fraud_recommendation"`
	FraudFlags          StringArray     `db:"fraud_flags"`
	Attempts            int             `db:"attempts"`
	BroadcastAt         *time.Time      `db:"broadcast_at"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

// BatchSettlement settles an ordered set of payouts as one unit.
type BatchSettlement struct {
	ID            uuid.UUID       `db:"id"`
	CampaignID    string          `db:"campaign_id"`
	Entries       BatchEntries    `db:"entries"`
	Count         int             `db:"count"`
	TotalAmount   decimal.Decimal `db:"total_amount"`
	Status        string          `db:"status"`
	State         string          `db:"state"`
	FailureReason string          `db:"failure_reason"`
	SubmissionID  string          `db:"submission_id"`
	TxHash        string          `db:"tx_hash"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
	ResolvedAt    *time.Time      `db:"resolved_at"`
}

// Reputation is the per-wallet aggregate kept by the fraud scorer.
type Reputation struct {
	Wallet         string          `db:"wallet"`
	Earnings       decimal.Decimal `db:"earnings"`
	Reliability    float64         `db:"reliability"`
	Badges         StringArray     `db:"badges"`
	FraudScore     float64         `db:"fraud_score"`
	TotalPayments  int             `db:"total_payments"`
	OnTimePayments int             `db:"on_time_payments"`
	FailedPayments int             `db:"failed_payments"`
	Disputes       int             `db:"disputes"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// ReputationEvent is one resolved outcome for a wallet.
type ReputationEvent struct {
	ID        uuid.UUID       `db:"id"`
	Wallet    string          `db:"wallet"`
	Outcome   string          `db:"outcome"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

// Webhook is a subscription to an engine event.
type Webhook struct {
	ID        uuid.UUID `db:"id"`
	Event     string    `db:"event"`
	URL       string    `db:"url"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CreateCampaignParams represents parameters for creating a campaign
type CreateCampaignParams struct {
	ID           string
	Budget       decimal.Decimal
	Currency     string
	DurationDays int
	CreatedAt    time.Time
	EndsAt       time.Time
}

// CreateReservationParams represents parameters for creating a reservation
type CreateReservationParams struct {
	CampaignID string
	Amount     decimal.Decimal
	Reference  string
}

// CreatePaymentRecordParams represents parameters for creating a payment record
type CreatePaymentRecordParams struct {
	CampaignID    string
	PostID        string
	Trigger       string
	KOLWallet     string
	Amount        decimal.Decimal
	Proof         string
	State         string
	ReservationID uuid.UUID
	BatchID       uuid.NullUUID
}

// CreateBatchSettlementParams represents parameters for creating a batch settlement
type CreateBatchSettlementParams struct {
	ID          uuid.UUID
	CampaignID  string
	Entries     BatchEntries
	TotalAmount decimal.Decimal
}

// CreateReputationEventParams represents parameters for recording a reputation outcome
type CreateReputationEventParams struct {
	Wallet  string
	Outcome string
	Amount  decimal.Decimal
}

// CreateWebhookParams represents parameters for creating a webhook
type CreateWebhookParams struct {
	Event  string
	URL    string
	Active bool
}
