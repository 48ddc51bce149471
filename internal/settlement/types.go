package settlement

import (
	"time"

	"x402-engine/internal/rules"
	"x402-engine/internal/store"

	"github.com/shopspring/decimal"
)

// TriggerEvent reports that a post met a trigger condition.
type TriggerEvent struct {
	CampaignID string
	PostID     string
	KOLWallet  string
	Proof      string
	Trigger    rules.Trigger
	Metric     decimal.NullDecimal
}

// PaymentConfig is an explicit payout request for one post.
type PaymentConfig struct {
	CampaignID string          `json:"campaignId" binding:"required"`
	KOLWallet  string          `json:"kolWallet" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	PostID     string          `json:"postId" binding:"required"`
	Proof      string          `json:"proof"`
}

type PaymentResponse struct {
	PaymentID     string          `json:"paymentId"`
	TxHash        string          `json:"txHash"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	KOLWallet     string          `json:"kolWallet"`
	Timestamp     string          `json:"timestamp"`
	State         string          `json:"state"`
	FailureReason string          `json:"failureReason,omitempty"`
}

func NewPaymentResponse(p store.PaymentRecord) PaymentResponse {
	return PaymentResponse{
		PaymentID:     p.ID.String(),
		TxHash:        p.TxHash,
		Status:        p.Status,
		Amount:        p.Amount,
		KOLWallet:     p.KOLWallet,
		Timestamp:     p.UpdatedAt.UTC().Format(time.RFC3339),
		State:         p.State,
		FailureReason: p.FailureReason,
	}
}

type BatchPayment struct {
	Wallet string          `json:"wallet" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type BatchSettleConfig struct {
	CampaignID string         `json:"campaignId" binding:"required"`
	Payments   []BatchPayment `json:"payments" binding:"required,min=1,dive"`
}

type BatchSettleResponse struct {
	BatchID       string          `json:"batchId"`
	TxHash        string          `json:"txHash"`
	Count         int             `json:"count"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Status        string          `json:"status"`
	Timestamp     string          `json:"timestamp"`
	State         string          `json:"state"`
	FailureReason string          `json:"failureReason,omitempty"`
}

func NewBatchSettleResponse(b store.BatchSettlement) BatchSettleResponse {
	return BatchSettleResponse{
		BatchID:       b.ID.String(),
		TxHash:        b.TxHash,
		Count:         b.Count,
		TotalAmount:   b.TotalAmount,
		Status:        b.Status,
		Timestamp:     b.UpdatedAt.UTC().Format(time.RFC3339),
		State:         b.State,
		FailureReason: b.FailureReason,
	}
}

// Confirmation is an inbound, out-of-band transfer status update. It only
// prompts a status check; tx hash and count come from the transfer service.
type Confirmation struct {
	SubmissionID string `json:"submissionId" binding:"required"`
	Status       string `json:"status" binding:"required,oneof=pending confirmed failed"`
	TxHash       string `json:"txHash"`
	Count        int    `json:"count"`
	Reason       string `json:"reason"`
}
