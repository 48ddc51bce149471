// Package transfer is the boundary to the external funds-transfer service.
package transfer

//go:generate go run go.uber.org/mock/mockgen@latest -source=transfer.go -destination=mock_client.go -package=transfer

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks failures that may succeed when retried with the same key.
	ErrTransient = errors.New("transient transfer failure")
	// ErrRejected marks an explicit refusal. Retrying will not help.
	ErrRejected = errors.New("transfer rejected")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Entry is one payout inside a submission.
type Entry struct {
	Wallet string          `json:"wallet"`
	Amount decimal.Decimal `json:"amount"`
}

// Result is the service's view of a submission.
type Result struct {
	SubmissionID string `json:"id"`
	Status       Status `json:"status"`
	TxHash       string `json:"txHash"`
	// EntryCount is how many entries the service settled.
	EntryCount int    `json:"count"`
	Reason     string `json:"reason,omitempty"`
}

// Client submits transfers and reports their status. Submit must be
// idempotent per key: resubmitting a key returns the original submission.
type Client interface {
	Submit(ctx context.Context, key string, entries []Entry) (string, error)
	Status(ctx context.Context, submissionID string) (Result, error)
}
