// Package x402err holds the engine's error taxonomy. Every error that reaches
// an API caller is an *Error carrying a machine-readable code, a message, optional
// structured details and whether the caller may resubmit.
package x402err

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindX402               Kind = "x402_error"
	KindInsufficientEscrow Kind = "insufficient_escrow"
	KindPayment            Kind = "payment_error"
	KindCampaign           Kind = "campaign_error"
)

const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeInsufficientEscrow  = "INSUFFICIENT_ESCROW"
	CodeFraudBlocked        = "FRAUD_BLOCKED"
	CodeDuplicatePayment    = "DUPLICATE_PAYMENT"
	CodeTransferRejected    = "TRANSFER_REJECTED"
	CodeTransferFailed      = "TRANSFER_FAILED"
	CodeBatchMismatch       = "BATCH_ENTRY_MISMATCH"
	CodeInvalidTransition   = "INVALID_STATE_TRANSITION"
	CodeCampaignNotActive   = "CAMPAIGN_NOT_ACTIVE"
	CodeCampaignExists      = "CAMPAIGN_EXISTS"
	CodePendingSettlements  = "PENDING_SETTLEMENTS"
	CodeReservationResolved = "RESERVATION_RESOLVED"
	CodeBroadcastInProgress = "BROADCAST_IN_PROGRESS"
)

// Error is the structured engine error.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	Details       map[string]interface{}
	Resubmittable bool
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and code so callers can compare against
// template values such as ErrFraudBlocked.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Wrap returns a copy of e carrying err as its cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

var (
	ErrFraudBlocked     = &Error{Kind: KindX402, Code: CodeFraudBlocked, Message: "payment blocked by fraud check"}
	ErrDuplicatePayment = &Error{Kind: KindX402, Code: CodeDuplicatePayment, Message: "payment already exists for this post and trigger"}
)

// Validation creates a validation X402Error for a bad input field.
func Validation(field, message string) *Error {
	return &Error{
		Kind:    KindX402,
		Code:    CodeValidation,
		Message: message,
		Details: map[string]interface{}{"field": field},
	}
}

// NotFound creates an X402Error for a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindX402,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]interface{}{"resource": resource, "id": id},
	}
}

// InsufficientEscrow reports a reservation larger than the remaining balance.
// Callers recover by lowering the amount or topping up, so it is resubmittable.
func InsufficientEscrow(campaignID, requested, remaining string) *Error {
	return &Error{
		Kind:    KindInsufficientEscrow,
		Code:    CodeInsufficientEscrow,
		Message: "requested amount exceeds remaining escrow",
		Details: map[string]interface{}{
			"campaignId": campaignID,
			"requested":  requested,
			"remaining":  remaining,
		},
		Resubmittable: true,
	}
}

// Payment reports a terminal transfer failure for one payment record.
func Payment(code, message string, err error) *Error {
	return &Error{Kind: KindPayment, Code: code, Message: message, Err: err}
}

// Campaign reports an invalid campaign or reservation state transition.
func Campaign(code, message string) *Error {
	return &Error{Kind: KindCampaign, Code: code, Message: message}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
