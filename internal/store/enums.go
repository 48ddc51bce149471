package store

// Campaign ENUMs
const (
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// Reservation ENUMs
const (
	ReservationStatusHeld      = "held"
	ReservationStatusCommitted = "committed"
	ReservationStatusReleased  = "released"
)

// Payment record status as exposed to SDK callers
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusFailed    = "failed"
)

// Payment record settlement states
const (
	PaymentStateDecided   = "decided"
	PaymentStateReserved  = "reserved"
	PaymentStateReview    = "review"
	PaymentStateBroadcast = "broadcast"
	PaymentStateConfirmed = "confirmed"
	PaymentStateFailed    = "failed"
)

// Payment record failure reasons
const (
	FailureReasonFraudBlocked     = "fraud_blocked"
	FailureReasonReviewRejected   = "review_rejected"
	FailureReasonTransferRejected = "transfer_rejected"
	FailureReasonTransferFailed   = "transfer_failed"
	FailureReasonCancelled        = "cancelled"
	FailureReasonBatchFailed      = "batch_failed"
	FailureReasonEntryMismatch    = "entry_mismatch"
	FailureReasonAbandoned        = "abandoned"
)

// Internal triggers for payments that did not come from rule evaluation
const (
	TriggerManual = "manual"
	TriggerBatch  = "batch"
)

// Batch settlement states
const (
	BatchStateReserved  = "reserved"
	BatchStateReview    = "review"
	BatchStateBroadcast = "broadcast"
	BatchStateConfirmed = "confirmed"
	BatchStateFailed    = "failed"
)

// Reputation outcomes
const (
	OutcomeOnTime   = "on_time"
	OutcomeLate     = "late"
	OutcomeFailed   = "failed"
	OutcomeDisputed = "disputed"
)
