package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Job type constants
const (
	// High priority queue
	TypePollPayment = "settlement:poll_payment"
	TypePollBatch   = "settlement:poll_batch"

	// Low priority queue
	TypeReconcile = "settlement:reconcile"
)

// Queue names
const (
	QueueHigh = "high"
	QueueLow  = "low"
)

// PollPaymentPayload asks for a broadcast payment to be re-checked
type PollPaymentPayload struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

// NewPollPaymentTask creates a payment poll task that runs after delay.
// A failed poll is retried by asynq; the reconcile sweep covers anything
// that exhausts its retries.
func NewPollPaymentTask(payload PollPaymentPayload, delay time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePollPayment, data, asynq.Queue(QueueHigh), asynq.MaxRetry(5), asynq.ProcessIn(delay)), nil
}

// PollBatchPayload asks for a broadcast batch to be re-checked
type PollBatchPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// NewPollBatchTask creates a batch poll task that runs after delay
func NewPollBatchTask(payload PollBatchPayload, delay time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePollBatch, data, asynq.Queue(QueueHigh), asynq.MaxRetry(5), asynq.ProcessIn(delay)), nil
}

// ReconcilePayload bounds one reconciliation sweep
type ReconcilePayload struct {
	Limit int `json:"limit"`
}

// NewReconcileTask creates a reconciliation sweep task. Sweeps are not
// retried; the next scheduled sweep covers the same ground.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcile, data, asynq.Queue(QueueLow), asynq.MaxRetry(0)), nil
}
