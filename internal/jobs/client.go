package jobs

import (
	"context"
	"fmt"
	"time"

	"x402-engine/internal/observability"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client enqueues settlement polls. It is the coordinator's Scheduler when
// redis is configured.
type Client struct {
	client enqueuer
	logger *observability.Logger
}

// NewClient creates a new job client
func NewClient(opt asynq.RedisClientOpt, logger *observability.Logger) *Client {
	return &Client{
		client: asynq.NewClient(opt),
		logger: logger,
	}
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// SchedulePaymentPoll enqueues a poll of a broadcast payment
func (c *Client) SchedulePaymentPoll(ctx context.Context, paymentID uuid.UUID, delay time.Duration) error {
	task, err := NewPollPaymentTask(PollPaymentPayload{PaymentID: paymentID}, delay)
	if err != nil {
		c.logger.Error(ctx, "failed to create payment poll task", err)
		return fmt.Errorf("failed to create payment poll task: %w", err)
	}
	return c.enqueue(ctx, task)
}

// ScheduleBatchPoll enqueues a poll of a broadcast batch
func (c *Client) ScheduleBatchPoll(ctx context.Context, batchID uuid.UUID, delay time.Duration) error {
	task, err := NewPollBatchTask(PollBatchPayload{BatchID: batchID}, delay)
	if err != nil {
		c.logger.Error(ctx, "failed to create batch poll task", err)
		return fmt.Errorf("failed to create batch poll task: %w", err)
	}
	return c.enqueue(ctx, task)
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task) error {
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error(ctx, fmt.Sprintf("failed to enqueue %s task", task.Type()), err)
		return fmt.Errorf("failed to enqueue %s task: %w", task.Type(), err)
	}

	c.logger.Debug(ctx, fmt.Sprintf("enqueued %s task: %s (queue: %s)", task.Type(), info.ID, info.Queue))
	return nil
}
