package workers

import (
	"context"
	"fmt"
	"time"

	"x402-engine/internal/observability"

	kafkago "github.com/segmentio/kafka-go"
)

// ConsumerConfig holds configuration for a topic consumer
type ConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	NumWorkers    int
	QueueSize     int
	DrainTimeout  time.Duration
}

// NewReader creates a consumer-group reader with manual commits.
func NewReader(cfg ConsumerConfig) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafkago.FirstOffset,
		CommitInterval: 0,
	})
}

// Consumer reads a topic and hands each message to a worker pool. Offsets
// are committed only after the processor succeeds.
type Consumer struct {
	cfg       ConsumerConfig
	reader    MessageReader
	processor MessageProcessor
	logger    *observability.Logger
	retryWait time.Duration
}

func NewConsumer(cfg ConsumerConfig, reader MessageReader, processor MessageProcessor, logger *observability.Logger) *Consumer {
	return &Consumer{
		cfg:       cfg,
		reader:    reader,
		processor: processor,
		logger:    logger,
		retryWait: time.Second,
	}
}

// Run consumes until ctx is cancelled, then drains in-flight messages and
// closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "consumer_group", Value: c.cfg.ConsumerGroup},
		observability.Field{Key: "topic", Value: c.cfg.Topic},
		observability.Field{Key: "processor", Value: c.processor.Name()},
	)

	pool := NewPool(PoolConfig{
		NumWorkers:   c.cfg.NumWorkers,
		QueueSize:    c.cfg.QueueSize,
		DrainTimeout: c.cfg.DrainTimeout,
		OnResult:     func(r Result) { c.commit(ctx, r) },
	}, c.processor, c.logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	c.logger.Info(ctx, fmt.Sprintf("consuming %s", c.cfg.Topic))
	c.fetch(ctx, pool)

	drainCtx := context.WithoutCancel(ctx)
	if err := pool.Drain(drainCtx); err != nil {
		c.logger.Error(drainCtx, "failed to drain workers", err)
	}
	if err := c.reader.Close(); err != nil {
		c.logger.Error(drainCtx, "failed to close reader", err)
	}
	c.logger.Info(drainCtx, fmt.Sprintf("consumer for %s stopped", c.cfg.Topic))
	return nil
}

func (c *Consumer) fetch(ctx context.Context, pool *Pool) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error(ctx, "failed to fetch message", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryWait):
			}
			continue
		}
		if err := pool.Submit(ctx, messageFrom(msg)); err != nil {
			return
		}
	}
}

func (c *Consumer) commit(ctx context.Context, r Result) {
	if r.Err != nil {
		return
	}
	if err := c.reader.CommitMessages(context.WithoutCancel(ctx), r.Message.kafka()); err != nil {
		c.logger.Error(ctx, "failed to commit offset", err)
	}
}
