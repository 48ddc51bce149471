package kafka

import (
	"context"
	"fmt"
	"time"

	"x402-engine/internal/observability"

	"github.com/segmentio/kafka-go"
)

// Producer handles publishing events to Kafka
type Producer struct {
	writer *kafka.Writer
	logger *observability.Logger
}

// ProducerConfig contains configuration for Kafka producer
type ProducerConfig struct {
	Brokers []string
	Topic   string
	// Async makes WriteMessages return immediately; failures are only logged.
	Async bool
}

// NewProducer creates a new Kafka producer
func NewProducer(config ProducerConfig, logger *observability.Logger) *Producer {
	p := &Producer{logger: logger}
	p.writer = &kafka.Writer{
		Addr:     kafka.TCP(config.Brokers...),
		Topic:    config.Topic,
		Balancer: &kafka.LeastBytes{},
		Async:    config.Async,
		// Compression for better throughput
		Compression:  kafka.Snappy,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Completion:   p.completion,
	}
	return p
}

// Message is one record to publish.
type Message struct {
	// Key partitions the record; events for one campaign stay ordered.
	Key       string
	EventType string
	Value     []byte
}

// Publish writes messages to the topic. In async mode it returns once the
// messages are queued.
func (p *Producer) Publish(ctx context.Context, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}

	out := make([]kafka.Message, len(messages))
	for i, m := range messages {
		out[i] = kafka.Message{
			Key:   []byte(m.Key),
			Value: m.Value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(m.EventType)},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		p.logger.Error(ctx, "failed to write messages to kafka", err)
		return fmt.Errorf("failed to write messages to kafka: %w", err)
	}
	return nil
}

func (p *Producer) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range messages {
		ctx := observability.WithFields(context.Background(),
			observability.Field{Key: "topic", Value: m.Topic},
			observability.Field{Key: "key", Value: string(m.Key)},
		)
		p.logger.Error(ctx, "failed to deliver message to kafka", err)
	}
}

// Close flushes pending writes and closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
