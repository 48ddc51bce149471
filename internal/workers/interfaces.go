package workers

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"
)

// Message is one record fetched from a topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

func messageFrom(m kafkago.Message) Message {
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
	}
}

func (m Message) kafka() kafkago.Message {
	return kafkago.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
}

// MessageProcessor handles one message. Messages may be redelivered, so
// implementations must be idempotent. A returned error leaves the offset
// uncommitted.
type MessageProcessor interface {
	Process(ctx context.Context, msg Message) error
	Name() string
}

// MessageReader is the part of *kafkago.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}
