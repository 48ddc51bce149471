// Package events emits the engine's lifecycle events. Delivery is fire and
// forget: an emitter never blocks or fails the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"x402-engine/internal/clients/kafka"
	"x402-engine/internal/observability"
)

type Type string

const (
	CampaignCreated      Type = "campaign.created"
	PaymentReleased      Type = "payment.released"
	BatchSettled         Type = "batch.settled"
	KOLReputationUpdated Type = "kol.reputation_updated"
	FraudDetected        Type = "fraud.detected"
)

// Types lists every event the engine emits.
func Types() []Type {
	return []Type{CampaignCreated, PaymentReleased, BatchSettled, KOLReputationUpdated, FraudDetected}
}

// ParseType rejects names outside the closed event set.
func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// WebhookEvent is the envelope downstream consumers receive.
type WebhookEvent struct {
	Event     Type                   `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

// Emitter publishes events. Key orders events that share it, usually the campaign id.
type Emitter interface {
	Emit(ctx context.Context, event Type, key string, data map[string]interface{})
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Emit(context.Context, Type, string, map[string]interface{}) {}

type producer interface {
	Publish(ctx context.Context, messages ...kafka.Message) error
}

// Publisher writes events to the events topic
type Publisher struct {
	producer producer
	logger   *observability.Logger
	now      func() time.Time
}

// NewPublisher creates a new event publisher
func NewPublisher(p producer, logger *observability.Logger) *Publisher {
	return &Publisher{producer: p, logger: logger, now: time.Now}
}

func (p *Publisher) Emit(ctx context.Context, event Type, key string, data map[string]interface{}) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "event_type", Value: string(event)})

	payload, err := json.Marshal(WebhookEvent{
		Event:     event,
		Data:      data,
		Timestamp: p.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.logger.Error(ctx, "failed to marshal event", err)
		return
	}

	if err := p.producer.Publish(ctx, kafka.Message{Key: key, EventType: string(event), Value: payload}); err != nil {
		p.logger.Error(ctx, "failed to publish event", err)
		return
	}
	p.logger.Debug(ctx, fmt.Sprintf("published event %s", event))
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []WebhookEvent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, event Type, _ string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, WebhookEvent{Event: event, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WebhookEvent(nil), r.events...)
}

// OfType filters the recorded events.
func (r *Recorder) OfType(event Type) []WebhookEvent {
	var out []WebhookEvent
	for _, e := range r.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
