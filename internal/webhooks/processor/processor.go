package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"x402-engine/internal/events"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"
	"x402-engine/internal/x402err"

	"github.com/google/uuid"
)

// AllEvents subscribes a webhook to every event type.
const AllEvents = "*"

// Store is the storage the registry needs.
type Store interface {
	CreateWebhook(ctx context.Context, params store.CreateWebhookParams) (store.Webhook, error)
	GetWebhook(ctx context.Context, webhookID uuid.UUID) (store.Webhook, error)
	ListWebhooks(ctx context.Context) ([]store.Webhook, error)
	UpdateWebhookActive(ctx context.Context, webhookID uuid.UUID, active bool) (store.Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID uuid.UUID) error
}

// WebhookConfig registers a URL for one event type, or AllEvents.
type WebhookConfig struct {
	Event string `json:"event" binding:"required"`
	URL   string `json:"url" binding:"required"`
}

type WebhookResponse struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	URL       string `json:"url"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func NewWebhookResponse(w store.Webhook) WebhookResponse {
	return WebhookResponse{
		ID:        w.ID.String(),
		Event:     w.Event,
		URL:       w.URL,
		Active:    w.Active,
		CreatedAt: w.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: w.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// WebhookProcessor keeps the webhook subscription registry. Delivery is left
// to consumers of the event topic.
type WebhookProcessor struct {
	store  Store
	logger *observability.Logger
}

func New(s Store, logger *observability.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		store:  s,
		logger: logger,
	}
}

// Create registers a new active webhook.
func (p *WebhookProcessor) Create(ctx context.Context, cfg WebhookConfig) (WebhookResponse, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "event", Value: cfg.Event},
		observability.Field{Key: "url", Value: cfg.URL},
	)

	if err := validateEvent(cfg.Event); err != nil {
		return WebhookResponse{}, err
	}
	if err := validateURL(cfg.URL); err != nil {
		return WebhookResponse{}, err
	}

	webhook, err := p.store.CreateWebhook(ctx, store.CreateWebhookParams{
		Event:  cfg.Event,
		URL:    cfg.URL,
		Active: true,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to create webhook", err)
		return WebhookResponse{}, fmt.Errorf("failed to create webhook: %w", err)
	}

	p.logger.Info(ctx, fmt.Sprintf("created webhook %s", webhook.ID))
	return NewWebhookResponse(webhook), nil
}

func (p *WebhookProcessor) List(ctx context.Context) ([]WebhookResponse, error) {
	webhooks, err := p.store.ListWebhooks(ctx)
	if err != nil {
		p.logger.Error(ctx, "failed to list webhooks", err)
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	out := make([]WebhookResponse, 0, len(webhooks))
	for _, w := range webhooks {
		out = append(out, NewWebhookResponse(w))
	}
	return out, nil
}

func (p *WebhookProcessor) SetActive(ctx context.Context, webhookID uuid.UUID, active bool) (WebhookResponse, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "webhook_id", Value: webhookID.String()})

	webhook, err := p.store.UpdateWebhookActive(ctx, webhookID, active)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return WebhookResponse{}, x402err.NotFound("webhook", webhookID.String())
		}
		p.logger.Error(ctx, "failed to update webhook", err)
		return WebhookResponse{}, fmt.Errorf("failed to update webhook: %w", err)
	}

	p.logger.Info(ctx, fmt.Sprintf("webhook active=%t", active))
	return NewWebhookResponse(webhook), nil
}

func (p *WebhookProcessor) Delete(ctx context.Context, webhookID uuid.UUID) error {
	ctx = observability.WithFields(ctx, observability.Field{Key: "webhook_id", Value: webhookID.String()})

	if err := p.store.DeleteWebhook(ctx, webhookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return x402err.NotFound("webhook", webhookID.String())
		}
		p.logger.Error(ctx, "failed to delete webhook", err)
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	p.logger.Info(ctx, "deleted webhook")
	return nil
}

func validateEvent(event string) error {
	if event == AllEvents {
		return nil
	}
	if _, err := events.ParseType(event); err != nil {
		names := make([]string, 0, len(events.Types()))
		for _, t := range events.Types() {
			names = append(names, string(t))
		}
		return x402err.Validation("event", fmt.Sprintf("event must be %q or one of: %s", AllEvents, strings.Join(names, ", ")))
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return x402err.Validation("url", "url must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return x402err.Validation("url", "url must be an absolute http(s) URL")
	}
	return nil
}
