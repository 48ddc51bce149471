package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const webhookColumns = `id, event, url, active, created_at, updated_at`

const sqlCreateWebhook = `
INSERT INTO webhooks (id, event, url, active)
VALUES ($1, $2, $3, $4)
RETURNING ` + webhookColumns

// CreateWebhook creates a new webhook
func (s *Store) CreateWebhook(ctx context.Context, params CreateWebhookParams) (Webhook, error) {
	var webhook Webhook
	err := s.db.GetContext(ctx, &webhook, sqlCreateWebhook,
		uuid.New(),
		params.Event,
		params.URL,
		params.Active)
	if err != nil {
		s.logger.Error(ctx, "failed to create webhook", err)
		return Webhook{}, fmt.Errorf("failed to create webhook: %w", err)
	}
	return webhook, nil
}

const sqlGetWebhookByID = `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

// GetWebhook retrieves a webhook by ID
func (s *Store) GetWebhook(ctx context.Context, webhookID uuid.UUID) (Webhook, error) {
	var webhook Webhook
	err := s.db.GetContext(ctx, &webhook, sqlGetWebhookByID, webhookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Webhook{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get webhook by id", err)
		return Webhook{}, fmt.Errorf("failed to get webhook by id: %w", err)
	}
	return webhook, nil
}

const sqlListWebhooks = `SELECT ` + webhookColumns + ` FROM webhooks ORDER BY created_at DESC`

// ListWebhooks retrieves all webhooks
func (s *Store) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var webhooks []Webhook
	err := s.db.SelectContext(ctx, &webhooks, sqlListWebhooks)
	if err != nil {
		s.logger.Error(ctx, "failed to list webhooks", err)
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return webhooks, nil
}

const sqlUpdateWebhookActive = `
UPDATE webhooks SET active = $2, updated_at = NOW()
WHERE id = $1
RETURNING ` + webhookColumns

// UpdateWebhookActive toggles a webhook
func (s *Store) UpdateWebhookActive(ctx context.Context, webhookID uuid.UUID, active bool) (Webhook, error) {
	var webhook Webhook
	err := s.db.GetContext(ctx, &webhook, sqlUpdateWebhookActive, webhookID, active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Webhook{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to update webhook", err)
		return Webhook{}, fmt.Errorf("failed to update webhook: %w", err)
	}
	return webhook, nil
}

const sqlDeleteWebhook = `DELETE FROM webhooks WHERE id = $1`

// DeleteWebhook removes a webhook
func (s *Store) DeleteWebhook(ctx context.Context, webhookID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, sqlDeleteWebhook, webhookID)
	if err != nil {
		s.logger.Error(ctx, "failed to delete webhook", err)
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
