package processor

import (
	"context"
	"testing"

	"x402-engine/internal/observability"
	"x402-engine/internal/store/memstore"
	"x402-engine/internal/x402err"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessor() *WebhookProcessor {
	return New(memstore.New(), observability.NewNopLogger())
}

func TestCreate(t *testing.T) {
	p := newProcessor()
	ctx := context.Background()

	w, err := p.Create(ctx, WebhookConfig{Event: "payment.released", URL: "https://hooks.example.com/x402"})
	require.NoError(t, err)
	assert.True(t, w.Active)
	assert.Equal(t, "payment.released", w.Event)
	_, err = uuid.Parse(w.ID)
	assert.NoError(t, err)

	_, err = p.Create(ctx, WebhookConfig{Event: AllEvents, URL: "http://localhost:9000/events"})
	require.NoError(t, err)

	list, err := p.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   WebhookConfig
		field string
	}{
		{"unknown event", WebhookConfig{Event: "payment.sent", URL: "https://example.com"}, "event"},
		{"relative url", WebhookConfig{Event: "batch.settled", URL: "/hooks"}, "url"},
		{"ftp url", WebhookConfig{Event: "batch.settled", URL: "ftp://example.com/hooks"}, "url"},
		{"no host", WebhookConfig{Event: "batch.settled", URL: "https://"}, "url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newProcessor().Create(context.Background(), tt.cfg)
			xe, ok := x402err.As(err)
			require.True(t, ok)
			assert.Equal(t, x402err.CodeValidation, xe.Code)
			assert.Equal(t, tt.field, xe.Details["field"])
		})
	}
}

func TestSetActiveAndDelete(t *testing.T) {
	p := newProcessor()
	ctx := context.Background()

	w, err := p.Create(ctx, WebhookConfig{Event: "fraud.detected", URL: "https://example.com/fraud"})
	require.NoError(t, err)
	id := uuid.MustParse(w.ID)

	updated, err := p.SetActive(ctx, id, false)
	require.NoError(t, err)
	assert.False(t, updated.Active)

	require.NoError(t, p.Delete(ctx, id))
	err = p.Delete(ctx, id)
	assert.True(t, x402err.HasCode(err, x402err.CodeNotFound))

	_, err = p.SetActive(ctx, id, true)
	assert.True(t, x402err.HasCode(err, x402err.CodeNotFound))
}
