package handler

import (
	"net/http"

	"x402-engine/internal/apierrors"
	"x402-engine/internal/observability"
	"x402-engine/internal/webhooks/processor"
	"x402-engine/internal/x402err"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles webhook registry requests
type Handler struct {
	processor *processor.WebhookProcessor
	logger    *observability.Logger
}

// New creates a new Handler
func New(processor *processor.WebhookProcessor, logger *observability.Logger) *Handler {
	return &Handler{
		processor: processor,
		logger:    logger,
	}
}

// UpdateWebhookRequest toggles delivery for a webhook
type UpdateWebhookRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// HandleCreateWebhook handles POST /v1/webhooks
func (h *Handler) HandleCreateWebhook(c *gin.Context) {
	var req processor.WebhookConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	webhook, err := h.processor.Create(c.Request.Context(), req)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, webhook)
}

// HandleListWebhooks handles GET /v1/webhooks
func (h *Handler) HandleListWebhooks(c *gin.Context) {
	webhooks, err := h.processor.List(c.Request.Context())
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": webhooks})
}

// HandleUpdateWebhook handles PATCH /v1/webhooks/:webhook_id
func (h *Handler) HandleUpdateWebhook(c *gin.Context) {
	webhookID, err := uuid.Parse(c.Param("webhook_id"))
	if err != nil {
		apierrors.RespondWithError(c, x402err.Validation("webhook_id", "webhook_id must be a valid UUID"))
		return
	}

	var req UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	webhook, err := h.processor.SetActive(c.Request.Context(), webhookID, *req.Active)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, webhook)
}

// HandleDeleteWebhook handles DELETE /v1/webhooks/:webhook_id
func (h *Handler) HandleDeleteWebhook(c *gin.Context) {
	webhookID, err := uuid.Parse(c.Param("webhook_id"))
	if err != nil {
		apierrors.RespondWithError(c, x402err.Validation("webhook_id", "webhook_id must be a valid UUID"))
		return
	}

	if err := h.processor.Delete(c.Request.Context(), webhookID); err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
