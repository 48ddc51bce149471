package handler

import (
	"context"
	"net/http"
	"strconv"

	"x402-engine/internal/apierrors"
	"x402-engine/internal/campaign/processor"
	"x402-engine/internal/observability"
	"x402-engine/internal/rules"
	"x402-engine/internal/settlement"
	"x402-engine/internal/store"
	"x402-engine/internal/x402err"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// CampaignManager is the lifecycle surface the handler needs.
type CampaignManager interface {
	CreateCampaign(ctx context.Context, cfg processor.CampaignConfig) (processor.CampaignStatus, error)
	GetStatus(ctx context.Context, campaignID string) (processor.CampaignStatus, error)
	PauseCampaign(ctx context.Context, campaignID string) (processor.CampaignStatus, error)
	ResumeCampaign(ctx context.Context, campaignID string) (processor.CampaignStatus, error)
	CompleteCampaign(ctx context.Context, campaignID string) (processor.CampaignStatus, error)
	TopUpCampaign(ctx context.Context, campaignID string, amount decimal.Decimal) (processor.CampaignStatus, error)
	ArchiveCampaign(ctx context.Context, campaignID string) (processor.CampaignStatus, error)
	ListPayments(ctx context.Context, campaignID string, limit, offset int) ([]settlement.PaymentResponse, error)
}

// TriggerHandler settles the payment a trigger decides.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, ev settlement.TriggerEvent) (settlement.TriggerResult, error)
}

type Handler struct {
	campaigns CampaignManager
	triggers  TriggerHandler
	logger    *observability.Logger
}

func New(campaigns CampaignManager, triggers TriggerHandler, logger *observability.Logger) Handler {
	return Handler{
		campaigns: campaigns,
		triggers:  triggers,
		logger:    logger,
	}
}

type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TriggerRequest reports a post that met a trigger condition.
type TriggerRequest struct {
	PostID    string              `json:"postId" binding:"required"`
	KOLWallet string              `json:"kolWallet" binding:"required"`
	Trigger   string              `json:"trigger" binding:"required"`
	Proof     string              `json:"proof"`
	Metric    decimal.NullDecimal `json:"metric"`
}

func (h *Handler) HandleCreateCampaign(c *gin.Context) {
	var req processor.CampaignConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	status, err := h.campaigns.CreateCampaign(c.Request.Context(), req)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func (h *Handler) HandleGetCampaign(c *gin.Context) {
	status, err := h.campaigns.GetStatus(h.campaignContext(c), c.Param("campaign_id"))
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) HandlePauseCampaign(c *gin.Context) {
	h.respondStatus(c, h.campaigns.PauseCampaign)
}

func (h *Handler) HandleResumeCampaign(c *gin.Context) {
	h.respondStatus(c, h.campaigns.ResumeCampaign)
}

func (h *Handler) HandleCompleteCampaign(c *gin.Context) {
	h.respondStatus(c, h.campaigns.CompleteCampaign)
}

func (h *Handler) HandleArchiveCampaign(c *gin.Context) {
	h.respondStatus(c, h.campaigns.ArchiveCampaign)
}

func (h *Handler) HandleTopUpCampaign(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	status, err := h.campaigns.TopUpCampaign(h.campaignContext(c), c.Param("campaign_id"), req.Amount)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) HandleListPayments(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	payments, err := h.campaigns.ListPayments(h.campaignContext(c), c.Param("campaign_id"), limit, offset)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"limit":    limit,
		"offset":   offset,
	})
}

// HandleTrigger answers 204 when no rule produced a payment and 202 when the
// payment is still awaiting its transfer outcome.
func (h *Handler) HandleTrigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}
	trigger, err := rules.ParseTrigger(req.Trigger)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}

	result, err := h.triggers.HandleTrigger(h.campaignContext(c), settlement.TriggerEvent{
		CampaignID: c.Param("campaign_id"),
		PostID:     req.PostID,
		KOLWallet:  req.KOLWallet,
		Proof:      req.Proof,
		Trigger:    trigger,
		Metric:     req.Metric,
	})
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	if !result.Matched {
		c.Header("X-Trigger-Outcome", result.Reason)
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(paymentStatusCode(*result.Payment), result.Payment)
}

func (h *Handler) respondStatus(c *gin.Context, fn func(context.Context, string) (processor.CampaignStatus, error)) {
	status, err := fn(h.campaignContext(c), c.Param("campaign_id"))
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) campaignContext(c *gin.Context) context.Context {
	return observability.WithFields(c.Request.Context(),
		observability.Field{Key: "campaign_id", Value: c.Param("campaign_id")},
	)
}

func paymentStatusCode(p settlement.PaymentResponse) int {
	if p.Status == store.PaymentStatusPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, x402err.Validation(key, key+" must be a non-negative integer")
	}
	return v, nil
}
