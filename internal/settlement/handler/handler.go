package handler

//go:generate go run go.uber.org/mock/mockgen@latest -source=handler.go -destination=mocks_test.go -package=handler

import (
	"context"
	"net/http"

	"x402-engine/internal/apierrors"
	"x402-engine/internal/observability"
	"x402-engine/internal/settlement"
	"x402-engine/internal/store"
	"x402-engine/internal/x402err"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Settler is the slice of the settlement coordinator exposed over HTTP.
type Settler interface {
	ReleasePayment(ctx context.Context, cfg settlement.PaymentConfig) (settlement.PaymentResponse, error)
	GetPayment(ctx context.Context, paymentID uuid.UUID) (settlement.PaymentResponse, error)
	ApproveReview(ctx context.Context, paymentID uuid.UUID) (settlement.PaymentResponse, error)
	RejectReview(ctx context.Context, paymentID uuid.UUID) (settlement.PaymentResponse, error)
	CancelPayment(ctx context.Context, paymentID uuid.UUID) (settlement.PaymentResponse, error)
	HandleConfirmation(ctx context.Context, conf settlement.Confirmation) error
	SettleBatch(ctx context.Context, cfg settlement.BatchSettleConfig) (settlement.BatchSettleResponse, error)
	GetBatch(ctx context.Context, batchID uuid.UUID) (settlement.BatchSettleResponse, error)
	ApproveBatchReview(ctx context.Context, batchID uuid.UUID) (settlement.BatchSettleResponse, error)
	RejectBatchReview(ctx context.Context, batchID uuid.UUID) (settlement.BatchSettleResponse, error)
}

type Handler struct {
	settler Settler
	logger  *observability.Logger
}

func New(settler Settler, logger *observability.Logger) Handler {
	return Handler{
		settler: settler,
		logger:  logger,
	}
}

// HandleReleasePayment pays an explicit amount. A payment held for review or
// still awaiting its transfer outcome is answered with 202.
func (h *Handler) HandleReleasePayment(c *gin.Context) {
	var req settlement.PaymentConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	resp, err := h.settler.ReleasePayment(c.Request.Context(), req)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(paymentStatusCode(resp), resp)
}

func (h *Handler) HandleGetPayment(c *gin.Context) {
	h.withPayment(c, h.settler.GetPayment)
}

func (h *Handler) HandleApproveReview(c *gin.Context) {
	h.withPayment(c, h.settler.ApproveReview)
}

func (h *Handler) HandleRejectReview(c *gin.Context) {
	h.withPayment(c, h.settler.RejectReview)
}

func (h *Handler) HandleCancelPayment(c *gin.Context) {
	h.withPayment(c, h.settler.CancelPayment)
}

// HandleConfirmation accepts a transfer status update pushed by the transfer
// service. Repeated deliveries are acknowledged the same way.
func (h *Handler) HandleConfirmation(c *gin.Context) {
	var req settlement.Confirmation
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	if err := h.settler.HandleConfirmation(c.Request.Context(), req); err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) HandleSettleBatch(c *gin.Context) {
	var req settlement.BatchSettleConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.RespondWithValidationError(c, err)
		return
	}

	resp, err := h.settler.SettleBatch(c.Request.Context(), req)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(batchStatusCode(resp), resp)
}

func (h *Handler) HandleGetBatch(c *gin.Context) {
	h.withBatch(c, h.settler.GetBatch)
}

func (h *Handler) HandleApproveBatchReview(c *gin.Context) {
	h.withBatch(c, h.settler.ApproveBatchReview)
}

func (h *Handler) HandleRejectBatchReview(c *gin.Context) {
	h.withBatch(c, h.settler.RejectBatchReview)
}

func (h *Handler) withPayment(c *gin.Context, fn func(context.Context, uuid.UUID) (settlement.PaymentResponse, error)) {
	paymentID, err := parseID(c, "payment_id")
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	ctx := observability.WithFields(c.Request.Context(), observability.Field{Key: "payment_id", Value: paymentID.String()})

	resp, err := fn(ctx, paymentID)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) withBatch(c *gin.Context, fn func(context.Context, uuid.UUID) (settlement.BatchSettleResponse, error)) {
	batchID, err := parseID(c, "batch_id")
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	ctx := observability.WithFields(c.Request.Context(), observability.Field{Key: "batch_id", Value: batchID.String()})

	resp, err := fn(ctx, batchID)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(batchStatusCode(resp), resp)
}

func paymentStatusCode(p settlement.PaymentResponse) int {
	if p.Status == store.PaymentStatusPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func batchStatusCode(b settlement.BatchSettleResponse) int {
	if b.Status == store.PaymentStatusPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func parseID(c *gin.Context, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return uuid.Nil, x402err.Validation(param, param+" must be a valid UUID")
	}
	return id, nil
}
