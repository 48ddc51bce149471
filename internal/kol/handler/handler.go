package handler

import (
	"context"
	"net/http"

	"x402-engine/internal/apierrors"
	"x402-engine/internal/fraud"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"
	"x402-engine/internal/wallet"

	"github.com/gin-gonic/gin"
)

type Scorer interface {
	Reputation(ctx context.Context, wallet string) (store.Reputation, error)
	Score(ctx context.Context, wallet string) (fraud.Result, error)
	Dispute(ctx context.Context, wallet string) (store.Reputation, error)
}

type Handler struct {
	scorer Scorer
	logger *observability.Logger
}

func New(scorer Scorer, logger *observability.Logger) Handler {
	return Handler{
		scorer: scorer,
		logger: logger,
	}
}

func (h *Handler) HandleGetReputation(c *gin.Context) {
	ctx, addr, ok := h.walletParam(c)
	if !ok {
		return
	}

	rep, err := h.scorer.Reputation(ctx, addr)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, fraud.NewReputationData(rep))
}

func (h *Handler) HandleFraudCheck(c *gin.Context) {
	ctx, addr, ok := h.walletParam(c)
	if !ok {
		return
	}

	result, err := h.scorer.Score(ctx, addr)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleReportDispute records a dispute against the wallet. It feeds the
// dispute rate of later fraud checks.
func (h *Handler) HandleReportDispute(c *gin.Context) {
	ctx, addr, ok := h.walletParam(c)
	if !ok {
		return
	}

	rep, err := h.scorer.Dispute(ctx, addr)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	h.logger.Info(ctx, "dispute reported")
	c.JSON(http.StatusCreated, fraud.NewReputationData(rep))
}

func (h *Handler) walletParam(c *gin.Context) (context.Context, string, bool) {
	addr, err := wallet.Normalize("wallet", c.Param("wallet"))
	if err != nil {
		apierrors.RespondWithError(c, err)
		return nil, "", false
	}
	ctx := observability.WithFields(c.Request.Context(), observability.Field{Key: "wallet", Value: addr})
	return ctx, addr, true
}
