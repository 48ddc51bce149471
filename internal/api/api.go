package api

import (
	"net/http"

	campaignHandler "x402-engine/internal/campaign/handler"
	kolHandler "x402-engine/internal/kol/handler"
	settlementHandler "x402-engine/internal/settlement/handler"
	webhookHandler "x402-engine/internal/webhooks/handler"

	"github.com/gin-gonic/gin"
)

// Version is stamped at build time with -ldflags "-X x402-engine/internal/api.Version=...".
var Version = "dev"

type API struct {
	router            *gin.RouterGroup
	auth              gin.HandlerFunc
	campaignHandler   campaignHandler.Handler
	settlementHandler settlementHandler.Handler
	kolHandler        kolHandler.Handler
	webhookHandler    *webhookHandler.Handler
}

func New(
	router *gin.RouterGroup,
	auth gin.HandlerFunc,
	campaignHandler campaignHandler.Handler,
	settlementHandler settlementHandler.Handler,
	kolHandler kolHandler.Handler,
	webhookHandler *webhookHandler.Handler,
) API {
	return API{
		router:            router,
		auth:              auth,
		campaignHandler:   campaignHandler,
		settlementHandler: settlementHandler,
		kolHandler:        kolHandler,
		webhookHandler:    webhookHandler,
	}
}

func (a *API) RegisterRoutes() {
	v1 := a.router.Group("/v1")
	a.Health(v1)

	protected := v1.Group("", a.auth)
	{
		campaigns := protected.Group("/campaigns")
		campaigns.POST("", a.campaignHandler.HandleCreateCampaign)
		campaigns.GET("/:campaign_id", a.campaignHandler.HandleGetCampaign)
		campaigns.POST("/:campaign_id/pause", a.campaignHandler.HandlePauseCampaign)
		campaigns.POST("/:campaign_id/resume", a.campaignHandler.HandleResumeCampaign)
		campaigns.POST("/:campaign_id/complete", a.campaignHandler.HandleCompleteCampaign)
		campaigns.POST("/:campaign_id/topup", a.campaignHandler.HandleTopUpCampaign)
		campaigns.POST("/:campaign_id/archive", a.campaignHandler.HandleArchiveCampaign)
		campaigns.GET("/:campaign_id/payments", a.campaignHandler.HandleListPayments)
		campaigns.POST("/:campaign_id/triggers", a.campaignHandler.HandleTrigger)
	}
	{
		payments := protected.Group("/payments")
		payments.POST("/release", a.settlementHandler.HandleReleasePayment)
		payments.POST("/confirmations", a.settlementHandler.HandleConfirmation)
		payments.GET("/:payment_id", a.settlementHandler.HandleGetPayment)
		payments.POST("/:payment_id/approve", a.settlementHandler.HandleApproveReview)
		payments.POST("/:payment_id/reject", a.settlementHandler.HandleRejectReview)
		payments.POST("/:payment_id/cancel", a.settlementHandler.HandleCancelPayment)

		batch := protected.Group("/batch")
		batch.POST("/settle", a.settlementHandler.HandleSettleBatch)
		batch.GET("/:batch_id", a.settlementHandler.HandleGetBatch)
		batch.POST("/:batch_id/approve", a.settlementHandler.HandleApproveBatchReview)
		batch.POST("/:batch_id/reject", a.settlementHandler.HandleRejectBatchReview)
	}
	{
		kol := protected.Group("/kol/:wallet")
		kol.GET("/reputation", a.kolHandler.HandleGetReputation)
		kol.GET("/fraud-check", a.kolHandler.HandleFraudCheck)
		kol.POST("/disputes", a.kolHandler.HandleReportDispute)
	}
	{
		webhooks := protected.Group("/webhooks")
		webhooks.POST("", a.webhookHandler.HandleCreateWebhook)
		webhooks.GET("", a.webhookHandler.HandleListWebhooks)
		webhooks.PATCH("/:webhook_id", a.webhookHandler.HandleUpdateWebhook)
		webhooks.DELETE("/:webhook_id", a.webhookHandler.HandleDeleteWebhook)
	}
}

func (a *API) Health(group *gin.RouterGroup) {
	group.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	group.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": Version})
	})
}
