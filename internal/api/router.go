package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/naglyadservice/dash-backend/internal/api/handler"
	"github.com/naglyadservice/dash-backend/internal/api/middleware"
)

// setupRouter configures API routes and middleware for the application
func setupRouter(
	logger *slog.Logger,
	r *gin.Engine,
	deviceHandler *handler.DeviceHandler,
	paymentHandler *handler.PaymentHandler,
	webhookHandler *handler.WebhookHandler,
) {
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CorrelationID())

	// Gateway callbacks live outside the versioned API; their paths are
	// registered with the processors and must stay stable
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/liqpay", webhookHandler.LiqPay)
		webhooks.POST("/monopay", webhookHandler.Mono)
	}

	// API v1 endpoints
	v1 := r.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.POST("", deviceHandler.Create)
			devices.GET("/:id", deviceHandler.GetByID)
			devices.PUT("/:id/settings", deviceHandler.UpdateSettings)
			devices.GET("/:id/transactions", deviceHandler.ListTransactions)
		}

		invoices := v1.Group("/invoices")
		{
			invoices.POST("", paymentHandler.CreateInvoice)
			invoices.GET("/:invoice_id", paymentHandler.GetByInvoiceID)
			invoices.GET("/:invoice_id/events", paymentHandler.ListEvents)
		}
	}

	// Health check endpoint for monitoring
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})
}
