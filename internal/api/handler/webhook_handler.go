package handler

import (
	"errors"
	"io"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/recon"
)

// monoSignatureHeader carries the base64 ECDSA signature of the raw body
const monoSignatureHeader = "X-Sign"

// WebhookHandler receives gateway callbacks and feeds them to the
// reconciliation engine. Status codes matter here: gateways retry on non-2xx,
// so a processing failure must not return 200 and a stale-but-valid webhook
// must not return an error.
type WebhookHandler struct {
	engine *recon.Engine
	logger *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(logger *slog.Logger, engine *recon.Engine) *WebhookHandler {
	return &WebhookHandler{
		engine: engine,
		logger: logger,
	}
}

// LiqPay handles LiqPay server-to-server callbacks. The signature travels
// inside the form body, not a header.
func (h *WebhookHandler) LiqPay(c *gin.Context) {
	h.process(c, payment.TypeLiqPay, "")
}

// Mono handles monopay callbacks, signed over the raw body via X-Sign
func (h *WebhookHandler) Mono(c *gin.Context) {
	h.process(c, payment.TypeMono, c.GetHeader(monoSignatureHeader))
}

func (h *WebhookHandler) process(c *gin.Context, gatewayType payment.Type, signature string) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", "gateway", string(gatewayType), "error", err)
		RespondBadRequest(c, "Failed to read request body")
		return
	}
	if len(rawBody) == 0 {
		RespondBadRequest(c, "Empty request body")
		return
	}

	err = h.engine.ProcessWebhook(c.Request.Context(), gatewayType, rawBody, signature)
	if err != nil {
		if recon.IsSignatureError(err) {
			h.logger.Warn("Webhook signature verification failed", "gateway", string(gatewayType))
			RespondUnauthorized(c, "Invalid signature")
			return
		}
		var notFound payment.ErrPaymentNotFound
		if errors.As(err, &notFound) {
			h.logger.Warn("Webhook for unknown invoice",
				"gateway", string(gatewayType),
				"invoice_id", notFound.InvoiceID,
			)
			RespondNotFound(c, "Unknown invoice")
			return
		}
		h.logger.Error("Failed to process webhook", "gateway", string(gatewayType), "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, gin.H{"status": "ok"})
}
