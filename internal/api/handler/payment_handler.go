package handler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/gateway"
	"github.com/naglyadservice/dash-backend/internal/recon"
)

// PaymentHandler handles HTTP requests for invoices and payment lookups
type PaymentHandler struct {
	engine   *recon.Engine
	payments payment.Repository
	devices  device.Repository
	events   payment.EventRepository
	logger   *slog.Logger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(
	logger *slog.Logger,
	engine *recon.Engine,
	payments payment.Repository,
	devices device.Repository,
	events payment.EventRepository,
) *PaymentHandler {
	return &PaymentHandler{
		engine:   engine,
		payments: payments,
		devices:  devices,
		events:   events,
		logger:   logger,
	}
}

// CreateInvoice opens a payment page for a controller's merchant account
func (h *PaymentHandler) CreateInvoice(c *gin.Context) {
	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		RespondBadRequest(c, "Invalid device ID")
		return
	}

	dev, err := h.devices.GetByID(c.Request.Context(), deviceID)
	if err != nil {
		var devNotFound device.ErrDeviceNotFound
		if errors.As(err, &devNotFound) {
			RespondNotFound(c, "Device not found")
			return
		}
		h.logger.Error("Failed to get device", "id", req.DeviceID, "error", err)
		RespondInternalError(c)
		return
	}

	invoice, err := h.engine.CreateInvoice(c.Request.Context(), dev, req.Amount, payment.Type(req.Gateway), req.HoldMoney)
	if err != nil {
		if errors.Is(err, gateway.ErrMissingCredentials) {
			RespondBadRequest(c, "Device has no credentials for this gateway")
			return
		}
		var unavailable *gateway.ErrGatewayUnavailable
		if errors.As(err, &unavailable) {
			h.logger.Error("Gateway unavailable",
				"gateway", unavailable.Gateway,
				"status_code", unavailable.StatusCode,
			)
			RespondBadGateway(c, "Payment gateway is unavailable")
			return
		}
		h.logger.Error("Failed to create invoice", "device_id", req.DeviceID, "error", err)
		RespondInternalError(c)
		return
	}

	RespondCreated(c, InvoiceResponse{
		InvoiceID: invoice.InvoiceID,
		PageURL:   invoice.PageURL,
	})
}

// GetByInvoiceID retrieves a payment by the gateway-assigned invoice id
func (h *PaymentHandler) GetByInvoiceID(c *gin.Context) {
	invoiceID := c.Param("invoice_id")

	pay, err := h.payments.GetByInvoiceID(c.Request.Context(), invoiceID)
	if err != nil {
		var notFound payment.ErrPaymentNotFound
		if errors.As(err, &notFound) {
			RespondNotFound(c, "Payment not found")
			return
		}
		h.logger.Error("Failed to get payment", "invoice_id", invoiceID, "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapPaymentToResponse(pay))
}

// ListEvents retrieves the reconciliation audit trail for one invoice
func (h *PaymentHandler) ListEvents(c *gin.Context) {
	invoiceID := c.Param("invoice_id")

	events, err := h.events.ListByInvoiceID(c.Request.Context(), invoiceID)
	if err != nil {
		h.logger.Error("Failed to list payment events", "invoice_id", invoiceID, "error", err)
		RespondInternalError(c)
		return
	}

	responses := make([]PaymentEventResponse, 0, len(events))
	for _, ev := range events {
		responses = append(responses, PaymentEventResponse{
			InvoiceID:     ev.InvoiceID,
			DeviceID:      ev.DeviceID,
			Gateway:       string(ev.Gateway),
			FromStatus:    string(ev.FromStatus),
			ToStatus:      string(ev.ToStatus),
			Amount:        ev.Amount,
			Modified:      ev.Modified.Format(time.RFC3339Nano),
			FailureReason: ev.FailureReason,
			RecordedAt:    ev.RecordedAt.Format(time.RFC3339Nano),
		})
	}

	RespondOK(c, gin.H{"events": responses})
}

// mapPaymentToResponse maps a payment entity to a payment response DTO
func mapPaymentToResponse(pay *payment.Payment) PaymentResponse {
	resp := PaymentResponse{
		ID:        pay.ID.String(),
		DeviceID:  pay.DeviceID.String(),
		Amount:    pay.Amount,
		Type:      string(pay.Type),
		Status:    string(pay.Status),
		CreatedAt: pay.CreatedAt.Format(time.RFC3339),
		UpdatedAt: pay.UpdatedAt.Format(time.RFC3339),
	}
	if pay.InvoiceID != nil {
		resp.InvoiceID = *pay.InvoiceID
	}
	if pay.FailureReason != nil {
		resp.FailureReason = *pay.FailureReason
	}
	if pay.ReceiptID != nil {
		resp.ReceiptID = pay.ReceiptID.String()
	}
	return resp
}
