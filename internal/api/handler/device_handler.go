package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/transaction"
	"github.com/naglyadservice/dash-backend/internal/iot"
)

const (
	settingsFeature    = "config/set"
	settingsCommandTTL = 60 * time.Second
	settingsAckTimeout = 5 * time.Second
)

// CommandSender pushes commands to a controller and waits for its ack
type CommandSender interface {
	SendAndWait(ctx context.Context, deviceID, feature string, payload map[string]any, qos byte, ttl, timeout time.Duration) (*iot.Response, error)
}

// DeviceHandler handles HTTP requests for controller management
type DeviceHandler struct {
	devices      device.Repository
	transactions transaction.Repository
	commands     CommandSender
	logger       *slog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(
	logger *slog.Logger,
	devices device.Repository,
	transactions transaction.Repository,
	commands CommandSender,
) *DeviceHandler {
	return &DeviceHandler{
		devices:      devices,
		transactions: transactions,
		commands:     commands,
		logger:       logger,
	}
}

// Create registers a new controller
func (h *DeviceHandler) Create(c *gin.Context) {
	var req CreateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	family, err := device.ParseFamily(req.Family)
	if err != nil {
		RespondBadRequest(c, "Invalid family: "+req.Family)
		return
	}

	var locationID *uuid.UUID
	if req.LocationID != "" {
		id, err := uuid.Parse(req.LocationID)
		if err != nil {
			RespondBadRequest(c, "Invalid location ID")
			return
		}
		locationID = &id
	}

	settings, err := decodeSettings(req.Settings)
	if err != nil {
		RespondBadRequest(c, "Invalid settings: "+err.Error())
		return
	}

	now := time.Now()
	dev := &device.Device{
		ID:         uuid.New(),
		DeviceID:   req.DeviceID,
		Family:     family,
		Name:       req.Name,
		LocationID: locationID,
		Credentials: device.GatewayCredentials{
			LiqPayPublicKey:  req.LiqPayPublicKey,
			LiqPayPrivateKey: req.LiqPayPrivateKey,
			MonoToken:        req.MonoToken,
			FiscalLicenseKey: req.FiscalLicenseKey,
			FiscalPIN:        req.FiscalPIN,
		},
		Settings:  settings,
		Fiscalize: req.Fiscalize,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.devices.Create(c.Request.Context(), dev); err != nil {
		h.logger.Error("Failed to create device", "device_id", req.DeviceID, "error", err)
		RespondInternalError(c)
		return
	}

	RespondCreated(c, mapDeviceToResponse(dev))
}

// GetByID retrieves a controller by its ID, returning 404 if not found
func (h *DeviceHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid device ID")
		return
	}

	dev, err := h.devices.GetByID(c.Request.Context(), id)
	if err != nil {
		var notFound device.ErrDeviceNotFound
		if errors.As(err, &notFound) {
			RespondNotFound(c, "Device not found")
			return
		}
		h.logger.Error("Failed to get device", "id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapDeviceToResponse(dev))
}

// UpdateSettings overlays a partial settings document onto the stored blob
// and pushes the merged result to the controller. The push is best-effort;
// an offline controller picks the settings up from its next state exchange.
func (h *DeviceHandler) UpdateSettings(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid device ID")
		return
	}

	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	overlay, err := decodeSettings(req.Settings)
	if err != nil {
		RespondBadRequest(c, "Invalid settings: "+err.Error())
		return
	}

	dev, err := h.devices.GetByID(c.Request.Context(), id)
	if err != nil {
		var notFound device.ErrDeviceNotFound
		if errors.As(err, &notFound) {
			RespondNotFound(c, "Device not found")
			return
		}
		h.logger.Error("Failed to get device", "id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	merged := dev.Settings.Merge(overlay)
	if err := h.devices.UpdateSettings(c.Request.Context(), id, merged); err != nil {
		h.logger.Error("Failed to update device settings", "id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	// The controller confirms the push with a bare ack on the config route.
	// An offline device only costs the wait: the settings are already
	// persisted and the retained message delivers them on reconnect.
	if _, err := h.commands.SendAndWait(c.Request.Context(), dev.DeviceID, settingsFeature, req.Settings, 1, settingsCommandTTL, settingsAckTimeout); err != nil {
		h.logger.Warn("Settings push not acknowledged",
			"device_id", dev.DeviceID,
			"error", err,
		)
	}

	dev.Settings = merged
	RespondOK(c, mapDeviceToResponse(dev))
}

// ListTransactions retrieves paginated device-reported sales, newest first
func (h *DeviceHandler) ListTransactions(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid device ID")
		return
	}

	var params PaginationParams
	if err := c.ShouldBindQuery(&params); err != nil {
		RespondBadRequest(c, "Invalid pagination parameters: "+err.Error())
		return
	}
	offset := (params.Page - 1) * params.PerPage

	txs, err := h.transactions.ListByDevice(c.Request.Context(), id, params.PerPage, offset)
	if err != nil {
		h.logger.Error("Failed to list transactions", "device_id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	responses := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		responses = append(responses, TransactionResponse{
			ID:              tx.ID.String(),
			ControllerTxID:  tx.ControllerTxID,
			DeviceID:        tx.DeviceID.String(),
			Family:          string(tx.Family),
			CoinAmount:      tx.Amounts.Coin,
			BillAmount:      tx.Amounts.Bill,
			CashlessAmount:  tx.Amounts.Cashless,
			QRAmount:        tx.Amounts.QR,
			FreeAmount:      tx.Amounts.Free,
			TotalAmount:     tx.Amounts.Total(),
			DeviceCreatedAt: tx.DeviceCreatedAt.Format(time.RFC3339),
			CreatedAt:       tx.CreatedAt.Format(time.RFC3339),
		})
	}

	RespondOK(c, TransactionListResponse{Transactions: responses})
}

// decodeSettings converts the request's free-form settings document into the
// typed blob, preserving unmodeled keys
func decodeSettings(raw map[string]any) (device.Settings, error) {
	var settings device.Settings
	if len(raw) == 0 {
		return settings, nil
	}
	enc, err := json.Marshal(raw)
	if err != nil {
		return settings, err
	}
	if err := json.Unmarshal(enc, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// mapDeviceToResponse maps a device entity to a device response DTO
func mapDeviceToResponse(dev *device.Device) DeviceResponse {
	resp := DeviceResponse{
		ID:            dev.ID.String(),
		DeviceID:      dev.DeviceID,
		Family:        string(dev.Family),
		Name:          dev.Name,
		Fiscalize:     dev.Fiscalize,
		ReportedState: dev.ReportedState,
		CreatedAt:     dev.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     dev.UpdatedAt.Format(time.RFC3339),
	}
	if dev.LocationID != nil {
		resp.LocationID = dev.LocationID.String()
	}
	if raw, err := json.Marshal(dev.Settings); err == nil {
		var flat map[string]any
		if json.Unmarshal(raw, &flat) == nil {
			resp.Settings = flat
		}
	}
	return resp
}
