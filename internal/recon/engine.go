// Package recon owns the payment state machine. It consumes verified
// webhook bodies from the gateway clients, guards them for staleness, and
// applies status transitions with their side effects: the hold-stage device
// command, capture or refund compensation, fiscal receipt issuance and the
// audit trail. All of it runs under a per-invoice lock so concurrent
// deliveries of the same webhook cannot both issue a device command or both
// settle the same hold.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/fiscal"
	"github.com/naglyadservice/dash-backend/internal/gateway"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

const (
	// Bounds on the per-invoice lock: the lease covers the longest critical
	// section (device command timeout plus gateway calls), the wait bound
	// keeps a stuck holder from piling up webhook deliveries
	lockLease = 30 * time.Second
	lockWait  = 10 * time.Second

	// The dispense command is the critical-path device call
	dispenseFeature = "payment/qr"
	dispenseTimeout = 10 * time.Second
	dispenseTTL     = 30 * time.Second
)

// Engine drives payment reconciliation
type Engine struct {
	clients  map[payment.Type]gateway.Client
	payments payment.Repository
	devices  device.Repository
	events   payment.EventRepository
	commands CommandSender
	receipts ReceiptEnqueuer
	fleet    EventPublisher
	locker   persistence.Locker
	guard    *stalenessGuard
	logger   *slog.Logger
}

func NewEngine(
	clients []gateway.Client,
	payments payment.Repository,
	devices device.Repository,
	events payment.EventRepository,
	commands CommandSender,
	receipts ReceiptEnqueuer,
	fleet EventPublisher,
	locker persistence.Locker,
	cache persistence.Cache,
	logger *slog.Logger,
) *Engine {
	byType := make(map[payment.Type]gateway.Client, len(clients))
	for _, c := range clients {
		byType[c.Type()] = c
	}

	return &Engine{
		clients:  byType,
		payments: payments,
		devices:  devices,
		events:   events,
		commands: commands,
		receipts: receipts,
		fleet:    fleet,
		locker:   locker,
		guard:    &stalenessGuard{cache: cache},
		logger:   logger,
	}
}

// CreateInvoice opens a payment page with the requested gateway and persists
// the CREATED payment row
func (e *Engine) CreateInvoice(ctx context.Context, dev *device.Device, amount int64, gatewayType payment.Type, holdMoney bool) (*gateway.Invoice, error) {
	client, ok := e.clients[gatewayType]
	if !ok {
		return nil, fmt.Errorf("unknown gateway type %q", gatewayType)
	}

	invoice, err := client.CreateInvoice(ctx, dev, amount, holdMoney)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	p := &payment.Payment{
		ID:        uuid.New(),
		InvoiceID: &invoice.InvoiceID,
		DeviceID:  dev.ID,
		Amount:    amount,
		Type:      gatewayType,
		Status:    payment.StatusCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to persist payment for invoice %s: %w", invoice.InvoiceID, err)
	}

	e.logger.Info("Invoice created",
		"invoice_id", invoice.InvoiceID,
		"device_id", dev.DeviceID,
		"gateway", gatewayType,
		"amount", amount,
		"hold", holdMoney,
	)
	return invoice, nil
}

// ProcessWebhook is the single entry point for gateway notifications. It is
// idempotent and safe to call concurrently and redundantly: signature
// failures reject the webhook before any state is touched, and stale or
// duplicate deliveries resolve to a silent no-op.
func (e *Engine) ProcessWebhook(ctx context.Context, gatewayType payment.Type, rawBody []byte, signature string) error {
	client, ok := e.clients[gatewayType]
	if !ok {
		return fmt.Errorf("unknown gateway type %q", gatewayType)
	}

	// 1. Verify and decode before anything else
	event, err := client.ParseWebhook(ctx, rawBody, signature)
	if err != nil {
		return err
	}

	logger := e.logger.With("invoice_id", event.InvoiceID, "gateway", gatewayType)

	// 2. Serialize per invoice. At-least-once webhook delivery means the
	// same notification can arrive twice concurrently.
	token, err := e.locker.Acquire(ctx, "invoice:"+event.InvoiceID, lockLease, lockWait)
	if err != nil {
		return fmt.Errorf("failed to lock invoice %s: %w", event.InvoiceID, err)
	}
	defer func() {
		if relErr := e.locker.Release(context.WithoutCancel(ctx), "invoice:"+event.InvoiceID, token); relErr != nil {
			logger.Error("Failed to release invoice lock", "error", relErr)
		}
	}()

	// 3. Staleness guard
	admit, err := e.guard.Admit(ctx, event.InvoiceID, event.Modified, event.Status)
	if err != nil {
		return err
	}
	if !admit {
		logger.Info("Discarding stale webhook", "status", event.Status, "modified", event.Modified)
		return nil
	}

	// 4. Load payment and owning controller
	pay, err := e.payments.GetByInvoiceID(ctx, event.InvoiceID)
	if err != nil {
		return err
	}
	dev, err := e.devices.GetByID(ctx, pay.DeviceID)
	if err != nil {
		return err
	}

	fromStatus := pay.Status
	if !payment.CanTransition(fromStatus, event.Status) && fromStatus != event.Status {
		// The guard already admitted this as correctly ordered; some
		// gateways resend late terminal events that overwrite a terminal row
		logger.Warn("Applying off-DAG transition admitted by staleness guard",
			"from", fromStatus, "to", event.Status)
	}

	// 5. Apply the transition with its side effects
	var failureReason *string
	var receiptID *uuid.UUID

	switch event.Status {
	case payment.StatusHold:
		failureReason = e.settleHold(ctx, logger, client, dev, pay, event)
	case payment.StatusCompleted:
		receiptID = e.maybeEnqueueReceipt(logger, dev, pay, false)
	case payment.StatusReversed:
		receiptID = e.maybeEnqueueReceipt(logger, dev, pay, true)
	case payment.StatusFailed:
		if event.FailureReason != "" {
			failureReason = &event.FailureReason
		}
	}

	// 6. The status write happens regardless of side-effect outcome
	if err := e.payments.UpdateStatus(ctx, pay.ID, event.Status, failureReason, receiptID); err != nil {
		return fmt.Errorf("failed to persist status %s for invoice %s: %w", event.Status, event.InvoiceID, err)
	}

	logger.Info("Payment transition applied", "from", fromStatus, "to", event.Status)

	e.recordEvent(ctx, logger, dev, pay, event, fromStatus, failureReason)
	return nil
}

// settleHold runs the hold-stage device command and settles the funds:
// capture on success, refund on any failure. The returned failure reason is
// non-nil when the hold was refunded. Failures here never abort the webhook;
// the command's outcome only decides capture vs refund.
func (e *Engine) settleHold(ctx context.Context, logger *slog.Logger, client gateway.Client, dev *device.Device, pay *payment.Payment, event *gateway.WebhookEvent) *string {
	cmdPayload := map[string]any{
		"amount": pay.Amount,
	}

	_, cmdErr := e.commands.SendAndWait(ctx, dev.DeviceID, dispenseFeature, cmdPayload, 1, dispenseTTL, dispenseTimeout)
	if cmdErr == nil {
		if err := client.Finalize(ctx, event.InvoiceID, pay.Amount); err != nil {
			logger.Error("Failed to finalize held funds", "error", err)
		}
		return nil
	}

	logger.Error("Hold-stage device command failed, refunding", "device_id", dev.DeviceID, "error", cmdErr)

	if err := client.Refund(ctx, event.InvoiceID, pay.Amount); err != nil {
		logger.Error("Compensating refund failed", "error", err)
	}

	reason := string(payment.FailureReasonDispenseFailed)
	return &reason
}

// maybeEnqueueReceipt hands a fiscal receipt to the background queue when
// the controller has fiscalization enabled. Never on the critical path.
func (e *Engine) maybeEnqueueReceipt(logger *slog.Logger, dev *device.Device, pay *payment.Payment, reversal bool) *uuid.UUID {
	if !dev.Fiscalize {
		return nil
	}

	// Equal-stamp terminal redeliveries are admitted by the guard; reusing
	// the persisted id makes the second enqueue a retry of the same receipt
	// instead of a new one
	receiptID := uuid.New()
	if pay.ReceiptID != nil {
		receiptID = *pay.ReceiptID
	}
	e.receipts.Enqueue(fiscal.ReceiptRequest{
		ReceiptID:  receiptID,
		LicenseKey: dev.Credentials.FiscalLicenseKey,
		PIN:        dev.Credentials.FiscalPIN,
		Amount:     pay.Amount,
		Reversal:   reversal,
		DeviceName: dev.Name,
	})
	logger.Info("Fiscal receipt enqueued", "receipt_id", receiptID, "reversal", reversal)
	return &receiptID
}

// recordEvent appends the audit document and publishes the fleet event.
// Both are best effort; the transition is already committed.
func (e *Engine) recordEvent(ctx context.Context, logger *slog.Logger, dev *device.Device, pay *payment.Payment, event *gateway.WebhookEvent, fromStatus payment.Status, failureReason *string) {
	auditEvent := &payment.Event{
		InvoiceID:  event.InvoiceID,
		DeviceID:   dev.DeviceID,
		Gateway:    pay.Type,
		FromStatus: fromStatus,
		ToStatus:   event.Status,
		Amount:     pay.Amount,
		Modified:   event.Modified,
		RecordedAt: time.Now(),
	}
	if failureReason != nil {
		auditEvent.FailureReason = *failureReason
	}

	if err := e.events.Append(ctx, auditEvent); err != nil {
		logger.Error("Failed to append audit event", "error", err)
	}

	if event.Status.IsTerminal() && e.fleet != nil {
		if err := e.fleet.Publish(ctx, dev.DeviceID, auditEvent); err != nil {
			logger.Error("Failed to publish fleet event", "error", err)
		}
	}
}

// IsSignatureError reports whether err rejected a webhook at the
// authentication stage
func IsSignatureError(err error) bool {
	return errors.Is(err, gateway.ErrSignatureInvalid)
}
