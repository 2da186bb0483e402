// Package gateway implements the payment processor clients. Each client
// covers invoice creation, capture (finalize), refund and webhook signature
// verification for one processor, so the reconciliation engine never
// branches on gateway specifics beyond choosing which client to call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
)

// ErrSignatureInvalid rejects a webhook before any state mutation. Always
// fatal to that webhook, never retried.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrMissingCredentials indicates the controller has no merchant material
// for the requested gateway
var ErrMissingCredentials = errors.New("gateway credentials missing for device")

// ErrGatewayUnavailable wraps a non-2xx processor response. Surfaced to the
// caller, not retried automatically.
type ErrGatewayUnavailable struct {
	Gateway    string
	StatusCode int
}

func (e *ErrGatewayUnavailable) Error() string {
	return fmt.Sprintf("gateway %s unavailable: status %d", e.Gateway, e.StatusCode)
}

// Invoice is the result of creating a payment page with a processor
type Invoice struct {
	InvoiceID string
	PageURL   string
}

// WebhookEvent is a verified, decoded webhook body, normalized across
// gateways
type WebhookEvent struct {
	InvoiceID string
	Status    payment.Status
	// Modified is the gateway's monotonically increasing modification
	// timestamp, the staleness guard's ordering key
	Modified      time.Time
	Amount        int64
	FailureReason string
}

// Client is the per-processor contract consumed by the reconciliation engine
type Client interface {
	Type() payment.Type
	// CreateInvoice opens a payment page for the given controller's merchant
	// account. holdMoney requests a two-stage authorize/capture flow.
	CreateInvoice(ctx context.Context, dev *device.Device, amount int64, holdMoney bool) (*Invoice, error)
	// Finalize captures a previously held amount
	Finalize(ctx context.Context, invoiceID string, amount int64) error
	// Refund releases held funds or reverses a capture
	Refund(ctx context.Context, invoiceID string, amount int64) error
	// ParseWebhook verifies the signature and decodes the body. Returns
	// ErrSignatureInvalid without decoding side effects when verification
	// fails.
	ParseWebhook(ctx context.Context, rawBody []byte, signature string) (*WebhookEvent, error)
}
