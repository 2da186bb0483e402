// Package payment defines the payment entity, its status machine and the
// repository contract. A payment is one money-movement attempt; for
// gateway-driven payments the gateway-assigned invoice id is the idempotency
// key for every status transition.
package payment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies how the money moved
type Type string

const (
	TypeCash   Type = "cash"
	TypeCard   Type = "card"
	TypeQR     Type = "qr"
	TypeFree   Type = "free"
	TypeLiqPay Type = "liqpay"
	TypeMono   Type = "monopay"
)

// FailureReason defines payment failure categories
type FailureReason string

const (
	// FailureReasonDispenseFailed is the fixed user-facing message written when
	// the hold-stage device command fails and the hold is refunded
	FailureReasonDispenseFailed FailureReason = "DISPENSE_FAILED_FUNDS_RETURNED"
	FailureReasonGatewayError   FailureReason = "GATEWAY_ERROR"
	FailureReasonUnknownError   FailureReason = "UNKNOWN_ERROR"
)

// Payment represents one money-movement attempt
type Payment struct {
	ID        uuid.UUID
	InvoiceID *string // Gateway-assigned, globally unique, nil for cash/card/free
	DeviceID  uuid.UUID
	Amount    int64 // Minor units
	Type      Type
	Status    Status
	// FailureReason is set on FAILED and on hold-command compensation
	FailureReason *string
	// ReceiptID correlates the external fiscal receipt, caller-generated
	ReceiptID *uuid.UUID
	CreatedAt time.Time
	// DeviceCreatedAt is the device-reported creation time, nil for
	// gateway-originated payments
	DeviceCreatedAt *time.Time
	UpdatedAt       time.Time
}

// ErrPaymentNotFound indicates no payment exists for the given invoice
type ErrPaymentNotFound struct {
	InvoiceID string
}

func (e ErrPaymentNotFound) Error() string {
	return fmt.Sprintf("payment not found for invoice: %s", e.InvoiceID)
}
