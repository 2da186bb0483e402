package payment

import (
	"context"
	"time"
)

// Event is one applied status transition, appended to the audit trail.
// Events are immutable; the trail is the reconciliation history of an
// invoice.
type Event struct {
	InvoiceID     string    `bson:"invoice_id" json:"invoice_id"`
	DeviceID      string    `bson:"device_id" json:"device_id"`
	Gateway       Type      `bson:"gateway" json:"gateway"`
	FromStatus    Status    `bson:"from_status" json:"from_status"`
	ToStatus      Status    `bson:"to_status" json:"to_status"`
	Amount        int64     `bson:"amount" json:"amount"`
	Modified      time.Time `bson:"modified" json:"modified"`
	FailureReason string    `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	RecordedAt    time.Time `bson:"recorded_at" json:"recorded_at"`
}

// EventRepository appends transition events to the audit store
type EventRepository interface {
	Append(ctx context.Context, event *Event) error
	ListByInvoiceID(ctx context.Context, invoiceID string) ([]*Event, error)
}
