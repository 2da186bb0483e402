package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository defines the persistence contract for payments
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByInvoiceID(ctx context.Context, invoiceID string) (*Payment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	// UpdateStatus writes the new status together with the optional failure
	// reason and receipt correlation in one statement
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, failureReason *string, receiptID *uuid.UUID) error
	// WithTx returns a repository bound to the given transaction
	WithTx(tx pgx.Tx) Repository
}
