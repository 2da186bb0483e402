// Package postgres provides PostgreSQL implementations of the domain
// repositories. It handles all database operations while maintaining
// transaction safety and proper error handling.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

// PaymentRepository implements the payment.Repository interface for PostgreSQL
type PaymentRepository struct {
	querier persistence.Querier // Can be *pgxpool.Pool or pgx.Tx
	logger  *slog.Logger
}

// NewPaymentRepository creates a new PostgreSQL payment repository
func NewPaymentRepository(logger *slog.Logger, db *persistence.PostgresDB) payment.Repository {
	return &PaymentRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction, allowing for atomic
// operations across multiple repository calls
func (r *PaymentRepository) WithTx(tx pgx.Tx) payment.Repository {
	return &PaymentRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Create stores a new payment row
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	query := `
		INSERT INTO payments (id, invoice_id, device_id, amount, type, status, failure_reason, receipt_id, created_at, device_created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.querier.Exec(ctx, query,
		p.ID,
		p.InvoiceID,
		p.DeviceID,
		p.Amount,
		p.Type,
		p.Status,
		p.FailureReason,
		p.ReceiptID,
		p.CreatedAt,
		p.DeviceCreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create payment", "error", err)
		return fmt.Errorf("failed to create payment: %w", err)
	}

	return nil
}

// GetByInvoiceID retrieves a payment by its gateway invoice id. The invoice
// id is the idempotency key for all gateway-driven transitions.
func (r *PaymentRepository) GetByInvoiceID(ctx context.Context, invoiceID string) (*payment.Payment, error) {
	query := `
		SELECT id, invoice_id, device_id, amount, type, status, failure_reason, receipt_id, created_at, device_created_at, updated_at
		FROM payments
		WHERE invoice_id = $1
	`

	var p payment.Payment
	err := r.querier.QueryRow(ctx, query, invoiceID).Scan(
		&p.ID,
		&p.InvoiceID,
		&p.DeviceID,
		&p.Amount,
		&p.Type,
		&p.Status,
		&p.FailureReason,
		&p.ReceiptID,
		&p.CreatedAt,
		&p.DeviceCreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrPaymentNotFound{InvoiceID: invoiceID}
		}
		r.logger.Error("Failed to get payment by invoice id", "invoice_id", invoiceID, "error", err)
		return nil, fmt.Errorf("failed to get payment by invoice id: %w", err)
	}

	return &p, nil
}

// GetByID retrieves a payment by its internal id
func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	query := `
		SELECT id, invoice_id, device_id, amount, type, status, failure_reason, receipt_id, created_at, device_created_at, updated_at
		FROM payments
		WHERE id = $1
	`

	var p payment.Payment
	err := r.querier.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.InvoiceID,
		&p.DeviceID,
		&p.Amount,
		&p.Type,
		&p.Status,
		&p.FailureReason,
		&p.ReceiptID,
		&p.CreatedAt,
		&p.DeviceCreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrPaymentNotFound{InvoiceID: id.String()}
		}
		r.logger.Error("Failed to get payment", "id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &p, nil
}

// UpdateStatus writes the new status with the optional failure reason and
// receipt correlation in one statement
func (r *PaymentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status payment.Status, failureReason *string, receiptID *uuid.UUID) error {
	query := `
		UPDATE payments
		SET status = $1,
		    failure_reason = COALESCE($2, failure_reason),
		    receipt_id = COALESCE($3, receipt_id),
		    updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.querier.Exec(ctx, query, status, failureReason, receiptID, id)
	if err != nil {
		r.logger.Error("Failed to update payment status", "id", id.String(), "status", status, "error", err)
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return payment.ErrPaymentNotFound{InvoiceID: id.String()}
	}

	return nil
}
