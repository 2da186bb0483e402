package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/naglyadservice/dash-backend/internal/domain/transaction"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionRepository implements the transaction.Repository interface for
// PostgreSQL. The dedup invariant lives in the database as a unique
// constraint on (controller_tx_id, device_id, device_created_at); the
// insert-if-absent below rides ON CONFLICT DO NOTHING so concurrent
// deliveries of the same retransmission race safely inside Postgres instead
// of in application code.
type TransactionRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewTransactionRepository creates a new PostgreSQL transaction repository
func NewTransactionRepository(logger *slog.Logger, db *persistence.PostgresDB) transaction.Repository {
	return &TransactionRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// InsertIfAbsent attempts the atomic guarded insert and reports whether the
// row was newly inserted
func (r *TransactionRepository) InsertIfAbsent(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	details, err := marshalDetails(tx)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO transactions (id, controller_tx_id, device_id, family, coin_amount, bill_amount, cashless_amount, qr_amount, free_amount, details, device_created_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (controller_tx_id, device_id, device_created_at) DO NOTHING
	`

	result, err := r.querier.Exec(ctx, query,
		tx.ID,
		tx.ControllerTxID,
		tx.DeviceID,
		tx.Family,
		tx.Amounts.Coin,
		tx.Amounts.Bill,
		tx.Amounts.Cashless,
		tx.Amounts.QR,
		tx.Amounts.Free,
		details,
		tx.DeviceCreatedAt,
		tx.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert transaction",
			"controller_tx_id", tx.ControllerTxID,
			"device_id", tx.DeviceID.String(),
			"error", err,
		)
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// InsertEncashmentIfAbsent applies the same guarded insert to collection events
func (r *TransactionRepository) InsertEncashmentIfAbsent(ctx context.Context, enc *transaction.Encashment) (bool, error) {
	query := `
		INSERT INTO encashments (id, controller_tx_id, device_id, coin_amount, bill_amount, device_created_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (controller_tx_id, device_id, device_created_at) DO NOTHING
	`

	result, err := r.querier.Exec(ctx, query,
		enc.ID,
		enc.ControllerTxID,
		enc.DeviceID,
		enc.CoinAmount,
		enc.BillAmount,
		enc.DeviceCreatedAt,
		enc.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert encashment",
			"controller_tx_id", enc.ControllerTxID,
			"device_id", enc.DeviceID.String(),
			"error", err,
		)
		return false, fmt.Errorf("failed to insert encashment: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// GetByID retrieves a transaction by its internal id
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	query := `
		SELECT id, controller_tx_id, device_id, family, coin_amount, bill_amount, cashless_amount, qr_amount, free_amount, details, device_created_at, created_at
		FROM transactions
		WHERE id = $1
	`

	tx, err := r.scanTransaction(r.querier.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		r.logger.Error("Failed to get transaction", "id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListByDevice retrieves a page of transactions for one controller, newest first
func (r *TransactionRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT id, controller_tx_id, device_id, family, coin_amount, bill_amount, cashless_amount, qr_amount, free_amount, details, device_created_at, created_at
		FROM transactions
		WHERE device_id = $1
		ORDER BY device_created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.querier.Query(ctx, query, deviceID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list transactions", "device_id", deviceID.String(), "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var result []*transaction.Transaction
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return result, nil
}

func (r *TransactionRepository) scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	var details []byte
	err := row.Scan(
		&tx.ID,
		&tx.ControllerTxID,
		&tx.DeviceID,
		&tx.Family,
		&tx.Amounts.Coin,
		&tx.Amounts.Bill,
		&tx.Amounts.Cashless,
		&tx.Amounts.QR,
		&tx.Amounts.Free,
		&details,
		&tx.DeviceCreatedAt,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalDetails(&tx, details); err != nil {
		return nil, err
	}
	return &tx, nil
}

// familyDetails is the jsonb column layout for the family-specific variants
type familyDetails struct {
	Carwash *transaction.CarwashDetails `json:"carwash,omitempty"`
	Laundry *transaction.LaundryDetails `json:"laundry,omitempty"`
}

func marshalDetails(tx *transaction.Transaction) ([]byte, error) {
	if tx.Carwash == nil && tx.Laundry == nil {
		return nil, nil
	}
	raw, err := json.Marshal(familyDetails{Carwash: tx.Carwash, Laundry: tx.Laundry})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction details: %w", err)
	}
	return raw, nil
}

func unmarshalDetails(tx *transaction.Transaction, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var d familyDetails
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("failed to unmarshal transaction details: %w", err)
	}
	tx.Carwash = d.Carwash
	tx.Laundry = d.Laundry
	return nil
}
