package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/transaction"
)

func testTransaction() *transaction.Transaction {
	return &transaction.Transaction{
		ID:             uuid.New(),
		ControllerTxID: 42,
		DeviceID:       uuid.New(),
		Family:         device.FamilyWater,
		Amounts: transaction.Amounts{
			Coin: 100,
			Bill: 200,
		},
		DeviceCreatedAt: time.Unix(1700000000, 0).UTC(),
		CreatedAt:       time.Now(),
	}
}

const insertTransactionQuery = `
		INSERT INTO transactions \(id, controller_tx_id, device_id, family, coin_amount, bill_amount, cashless_amount, qr_amount, free_amount, details, device_created_at, created_at\)
		VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10, \$11, \$12\)
		ON CONFLICT \(controller_tx_id, device_id, device_created_at\) DO NOTHING
	`

func TestTransactionRepository_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &TransactionRepository{querier: mock, logger: logger}
	tx := testTransaction()

	t.Run("fresh row is inserted", func(t *testing.T) {
		mock.ExpectExec(insertTransactionQuery).
			WithArgs(tx.ID, tx.ControllerTxID, tx.DeviceID, tx.Family, tx.Amounts.Coin, tx.Amounts.Bill, tx.Amounts.Cashless, tx.Amounts.QR, tx.Amounts.Free, []byte(nil), tx.DeviceCreatedAt, tx.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		inserted, err := repo.InsertIfAbsent(ctx, tx)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict reports duplicate", func(t *testing.T) {
		mock.ExpectExec(insertTransactionQuery).
			WithArgs(tx.ID, tx.ControllerTxID, tx.DeviceID, tx.Family, tx.Amounts.Coin, tx.Amounts.Bill, tx.Amounts.Cashless, tx.Amounts.QR, tx.Amounts.Free, []byte(nil), tx.DeviceCreatedAt, tx.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		inserted, err := repo.InsertIfAbsent(ctx, tx)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("carwash details serialized to jsonb", func(t *testing.T) {
		withDetails := testTransaction()
		withDetails.Family = device.FamilyCarwash
		withDetails.Carwash = &transaction.CarwashDetails{Services: map[string]int64{"foam": 120}}

		mock.ExpectExec(insertTransactionQuery).
			WithArgs(withDetails.ID, withDetails.ControllerTxID, withDetails.DeviceID, withDetails.Family, withDetails.Amounts.Coin, withDetails.Amounts.Bill, withDetails.Amounts.Cashless, withDetails.Amounts.QR, withDetails.Amounts.Free, []byte(`{"carwash":{"services":{"foam":120}}}`), withDetails.DeviceCreatedAt, withDetails.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		inserted, err := repo.InsertIfAbsent(ctx, withDetails)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure", func(t *testing.T) {
		expectedErr := errors.New("db error")
		mock.ExpectExec(insertTransactionQuery).
			WithArgs(tx.ID, tx.ControllerTxID, tx.DeviceID, tx.Family, tx.Amounts.Coin, tx.Amounts.Bill, tx.Amounts.Cashless, tx.Amounts.QR, tx.Amounts.Free, []byte(nil), tx.DeviceCreatedAt, tx.CreatedAt).
			WillReturnError(expectedErr)

		inserted, err := repo.InsertIfAbsent(ctx, tx)
		assert.False(t, inserted)
		assert.ErrorIs(t, err, expectedErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionRepository_InsertEncashmentIfAbsent(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &TransactionRepository{querier: mock, logger: logger}
	enc := &transaction.Encashment{
		ID:              uuid.New(),
		ControllerTxID:  9,
		DeviceID:        uuid.New(),
		CoinAmount:      1500,
		BillAmount:      20000,
		DeviceCreatedAt: time.Unix(1700000000, 0).UTC(),
		CreatedAt:       time.Now(),
	}

	query := `
		INSERT INTO encashments \(id, controller_tx_id, device_id, coin_amount, bill_amount, device_created_at, created_at\)
		VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)
		ON CONFLICT \(controller_tx_id, device_id, device_created_at\) DO NOTHING
	`

	t.Run("fresh row is inserted", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(enc.ID, enc.ControllerTxID, enc.DeviceID, enc.CoinAmount, enc.BillAmount, enc.DeviceCreatedAt, enc.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		inserted, err := repo.InsertEncashmentIfAbsent(ctx, enc)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict reports duplicate", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(enc.ID, enc.ControllerTxID, enc.DeviceID, enc.CoinAmount, enc.BillAmount, enc.DeviceCreatedAt, enc.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		inserted, err := repo.InsertEncashmentIfAbsent(ctx, enc)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionRepository_GetByID(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &TransactionRepository{querier: mock, logger: logger}
	expected := testTransaction()

	query := `
		SELECT id, controller_tx_id, device_id, family, coin_amount, bill_amount, cashless_amount, qr_amount, free_amount, details, device_created_at, created_at
		FROM transactions
		WHERE id = \$1
	`

	t.Run("success with details", func(t *testing.T) {
		rows := pgxmock.NewRows([]string{"id", "controller_tx_id", "device_id", "family", "coin_amount", "bill_amount", "cashless_amount", "qr_amount", "free_amount", "details", "device_created_at", "created_at"}).
			AddRow(expected.ID, expected.ControllerTxID, expected.DeviceID, expected.Family, expected.Amounts.Coin, expected.Amounts.Bill, expected.Amounts.Cashless, expected.Amounts.QR, expected.Amounts.Free, []byte(`{"laundry":{"program":"cotton","duration_min":45}}`), expected.DeviceCreatedAt, expected.CreatedAt)

		mock.ExpectQuery(query).WithArgs(expected.ID).WillReturnRows(rows)

		got, err := repo.GetByID(ctx, expected.ID)
		require.NoError(t, err)
		assert.Equal(t, expected.ID, got.ID)
		require.NotNil(t, got.Laundry)
		assert.Equal(t, "cotton", got.Laundry.Program)
		assert.Equal(t, 45, got.Laundry.Duration)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		missing := uuid.New()
		mock.ExpectQuery(query).WithArgs(missing).WillReturnError(pgx.ErrNoRows)

		got, err := repo.GetByID(ctx, missing)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionRepository_ListByDevice(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &TransactionRepository{querier: mock, logger: logger}
	deviceID := uuid.New()

	query := `
		SELECT id, controller_tx_id, device_id, family, coin_amount, bill_amount, cashless_amount, qr_amount, free_amount, details, device_created_at, created_at
		FROM transactions
		WHERE device_id = \$1
		ORDER BY device_created_at DESC
		LIMIT \$2 OFFSET \$3
	`

	t.Run("returns page", func(t *testing.T) {
		first := testTransaction()
		second := testTransaction()
		rows := pgxmock.NewRows([]string{"id", "controller_tx_id", "device_id", "family", "coin_amount", "bill_amount", "cashless_amount", "qr_amount", "free_amount", "details", "device_created_at", "created_at"}).
			AddRow(first.ID, first.ControllerTxID, deviceID, first.Family, first.Amounts.Coin, first.Amounts.Bill, first.Amounts.Cashless, first.Amounts.QR, first.Amounts.Free, []byte(nil), first.DeviceCreatedAt, first.CreatedAt).
			AddRow(second.ID, second.ControllerTxID, deviceID, second.Family, second.Amounts.Coin, second.Amounts.Bill, second.Amounts.Cashless, second.Amounts.QR, second.Amounts.Free, []byte(nil), second.DeviceCreatedAt, second.CreatedAt)

		mock.ExpectQuery(query).WithArgs(deviceID, 20, 0).WillReturnRows(rows)

		got, err := repo.ListByDevice(ctx, deviceID, 20, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first.ID, got[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty page", func(t *testing.T) {
		rows := pgxmock.NewRows([]string{"id", "controller_tx_id", "device_id", "family", "coin_amount", "bill_amount", "cashless_amount", "qr_amount", "free_amount", "details", "device_created_at", "created_at"})
		mock.ExpectQuery(query).WithArgs(deviceID, 20, 40).WillReturnRows(rows)

		got, err := repo.ListByDevice(ctx, deviceID, 20, 40)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
