// Package ingest handles unsolicited device-originated messages: sale and
// encashment reports, state snapshots and denomination updates. Controllers
// retransmit a report until it is acknowledged, so every handler is built
// around the atomic insert-if-absent dedup: the acknowledgment is always
// sent, the financial side effects only on a fresh insert.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/domain/transaction"
	"github.com/naglyadservice/dash-backend/internal/iot"
)

const (
	ackQoS = byte(1)
	ackTTL = 60 * time.Second
)

// CommandSender is the slice of the command channel used for acknowledgments
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, feature string, payload map[string]any, qos byte, ttl time.Duration) (string, error)
}

// EventPublisher publishes ingested transactions to the fleet stream
type EventPublisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// Service wires the device event handlers into the dispatcher
type Service struct {
	transactions transaction.Repository
	payments     payment.Repository
	devices      device.Repository
	commands     CommandSender
	fleet        EventPublisher
	logger       *slog.Logger
}

func NewService(
	transactions transaction.Repository,
	payments payment.Repository,
	devices device.Repository,
	commands CommandSender,
	fleet EventPublisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		transactions: transactions,
		payments:     payments,
		devices:      devices,
		commands:     commands,
		fleet:        fleet,
		logger:       logger,
	}
}

// Register binds the handlers to their routes
func (s *Service) Register(d *iot.Dispatcher) {
	d.RegisterHandler("sale", s.HandleSale)
	d.RegisterHandler("encashment", s.HandleEncashment)
	d.RegisterHandler("state", s.HandleState)
	d.RegisterHandler("denomination", s.HandleDenomination)
}

// salePayload is the wire form of a device sale report
type salePayload struct {
	TransactionID int64            `json:"transaction_id"`
	Coin          int64            `json:"coin"`
	Bill          int64            `json:"bill"`
	Cashless      int64            `json:"cashless"`
	QR            int64            `json:"qr"`
	Free          int64            `json:"free"`
	CreatedAt     int64            `json:"created_at"` // Device clock, unix seconds
	Services      map[string]int64 `json:"services,omitempty"`
	Program       string           `json:"program,omitempty"`
	Duration      int              `json:"duration_min,omitempty"`
}

// HandleSale ingests one sale report. A retransmission after a missed ack
// must not create a second row or re-apply the money side effects, but the
// ack is sent either way so the device stops resending.
func (s *Service) HandleSale(ctx context.Context, deviceID string, rawPayload []byte) error {
	var p salePayload
	if err := json.Unmarshal(rawPayload, &p); err != nil {
		return fmt.Errorf("failed to decode sale payload from %s: %w", deviceID, err)
	}

	dev, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}

	tx := &transaction.Transaction{
		ID:             uuid.New(),
		ControllerTxID: p.TransactionID,
		DeviceID:       dev.ID,
		Family:         dev.Family,
		Amounts: transaction.Amounts{
			Coin:     p.Coin,
			Bill:     p.Bill,
			Cashless: p.Cashless,
			QR:       p.QR,
			Free:     p.Free,
		},
		DeviceCreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
		CreatedAt:       time.Now(),
	}
	attachFamilyDetails(tx, dev.Family, &p)

	inserted, err := s.transactions.InsertIfAbsent(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to ingest sale from %s: %w", deviceID, err)
	}

	if inserted {
		if err := s.createSalePayments(ctx, dev, tx); err != nil {
			// The row is already stored; payment rows can be reconstructed
			// from it, the ack still must go out
			s.logger.Error("Failed to create payment rows for sale",
				"device_id", deviceID,
				"controller_tx_id", p.TransactionID,
				"error", err,
			)
		}
		if s.fleet != nil {
			if err := s.fleet.Publish(ctx, deviceID, tx); err != nil {
				s.logger.Error("Failed to publish sale fleet event", "device_id", deviceID, "error", err)
			}
		}
	} else {
		s.logger.Info("Duplicate sale discarded",
			"device_id", deviceID,
			"controller_tx_id", p.TransactionID,
		)
	}

	return s.ack(ctx, deviceID, "sale/ack", p.TransactionID)
}

// encashmentPayload is the wire form of a cash collection report
type encashmentPayload struct {
	TransactionID int64 `json:"transaction_id"`
	Coin          int64 `json:"coin"`
	Bill          int64 `json:"bill"`
	CreatedAt     int64 `json:"created_at"`
}

// HandleEncashment ingests one collection report with the same dedup as sales
func (s *Service) HandleEncashment(ctx context.Context, deviceID string, rawPayload []byte) error {
	var p encashmentPayload
	if err := json.Unmarshal(rawPayload, &p); err != nil {
		return fmt.Errorf("failed to decode encashment payload from %s: %w", deviceID, err)
	}

	dev, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}

	enc := &transaction.Encashment{
		ID:              uuid.New(),
		ControllerTxID:  p.TransactionID,
		DeviceID:        dev.ID,
		CoinAmount:      p.Coin,
		BillAmount:      p.Bill,
		DeviceCreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
		CreatedAt:       time.Now(),
	}

	inserted, err := s.transactions.InsertEncashmentIfAbsent(ctx, enc)
	if err != nil {
		return fmt.Errorf("failed to ingest encashment from %s: %w", deviceID, err)
	}
	if !inserted {
		s.logger.Info("Duplicate encashment discarded",
			"device_id", deviceID,
			"controller_tx_id", p.TransactionID,
		)
	}

	return s.ack(ctx, deviceID, "encashment/ack", p.TransactionID)
}

// HandleState stores the latest device-reported snapshot, last-write-wins
func (s *Service) HandleState(ctx context.Context, deviceID string, rawPayload []byte) error {
	var state map[string]any
	if err := json.Unmarshal(rawPayload, &state); err != nil {
		return fmt.Errorf("failed to decode state payload from %s: %w", deviceID, err)
	}
	delete(state, "request_id")

	dev, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}

	return s.devices.UpdateReportedState(ctx, dev.ID, state)
}

// HandleDenomination mirrors the device's accepted-denomination config
func (s *Service) HandleDenomination(ctx context.Context, deviceID string, rawPayload []byte) error {
	var p struct {
		Denominations []int `json:"denominations"`
	}
	if err := json.Unmarshal(rawPayload, &p); err != nil {
		return fmt.Errorf("failed to decode denomination payload from %s: %w", deviceID, err)
	}

	dev, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}

	merged := dev.Settings.Merge(device.Settings{Denominations: p.Denominations})
	return s.devices.UpdateSettings(ctx, dev.ID, merged)
}

// createSalePayments persists one payment row per nonzero money bucket
func (s *Service) createSalePayments(ctx context.Context, dev *device.Device, tx *transaction.Transaction) error {
	buckets := []struct {
		amount int64
		typ    payment.Type
	}{
		{tx.Amounts.Coin + tx.Amounts.Bill, payment.TypeCash},
		{tx.Amounts.Cashless, payment.TypeCard},
		{tx.Amounts.QR, payment.TypeQR},
		{tx.Amounts.Free, payment.TypeFree},
	}

	for _, b := range buckets {
		if b.amount == 0 {
			continue
		}
		deviceCreatedAt := tx.DeviceCreatedAt
		p := &payment.Payment{
			ID:              uuid.New(),
			DeviceID:        dev.ID,
			Amount:          b.amount,
			Type:            b.typ,
			Status:          payment.StatusCompleted,
			CreatedAt:       time.Now(),
			DeviceCreatedAt: &deviceCreatedAt,
			UpdatedAt:       time.Now(),
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func attachFamilyDetails(tx *transaction.Transaction, family device.Family, p *salePayload) {
	switch family {
	case device.FamilyCarwash:
		if len(p.Services) > 0 {
			tx.Carwash = &transaction.CarwashDetails{Services: p.Services}
		}
	case device.FamilyLaundry:
		if p.Program != "" {
			tx.Laundry = &transaction.LaundryDetails{Program: p.Program, Duration: p.Duration}
		}
	}
}

// ack confirms the event so the controller stops retransmitting. Sent on
// fresh inserts and duplicates alike.
func (s *Service) ack(ctx context.Context, deviceID, feature string, controllerTxID int64) error {
	_, err := s.commands.SendCommand(ctx, deviceID, feature, map[string]any{
		"transaction_id": controllerTxID,
	}, ackQoS, ackTTL)
	if err != nil {
		return fmt.Errorf("failed to ack %s for %s: %w", feature, deviceID, err)
	}
	return nil
}
