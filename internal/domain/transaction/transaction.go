// Package transaction defines device-reported sale and encashment events and
// their repository contract. The triple (controller transaction id, device,
// device-reported timestamp) is the sole de-duplication key: a controller
// retransmits an event until it is acknowledged, and a retransmission must
// never create a second row or double-apply a balance debit.
package transaction

import (
	"time"

	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
)

// Amounts holds the per-channel money buckets of one sale, in minor units.
// A single sale can mix channels (partial coin, partial card).
type Amounts struct {
	Coin     int64 `json:"coin"`
	Bill     int64 `json:"bill"`
	Cashless int64 `json:"cashless"`
	QR       int64 `json:"qr"`
	Free     int64 `json:"free"`
}

// Total sums all channels
func (a Amounts) Total() int64 {
	return a.Coin + a.Bill + a.Cashless + a.QR + a.Free
}

// CarwashDetails carries the carwash-family service breakdown
type CarwashDetails struct {
	Services map[string]int64 `json:"services"` // service name -> seconds purchased
}

// LaundryDetails carries the laundry-family program fields
type LaundryDetails struct {
	Program  string `json:"program"`
	Duration int    `json:"duration_min"`
}

// Transaction is one device-reported sale event. Family-specific payloads
// hang off the shared fields as optional variants keyed by Family.
type Transaction struct {
	ID uuid.UUID
	// ControllerTxID is assigned by the device and unique only per device
	ControllerTxID int64
	DeviceID       uuid.UUID
	Family         device.Family
	Amounts        Amounts
	// DeviceCreatedAt is the device clock timestamp, part of the dedup key
	DeviceCreatedAt time.Time
	CreatedAt       time.Time

	Carwash *CarwashDetails
	Laundry *LaundryDetails
}

// Encashment is one device-reported cash collection event, deduplicated with
// the same key triple as sales
type Encashment struct {
	ID              uuid.UUID
	ControllerTxID  int64
	DeviceID        uuid.UUID
	CoinAmount      int64
	BillAmount      int64
	DeviceCreatedAt time.Time
	CreatedAt       time.Time
}
