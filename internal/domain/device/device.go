// Package device defines the controller entity and its repository contract.
// A controller is an unattended machine (water dispenser, carwash post,
// vacuum station, laundry machine or standalone fiscal terminal) addressed
// over MQTT by its stable device identifier.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidFamily = errors.New("invalid controller family")

// Family discriminates controller hardware types. Family-specific behavior
// (payload layout, sale amount buckets) keys off this value.
type Family string

const (
	FamilyWater   Family = "water"
	FamilyCarwash Family = "carwash"
	FamilyVacuum  Family = "vacuum"
	FamilyLaundry Family = "laundry"
	FamilyFiscal  Family = "fiscal"
)

// ParseFamily validates a raw family discriminator
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case FamilyWater, FamilyCarwash, FamilyVacuum, FamilyLaundry, FamilyFiscal:
		return Family(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFamily, s)
}

// GatewayCredentials holds the per-merchant payment gateway material for one
// controller. Secrets are never global; every controller can belong to a
// different merchant account.
type GatewayCredentials struct {
	LiqPayPublicKey  string `json:"liqpay_public_key,omitempty"`
	LiqPayPrivateKey string `json:"liqpay_private_key,omitempty"`
	MonoToken        string `json:"mono_token,omitempty"`
	FiscalLicenseKey string `json:"fiscal_license_key,omitempty"`
	FiscalPIN        string `json:"fiscal_pin,omitempty"`
}

// Device represents one deployed controller
type Device struct {
	ID          uuid.UUID
	DeviceID    string // Stable transport address, unique across the fleet
	Family      Family
	Name        string
	LocationID  *uuid.UUID
	Credentials GatewayCredentials
	Settings    Settings
	// Fiscalize enables receipt issuance for completed payments on this controller
	Fiscalize bool
	// ReportedState is the latest device-reported state snapshot, last-write-wins
	ReportedState map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrDeviceNotFound indicates the requested controller does not exist
type ErrDeviceNotFound struct {
	DeviceID string
}

func (e ErrDeviceNotFound) Error() string {
	return fmt.Sprintf("device not found: %s", e.DeviceID)
}
