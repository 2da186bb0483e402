package device

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for controllers
type Repository interface {
	Create(ctx context.Context, dev *Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	// GetByDeviceID resolves a controller by its transport address
	GetByDeviceID(ctx context.Context, deviceID string) (*Device, error)
	UpdateSettings(ctx context.Context, id uuid.UUID, settings Settings) error
	// UpdateReportedState stores the latest device-reported snapshot, last-write-wins
	UpdateReportedState(ctx context.Context, id uuid.UUID, state map[string]any) error
}
