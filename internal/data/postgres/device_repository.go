package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

// DeviceRepository implements the device.Repository interface for PostgreSQL.
// Credentials, settings and reported state are stored as jsonb columns; the
// typed Go structs are the source of truth for their layout.
type DeviceRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewDeviceRepository creates a new PostgreSQL device repository
func NewDeviceRepository(logger *slog.Logger, db *persistence.PostgresDB) device.Repository {
	return &DeviceRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// Create inserts a new controller
func (r *DeviceRepository) Create(ctx context.Context, dev *device.Device) error {
	credentials, err := json.Marshal(dev.Credentials)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	settings, err := json.Marshal(dev.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	state, err := marshalState(dev.ReportedState)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO devices (id, device_id, family, name, location_id, credentials, settings, fiscalize, reported_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.querier.Exec(ctx, query,
		dev.ID,
		dev.DeviceID,
		dev.Family,
		dev.Name,
		dev.LocationID,
		credentials,
		settings,
		dev.Fiscalize,
		state,
		dev.CreatedAt,
		dev.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create device", "device_id", dev.DeviceID, "error", err)
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// GetByID retrieves a controller by its internal id
func (r *DeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*device.Device, error) {
	query := deviceSelect + ` WHERE id = $1`

	dev, err := r.scanDevice(r.querier.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, device.ErrDeviceNotFound{DeviceID: id.String()}
		}
		r.logger.Error("Failed to get device", "id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return dev, nil
}

// GetByDeviceID resolves a controller by its transport address
func (r *DeviceRepository) GetByDeviceID(ctx context.Context, deviceID string) (*device.Device, error) {
	query := deviceSelect + ` WHERE device_id = $1`

	dev, err := r.scanDevice(r.querier.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, device.ErrDeviceNotFound{DeviceID: deviceID}
		}
		r.logger.Error("Failed to get device", "device_id", deviceID, "error", err)
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return dev, nil
}

// UpdateSettings replaces the settings blob
func (r *DeviceRepository) UpdateSettings(ctx context.Context, id uuid.UUID, settings device.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `UPDATE devices SET settings = $1, updated_at = $2 WHERE id = $3`

	result, err := r.querier.Exec(ctx, query, raw, time.Now(), id)
	if err != nil {
		r.logger.Error("Failed to update device settings", "id", id.String(), "error", err)
		return fmt.Errorf("failed to update device settings: %w", err)
	}
	if result.RowsAffected() == 0 {
		return device.ErrDeviceNotFound{DeviceID: id.String()}
	}
	return nil
}

// UpdateReportedState stores the latest device-reported snapshot, last-write-wins
func (r *DeviceRepository) UpdateReportedState(ctx context.Context, id uuid.UUID, state map[string]any) error {
	raw, err := marshalState(state)
	if err != nil {
		return err
	}

	query := `UPDATE devices SET reported_state = $1, updated_at = $2 WHERE id = $3`

	result, err := r.querier.Exec(ctx, query, raw, time.Now(), id)
	if err != nil {
		r.logger.Error("Failed to update reported state", "id", id.String(), "error", err)
		return fmt.Errorf("failed to update reported state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return device.ErrDeviceNotFound{DeviceID: id.String()}
	}
	return nil
}

const deviceSelect = `
	SELECT id, device_id, family, name, location_id, credentials, settings, fiscalize, reported_state, created_at, updated_at
	FROM devices`

func (r *DeviceRepository) scanDevice(row pgx.Row) (*device.Device, error) {
	var dev device.Device
	var credentials, settings, state []byte
	err := row.Scan(
		&dev.ID,
		&dev.DeviceID,
		&dev.Family,
		&dev.Name,
		&dev.LocationID,
		&credentials,
		&settings,
		&dev.Fiscalize,
		&state,
		&dev.CreatedAt,
		&dev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &dev.Credentials); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &dev.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &dev.ReportedState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reported state: %w", err)
		}
	}
	return &dev, nil
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reported state: %w", err)
	}
	return raw, nil
}
