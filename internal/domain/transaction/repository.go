package transaction

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for device-reported events.
// InsertIfAbsent is the dedup primitive: an atomic insert guarded by the
// uniqueness of (controller_tx_id, device_id, device_created_at). Callers
// must branch on the returned flag - acknowledgments are sent either way,
// financial mutations only on a fresh insert.
type Repository interface {
	// InsertIfAbsent reports whether the row was newly inserted
	InsertIfAbsent(ctx context.Context, tx *Transaction) (bool, error)
	InsertEncashmentIfAbsent(ctx context.Context, enc *Encashment) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*Transaction, error)
}
