package recon

import (
	"context"
	"time"

	"github.com/naglyadservice/dash-backend/internal/fiscal"
	"github.com/naglyadservice/dash-backend/internal/iot"
)

// CommandSender is the slice of the command channel the engine needs
type CommandSender interface {
	SendAndWait(ctx context.Context, deviceID, feature string, payload map[string]any, qos byte, ttl, timeout time.Duration) (*iot.Response, error)
}

// ReceiptEnqueuer hands receipt work to the background queue
type ReceiptEnqueuer interface {
	Enqueue(req fiscal.ReceiptRequest)
}

// EventPublisher publishes fleet events for downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}
