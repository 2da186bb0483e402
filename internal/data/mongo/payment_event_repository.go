package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/naglyadservice/dash-backend/internal/domain/payment"
)

const (
	// EventCollectionName is the name of the payment event collection in MongoDB
	EventCollectionName = "payment_events"
)

// PaymentEventRepository implements the payment.EventRepository interface for
// MongoDB. The collection is append-only; events are never updated or
// deleted, so the trail stays a faithful record of every applied transition.
type PaymentEventRepository struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewPaymentEventRepository creates a new MongoDB payment event repository
func NewPaymentEventRepository(logger *slog.Logger, db *mongo.Database) payment.EventRepository {
	return &PaymentEventRepository{
		db:     db,
		logger: logger,
	}
}

// Append stores one applied transition event
func (r *PaymentEventRepository) Append(ctx context.Context, event *payment.Event) error {
	collection := r.db.Collection(EventCollectionName)

	_, err := collection.InsertOne(ctx, event)
	if err != nil {
		r.logger.Error("Failed to append payment event",
			"invoice_id", event.InvoiceID,
			"to_status", string(event.ToStatus),
			"error", err)
		return fmt.Errorf("failed to append payment event: %w", err)
	}

	return nil
}

// ListByInvoiceID retrieves the full trail for one invoice in applied order
func (r *PaymentEventRepository) ListByInvoiceID(ctx context.Context, invoiceID string) ([]*payment.Event, error) {
	collection := r.db.Collection(EventCollectionName)

	filter := bson.M{"invoice_id": invoiceID}
	opts := options.Find().SetSort(bson.M{"recorded_at": 1})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to get payment events",
			"invoice_id", invoiceID,
			"error", err)
		return nil, fmt.Errorf("failed to get payment events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*payment.Event
	if err := cursor.All(ctx, &events); err != nil {
		r.logger.Error("Failed to decode payment events",
			"invoice_id", invoiceID,
			"error", err)
		return nil, fmt.Errorf("failed to decode payment events: %w", err)
	}

	return events, nil
}
