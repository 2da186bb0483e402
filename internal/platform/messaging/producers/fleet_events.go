package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/naglyadservice/dash-backend/internal/config"
)

// FleetEventProducer publishes reconciliation and ingestion outcomes to the
// fleet event stream for downstream consumers (dashboards, settlement).
// Publishing is async and never on the reconciliation critical path.
type FleetEventProducer struct {
	logger *slog.Logger
	writer KafkaWriter // Interface for testability
	topic  string
}

// NewFleetEventProducer creates the producer and ensures the topic exists
func NewFleetEventProducer(ctx context.Context, logger *slog.Logger, cfg *config.KafkaConfig) (*FleetEventProducer, error) {
	if cfg.FleetEventsTopic == "" {
		return nil, fmt.Errorf("kafka fleet events topic is not configured")
	}

	conn, err := kafka.Dial("tcp", cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("failed to dial kafka for fleet event producer: %w", err)
	}
	defer conn.Close()

	err = createKafkaTopicIfNotExists(conn, cfg.FleetEventsTopic, cfg.NumPartitions, cfg.ReplicationFactor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure fleet events topic %s exists: %w", cfg.FleetEventsTopic, err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.FleetEventsTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true, // Event publishing must never block a state transition
		WriteTimeout: cfg.MaxWait,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to write fleet events asynchronously", "topic", cfg.FleetEventsTopic, "error", err, "count", len(messages))
			} else {
				logger.Debug("Successfully wrote fleet events asynchronously", "topic", cfg.FleetEventsTopic, "count", len(messages))
			}
		},
	}

	return &FleetEventProducer{
		logger: logger,
		writer: writer,
		topic:  cfg.FleetEventsTopic,
	}, nil
}

// Publish marshals the event and writes it keyed by device id so events for
// one controller stay ordered within a partition
func (p *FleetEventProducer) Publish(ctx context.Context, key string, value interface{}) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal fleet event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: jsonValue,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish fleet event",
			"topic", p.topic,
			"key", key,
			"error", err,
		)
		return fmt.Errorf("failed to publish fleet event to %s: %w", p.topic, err)
	}

	p.logger.Debug("Published fleet event", "topic", p.topic, "key", key)
	return nil
}

func (p *FleetEventProducer) Close() error {
	p.logger.Info("Closing fleet event producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close fleet event kafka writer for topic %s: %w", p.topic, err)
	}
	return nil
}
