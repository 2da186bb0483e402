// Package mqtt wraps the paho client behind the small publish/subscribe
// surface the command channel needs. No business knowledge lives here.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/naglyadservice/dash-backend/internal/config"
)

// Handler is invoked for every inbound message on a subscribed topic filter
type Handler func(topic string, payload []byte)

// Transport is the broker-facing contract consumed by the dispatcher and
// the command channel
type Transport interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Subscribe(ctx context.Context, topicFilter string, qos byte, handler Handler) error
	Close()
}

type Client struct {
	client paho.Client
	logger *slog.Logger
}

func NewClient(logger *slog.Logger, cfg *config.MQTTConfig) (*Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost", "error", err)
	}
	opts.OnConnect = func(_ paho.Client) {
		logger.Info("Connected to MQTT broker", "broker", cfg.BrokerURL)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// Publish sends a payload to a topic. Delivery is at-most-once from the
// caller's perspective; QoS only controls the broker leg.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic filter. Handlers run on paho's
// router goroutines and must not block.
func (c *Client) Subscribe(ctx context.Context, topicFilter string, qos byte, handler Handler) error {
	token := c.client.Subscribe(topicFilter, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topicFilter, err)
	}

	c.logger.Info("Subscribed to MQTT topic filter", "filter", topicFilter, "qos", qos)
	return nil
}

func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("Disconnected from MQTT broker")
}
