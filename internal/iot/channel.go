// Package iot turns the fire-and-forget MQTT transport into a typed
// request/reply API per device. A command that expects a reply registers a
// waiter keyed by (device id, generated request id) before publishing; the
// dispatcher resolves it when a matching reply topic arrives. No retries
// happen at this layer - retry policy belongs to the caller.
package iot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/platform/mqtt"
)

// Response is a decoded device reply. A nonzero Code means the device
// rejected the command.
type Response struct {
	RequestID string          `json:"request_id"`
	Code      int             `json:"error,omitempty"`
	Message   string          `json:"error_message,omitempty"`
	Payload   json.RawMessage `json:"-"` // Full reply body for feature-specific decoding
}

// Channel is the command side of the device protocol
type Channel struct {
	transport mqtt.Transport
	prefix    string
	waiters   *waiterTable
	logger    *slog.Logger
}

func NewChannel(transport mqtt.Transport, topicPrefix string, logger *slog.Logger) *Channel {
	return &Channel{
		transport: transport,
		prefix:    topicPrefix,
		waiters:   newWaiterTable(),
		logger:    logger,
	}
}

// SendCommand publishes a command without waiting for a reply and returns the
// generated request id
func (c *Channel) SendCommand(ctx context.Context, deviceID, feature string, payload map[string]any, qos byte, ttl time.Duration) (string, error) {
	requestID := uuid.NewString()
	body, err := encodeCommand(requestID, payload, ttl)
	if err != nil {
		return "", err
	}

	topic := CommandTopic(c.prefix, deviceID, feature)
	if err := c.transport.Publish(ctx, topic, qos, false, body); err != nil {
		return "", fmt.Errorf("failed to send command %s to %s: %w", feature, deviceID, err)
	}

	c.logger.Debug("Sent command", "device_id", deviceID, "feature", feature, "request_id", requestID)
	return requestID, nil
}

// SendAndWait publishes a command and blocks until the dispatcher resolves
// the reply, the timeout elapses, or ctx is canceled. Timeout and
// cancellation both remove the waiter so the table never leaks.
func (c *Channel) SendAndWait(ctx context.Context, deviceID, feature string, payload map[string]any, qos byte, ttl, timeout time.Duration) (*Response, error) {
	requestID := uuid.NewString()
	body, err := encodeCommand(requestID, payload, ttl)
	if err != nil {
		return nil, err
	}

	// Register before publishing so a fast reply cannot race the waiter
	ch := c.waiters.add(deviceID, requestID)

	topic := CommandTopic(c.prefix, deviceID, feature)
	if err := c.transport.Publish(ctx, topic, qos, false, body); err != nil {
		c.waiters.remove(deviceID, requestID)
		return nil, fmt.Errorf("failed to send command %s to %s: %w", feature, deviceID, err)
	}

	c.logger.Debug("Sent command, awaiting reply",
		"device_id", deviceID,
		"feature", feature,
		"request_id", requestID,
		"timeout", timeout,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.response != nil && res.response.Code != 0 {
			return nil, &ControllerResponseError{
				DeviceID:  deviceID,
				RequestID: requestID,
				Code:      res.response.Code,
				Message:   res.response.Message,
			}
		}
		return res.response, nil
	case <-timer.C:
		c.waiters.remove(deviceID, requestID)
		return nil, &ControllerTimeoutError{DeviceID: deviceID, RequestID: requestID, Timeout: timeout}
	case <-ctx.Done():
		c.waiters.remove(deviceID, requestID)
		return nil, ctx.Err()
	}
}

// PendingWaiters reports the number of outstanding request/reply pairs
func (c *Channel) PendingWaiters() int {
	return c.waiters.size()
}

// encodeCommand injects the correlation id and expiry into the payload
// envelope. Devices discard commands past their expiry.
func encodeCommand(requestID string, payload map[string]any, ttl time.Duration) ([]byte, error) {
	envelope := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		envelope[k] = v
	}
	envelope["request_id"] = requestID
	if ttl > 0 {
		envelope["expires_at"] = time.Now().Add(ttl).Unix()
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command payload: %w", err)
	}
	return body, nil
}
