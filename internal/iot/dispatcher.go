package iot

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/naglyadservice/dash-backend/internal/platform/mqtt"
)

// EventHandler processes one unsolicited device message (state, sale,
// encashment, denomination). Returning an error only logs it; the transport
// is at-most-once, so there is nothing to nack.
type EventHandler func(ctx context.Context, deviceID string, payload []byte) error

// Dispatcher demultiplexes inbound server-topic messages: replies resolve a
// pending waiter by request id, everything else goes to a registered
// per-route handler
type Dispatcher struct {
	transport mqtt.Transport
	channel   *Channel
	prefix    string
	handlers  map[string]EventHandler
	// ackRoutes are fire-and-forget acknowledgment topics that resolve a
	// waiter without payload validation
	ackRoutes map[string]bool
	logger    *slog.Logger
}

func NewDispatcher(transport mqtt.Transport, channel *Channel, topicPrefix string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		channel:   channel,
		prefix:    topicPrefix,
		handlers:  make(map[string]EventHandler),
		ackRoutes: make(map[string]bool),
		logger:    logger,
	}
}

// RegisterHandler binds a handler to a route prefix (the feature segment or
// "feature/action" path under server/)
func (d *Dispatcher) RegisterHandler(route string, handler EventHandler) {
	d.handlers[route] = handler
}

// RegisterAckRoute marks a route as a bare acknowledgment: a message on it
// resolves the matching waiter without decoding beyond the request id
func (d *Dispatcher) RegisterAckRoute(route string) {
	d.ackRoutes[route] = true
}

// Start subscribes to the wildcard reply filter. Inbound messages are
// handled on their own goroutine so a slow handler never blocks the
// transport's router.
func (d *Dispatcher) Start(ctx context.Context) error {
	filter := ReplyFilter(d.prefix)
	return d.transport.Subscribe(ctx, filter, 1, func(topic string, payload []byte) {
		go d.dispatch(ctx, topic, payload)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, topic string, payload []byte) {
	deviceID, route, err := ParseInbound(d.prefix, topic)
	if err != nil {
		d.logger.Warn("Dropping message on malformed topic", "topic", topic, "error", err)
		return
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		d.logger.Warn("Dropping undecodable message",
			"topic", topic,
			"device_id", deviceID,
			"error", err,
		)
		return
	}
	resp.Payload = payload

	// A correlated message resolves its waiter; ack routes skip validation
	if resp.RequestID != "" {
		res := waiterResult{response: &resp}
		if d.ackRoutes[routeFeature(route)] {
			res = waiterResult{response: &Response{RequestID: resp.RequestID}}
		}
		if d.channel.waiters.resolve(deviceID, resp.RequestID, res) {
			d.logger.Debug("Resolved waiter", "device_id", deviceID, "request_id", resp.RequestID, "route", route)
			return
		}
		// Stale reply after timeout, or an unsolicited message that happens
		// to carry a request id; fall through to the handlers
	}

	handler := d.lookupHandler(route)
	if handler == nil {
		d.logger.Debug("No handler for route", "route", route, "device_id", deviceID)
		return
	}

	if err := handler(ctx, deviceID, payload); err != nil {
		d.logger.Error("Event handler failed",
			"route", route,
			"device_id", deviceID,
			"error", err,
		)
	}
}

// lookupHandler matches the full route first, then its feature segment
func (d *Dispatcher) lookupHandler(route string) EventHandler {
	if h, ok := d.handlers[route]; ok {
		return h
	}
	return d.handlers[routeFeature(route)]
}

func routeFeature(route string) string {
	feature, _, _ := strings.Cut(route, "/")
	return feature
}
