package iot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Channel, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	logger := newTestLogger()
	channel := NewChannel(transport, "dash", logger)
	dispatcher := NewDispatcher(transport, channel, "dash", logger)
	return dispatcher, channel, transport
}

func TestDispatcher_StartSubscribesWildcard(t *testing.T) {
	dispatcher, _, transport := newTestDispatcher(t)

	require.NoError(t, dispatcher.Start(context.Background()))
	assert.Equal(t, "dash/+/server/#", transport.filter)
	assert.NotNil(t, transport.handler)
}

func TestDispatcher_ResolvesWaiterByRequestID(t *testing.T) {
	dispatcher, channel, _ := newTestDispatcher(t)

	ch := channel.waiters.add("dev-1", "req-1")

	body, _ := json.Marshal(map[string]any{"request_id": "req-1", "liters": 5})
	dispatcher.dispatch(context.Background(), "dash/dev-1/server/payment/qr", body)

	require.Len(t, ch, 1)
	res := <-ch
	require.NoError(t, res.err)
	assert.Equal(t, "req-1", res.response.RequestID)
	assert.Equal(t, 0, res.response.Code)
	assert.JSONEq(t, string(body), string(res.response.Payload))
	assert.Equal(t, 0, channel.PendingWaiters())
}

func TestDispatcher_AckRouteSkipsValidation(t *testing.T) {
	dispatcher, channel, _ := newTestDispatcher(t)
	dispatcher.RegisterAckRoute("display")

	ch := channel.waiters.add("dev-1", "req-1")

	// An ack carrying a device error code still resolves cleanly
	body, _ := json.Marshal(map[string]any{"request_id": "req-1", "error": 7})
	dispatcher.dispatch(context.Background(), "dash/dev-1/server/display/ack", body)

	require.Len(t, ch, 1)
	res := <-ch
	require.NoError(t, res.err)
	assert.Equal(t, 0, res.response.Code)
}

func TestDispatcher_ConfigAckResolvesSettingsPush(t *testing.T) {
	dispatcher, channel, _ := newTestDispatcher(t)
	dispatcher.RegisterAckRoute("config")

	ch := channel.waiters.add("dev-1", "req-9")

	body, _ := json.Marshal(map[string]any{"request_id": "req-9"})
	dispatcher.dispatch(context.Background(), "dash/dev-1/server/config/set", body)

	require.Len(t, ch, 1)
	res := <-ch
	require.NoError(t, res.err)
	assert.Equal(t, "req-9", res.response.RequestID)
}

func TestDispatcher_LateReplyFallsThroughToHandler(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var calls []string
	dispatcher.RegisterHandler("payment", func(_ context.Context, deviceID string, _ []byte) error {
		mu.Lock()
		calls = append(calls, deviceID)
		mu.Unlock()
		return nil
	})

	// No waiter registered: a reply with a request id is treated as an event
	body, _ := json.Marshal(map[string]any{"request_id": "req-gone"})
	dispatcher.dispatch(context.Background(), "dash/dev-1/server/payment/qr", body)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"dev-1"}, calls)
}

func TestDispatcher_RoutesEventsToHandlers(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)

	var gotDevice string
	var gotPayload []byte
	dispatcher.RegisterHandler("sale", func(_ context.Context, deviceID string, payload []byte) error {
		gotDevice = deviceID
		gotPayload = payload
		return nil
	})

	body, _ := json.Marshal(map[string]any{"transaction_id": 7})
	dispatcher.dispatch(context.Background(), "dash/dev-2/server/sale", body)

	assert.Equal(t, "dev-2", gotDevice)
	assert.JSONEq(t, string(body), string(gotPayload))
}

func TestDispatcher_FullRouteWinsOverFeature(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)

	var got string
	dispatcher.RegisterHandler("rro", func(context.Context, string, []byte) error {
		got = "feature"
		return nil
	})
	dispatcher.RegisterHandler("rro/receipt", func(context.Context, string, []byte) error {
		got = "full"
		return nil
	})

	dispatcher.dispatch(context.Background(), "dash/123-dev-9/server/rro/receipt", []byte(`{}`))
	assert.Equal(t, "full", got)
}

func TestDispatcher_DropsMalformedMessages(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)

	called := false
	dispatcher.RegisterHandler("state", func(context.Context, string, []byte) error {
		called = true
		return nil
	})

	// Malformed topic
	dispatcher.dispatch(context.Background(), "dash/dev-1/client/state", []byte(`{}`))
	// Undecodable payload
	dispatcher.dispatch(context.Background(), "dash/dev-1/server/state", []byte(`not-json`))

	assert.False(t, called)
}

func TestDispatcher_EndToEndThroughTransport(t *testing.T) {
	dispatcher, channel, transport := newTestDispatcher(t)
	require.NoError(t, dispatcher.Start(context.Background()))

	done := make(chan *Response, 1)
	go func() {
		resp, err := channel.SendAndWait(context.Background(), "dev-1", "payment/qr", nil, 1, 30*time.Second, time.Second)
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.published) > 0
	}, time.Second, 5*time.Millisecond)
	requestID := requestIDOf(t, transport.lastPublished(t))

	reply, _ := json.Marshal(map[string]any{"request_id": requestID})
	transport.handler("dash/dev-1/server/payment/qr", reply)

	select {
	case resp := <-done:
		assert.Equal(t, requestID, resp.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not delivered to the waiter")
	}
}
