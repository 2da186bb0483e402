package recon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/fiscal"
	"github.com/naglyadservice/dash-backend/internal/gateway"
	"github.com/naglyadservice/dash-backend/internal/iot"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeGatewayClient plays back one webhook event and records settlement calls
type fakeGatewayClient struct {
	typ       payment.Type
	event     *gateway.WebhookEvent
	parseErr  error
	finalized []string
	refunded  []string
}

func (c *fakeGatewayClient) Type() payment.Type { return c.typ }

func (c *fakeGatewayClient) CreateInvoice(context.Context, *device.Device, int64, bool) (*gateway.Invoice, error) {
	return &gateway.Invoice{InvoiceID: "inv-new", PageURL: "https://pay.example/inv-new"}, nil
}

func (c *fakeGatewayClient) Finalize(_ context.Context, invoiceID string, _ int64) error {
	c.finalized = append(c.finalized, invoiceID)
	return nil
}

func (c *fakeGatewayClient) Refund(_ context.Context, invoiceID string, _ int64) error {
	c.refunded = append(c.refunded, invoiceID)
	return nil
}

func (c *fakeGatewayClient) ParseWebhook(context.Context, []byte, string) (*gateway.WebhookEvent, error) {
	if c.parseErr != nil {
		return nil, c.parseErr
	}
	return c.event, nil
}

// fakePaymentRepo keeps payments in memory and records status writes
type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*payment.Payment
	updates  []statusUpdate
}

type statusUpdate struct {
	id            uuid.UUID
	status        payment.Status
	failureReason *string
	receiptID     *uuid.UUID
}

func newFakePaymentRepo(payments ...*payment.Payment) *fakePaymentRepo {
	repo := &fakePaymentRepo{payments: make(map[string]*payment.Payment)}
	for _, p := range payments {
		repo.payments[*p.InvoiceID] = p
	}
	return repo
}

func (r *fakePaymentRepo) Create(_ context.Context, p *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.InvoiceID != nil {
		r.payments[*p.InvoiceID] = p
	}
	return nil
}

func (r *fakePaymentRepo) GetByInvoiceID(_ context.Context, invoiceID string) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[invoiceID]
	if !ok {
		return nil, payment.ErrPaymentNotFound{InvoiceID: invoiceID}
	}
	clone := *p
	return &clone, nil
}

func (r *fakePaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ID == id {
			clone := *p
			return &clone, nil
		}
	}
	return nil, payment.ErrPaymentNotFound{InvoiceID: id.String()}
}

func (r *fakePaymentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status payment.Status, failureReason *string, receiptID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, statusUpdate{id: id, status: status, failureReason: failureReason, receiptID: receiptID})
	for _, p := range r.payments {
		if p.ID == id {
			p.Status = status
			if failureReason != nil {
				p.FailureReason = failureReason
			}
			if receiptID != nil {
				p.ReceiptID = receiptID
			}
			return nil
		}
	}
	return payment.ErrPaymentNotFound{InvoiceID: id.String()}
}

func (r *fakePaymentRepo) WithTx(pgx.Tx) payment.Repository { return r }

// fakeDeviceRepo serves a fixed set of controllers by internal id
type fakeDeviceRepo struct {
	devices map[uuid.UUID]*device.Device
}

func (r *fakeDeviceRepo) Create(context.Context, *device.Device) error { return nil }

func (r *fakeDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (*device.Device, error) {
	dev, ok := r.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound{DeviceID: id.String()}
	}
	return dev, nil
}

func (r *fakeDeviceRepo) GetByDeviceID(_ context.Context, deviceID string) (*device.Device, error) {
	for _, dev := range r.devices {
		if dev.DeviceID == deviceID {
			return dev, nil
		}
	}
	return nil, device.ErrDeviceNotFound{DeviceID: deviceID}
}

func (r *fakeDeviceRepo) UpdateSettings(context.Context, uuid.UUID, device.Settings) error {
	return nil
}

func (r *fakeDeviceRepo) UpdateReportedState(context.Context, uuid.UUID, map[string]any) error {
	return nil
}

// fakeEventRepo records appended audit events
type fakeEventRepo struct {
	mu     sync.Mutex
	events []*payment.Event
}

func (r *fakeEventRepo) Append(_ context.Context, event *payment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeEventRepo) ListByInvoiceID(_ context.Context, invoiceID string) ([]*payment.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*payment.Event
	for _, e := range r.events {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeCommandSender counts device commands and plays back one result
type fakeCommandSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *fakeCommandSender) SendAndWait(_ context.Context, deviceID, _ string, _ map[string]any, _ byte, _, _ time.Duration) (*iot.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &iot.Response{RequestID: "req-" + deviceID}, nil
}

// fakeEnqueuer records receipt requests
type fakeEnqueuer struct {
	requests []fiscal.ReceiptRequest
}

func (e *fakeEnqueuer) Enqueue(req fiscal.ReceiptRequest) {
	e.requests = append(e.requests, req)
}

// fakePublisher records fleet events
type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *fakePublisher) Publish(_ context.Context, key string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

// fakeLocker grants every acquire and records release tokens
type fakeLocker struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return "token-" + key, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != "token-"+key {
		return errors.New("wrong token")
	}
	l.released++
	return nil
}

type engineFixture struct {
	engine   *Engine
	client   *fakeGatewayClient
	payments *fakePaymentRepo
	events   *fakeEventRepo
	commands *fakeCommandSender
	receipts *fakeEnqueuer
	fleet    *fakePublisher
	locker   *fakeLocker
	dev      *device.Device
	pay      *payment.Payment
}

func newEngineFixture(t *testing.T, status payment.Status) *engineFixture {
	t.Helper()

	invoiceID := "inv-1"
	dev := &device.Device{
		ID:       uuid.New(),
		DeviceID: "dev-1",
		Family:   device.FamilyWater,
		Name:     "Water Post 1",
		Credentials: device.GatewayCredentials{
			FiscalLicenseKey: "lic-1",
			FiscalPIN:        "1234",
		},
		Fiscalize: true,
	}
	pay := &payment.Payment{
		ID:        uuid.New(),
		InvoiceID: &invoiceID,
		DeviceID:  dev.ID,
		Amount:    150,
		Type:      payment.TypeMono,
		Status:    status,
	}

	f := &engineFixture{
		client:   &fakeGatewayClient{typ: payment.TypeMono},
		payments: newFakePaymentRepo(pay),
		events:   &fakeEventRepo{},
		commands: &fakeCommandSender{},
		receipts: &fakeEnqueuer{},
		fleet:    &fakePublisher{},
		locker:   &fakeLocker{},
		dev:      dev,
		pay:      pay,
	}
	f.engine = NewEngine(
		[]gateway.Client{f.client},
		f.payments,
		&fakeDeviceRepo{devices: map[uuid.UUID]*device.Device{dev.ID: dev}},
		f.events,
		f.commands,
		f.receipts,
		f.fleet,
		f.locker,
		newFakeCache(),
		newTestLogger(),
	)
	return f
}

func (f *engineFixture) deliver(t *testing.T, status payment.Status, modified time.Time) error {
	t.Helper()
	f.client.event = &gateway.WebhookEvent{
		InvoiceID: "inv-1",
		Status:    status,
		Modified:  modified,
		Amount:    150,
	}
	return f.engine.ProcessWebhook(context.Background(), payment.TypeMono, []byte(`{}`), "sig")
}

func TestEngine_ProcessWebhook_SignatureFailureTouchesNothing(t *testing.T) {
	f := newEngineFixture(t, payment.StatusCreated)
	f.client.parseErr = gateway.ErrSignatureInvalid

	err := f.engine.ProcessWebhook(context.Background(), payment.TypeMono, []byte(`{}`), "bad")
	require.Error(t, err)
	assert.True(t, IsSignatureError(err))
	assert.Empty(t, f.payments.updates)
	assert.Equal(t, 0, f.locker.acquired)
}

func TestEngine_ProcessWebhook_AppliesTransition(t *testing.T) {
	f := newEngineFixture(t, payment.StatusCreated)
	t0 := time.Now()

	require.NoError(t, f.deliver(t, payment.StatusProcessing, t0))

	require.Len(t, f.payments.updates, 1)
	assert.Equal(t, payment.StatusProcessing, f.payments.updates[0].status)
	assert.Nil(t, f.payments.updates[0].failureReason)

	// Lock held and released around the transition
	assert.Equal(t, 1, f.locker.acquired)
	assert.Equal(t, 1, f.locker.released)

	// Audit trail appended; non-terminal transitions stay off the fleet stream
	require.Len(t, f.events.events, 1)
	assert.Equal(t, payment.StatusCreated, f.events.events[0].FromStatus)
	assert.Equal(t, payment.StatusProcessing, f.events.events[0].ToStatus)
	assert.Empty(t, f.fleet.keys)
}

func TestEngine_ProcessWebhook_StaleDeliveryIsSilentNoop(t *testing.T) {
	f := newEngineFixture(t, payment.StatusCreated)
	t0 := time.Now()
	t1 := t0.Add(time.Second)

	require.NoError(t, f.deliver(t, payment.StatusCompleted, t1))
	require.NoError(t, f.deliver(t, payment.StatusProcessing, t0))

	// Only the first delivery produced a write
	require.Len(t, f.payments.updates, 1)
	assert.Equal(t, payment.StatusCompleted, f.payments.updates[0].status)
}

func TestEngine_ProcessWebhook_HoldDispenseSuccess(t *testing.T) {
	f := newEngineFixture(t, payment.StatusProcessing)

	require.NoError(t, f.deliver(t, payment.StatusHold, time.Now()))

	assert.Equal(t, 1, f.commands.calls)
	assert.Equal(t, []string{"inv-1"}, f.client.finalized)
	assert.Empty(t, f.client.refunded)

	require.Len(t, f.payments.updates, 1)
	assert.Equal(t, payment.StatusHold, f.payments.updates[0].status)
	assert.Nil(t, f.payments.updates[0].failureReason)
}

func TestEngine_ProcessWebhook_HoldDispenseFailureRefunds(t *testing.T) {
	f := newEngineFixture(t, payment.StatusProcessing)
	f.commands.err = &iot.ControllerTimeoutError{DeviceID: "dev-1", RequestID: "r", Timeout: time.Second}

	require.NoError(t, f.deliver(t, payment.StatusHold, time.Now()))

	assert.Empty(t, f.client.finalized)
	assert.Equal(t, []string{"inv-1"}, f.client.refunded)

	// The HOLD row is written with the fixed compensation reason
	require.Len(t, f.payments.updates, 1)
	assert.Equal(t, payment.StatusHold, f.payments.updates[0].status)
	require.NotNil(t, f.payments.updates[0].failureReason)
	assert.Equal(t, string(payment.FailureReasonDispenseFailed), *f.payments.updates[0].failureReason)
}

func TestEngine_ProcessWebhook_CompletedEnqueuesReceipt(t *testing.T) {
	f := newEngineFixture(t, payment.StatusHold)

	require.NoError(t, f.deliver(t, payment.StatusCompleted, time.Now()))

	require.Len(t, f.receipts.requests, 1)
	req := f.receipts.requests[0]
	assert.Equal(t, "lic-1", req.LicenseKey)
	assert.Equal(t, int64(150), req.Amount)
	assert.False(t, req.Reversal)

	// The receipt id is correlated on the payment row
	require.Len(t, f.payments.updates, 1)
	require.NotNil(t, f.payments.updates[0].receiptID)
	assert.Equal(t, req.ReceiptID, *f.payments.updates[0].receiptID)

	// Terminal transition reaches the fleet stream
	assert.Equal(t, []string{"dev-1"}, f.fleet.keys)
}

func TestEngine_ProcessWebhook_ReversedEnqueuesReversalReceipt(t *testing.T) {
	f := newEngineFixture(t, payment.StatusCompleted)

	require.NoError(t, f.deliver(t, payment.StatusReversed, time.Now()))

	require.Len(t, f.receipts.requests, 1)
	assert.True(t, f.receipts.requests[0].Reversal)
}

func TestEngine_ProcessWebhook_RedeliveredCompletedReusesReceiptID(t *testing.T) {
	f := newEngineFixture(t, payment.StatusHold)
	stamp := time.Now()

	require.NoError(t, f.deliver(t, payment.StatusCompleted, stamp))
	require.NoError(t, f.deliver(t, payment.StatusCompleted, stamp))

	// The equal-stamp terminal redelivery retries the receipt persisted by
	// the first processing instead of issuing a second one
	require.Len(t, f.receipts.requests, 2)
	assert.Equal(t, f.receipts.requests[0].ReceiptID, f.receipts.requests[1].ReceiptID)
	require.NotNil(t, f.pay.ReceiptID)
	assert.Equal(t, f.receipts.requests[0].ReceiptID, *f.pay.ReceiptID)
}

func TestEngine_ProcessWebhook_FiscalizationDisabledSkipsReceipt(t *testing.T) {
	f := newEngineFixture(t, payment.StatusHold)
	f.dev.Fiscalize = false

	require.NoError(t, f.deliver(t, payment.StatusCompleted, time.Now()))

	assert.Empty(t, f.receipts.requests)
	require.Len(t, f.payments.updates, 1)
	assert.Nil(t, f.payments.updates[0].receiptID)
}

func TestEngine_ProcessWebhook_FailedCarriesReason(t *testing.T) {
	f := newEngineFixture(t, payment.StatusProcessing)
	f.client.event = &gateway.WebhookEvent{
		InvoiceID:     "inv-1",
		Status:        payment.StatusFailed,
		Modified:      time.Now(),
		Amount:        150,
		FailureReason: "card declined",
	}

	require.NoError(t, f.engine.ProcessWebhook(context.Background(), payment.TypeMono, []byte(`{}`), "sig"))

	require.Len(t, f.payments.updates, 1)
	assert.Equal(t, payment.StatusFailed, f.payments.updates[0].status)
	require.NotNil(t, f.payments.updates[0].failureReason)
	assert.Equal(t, "card declined", *f.payments.updates[0].failureReason)
}

func TestEngine_ProcessWebhook_UnknownInvoice(t *testing.T) {
	f := newEngineFixture(t, payment.StatusCreated)
	f.client.event = &gateway.WebhookEvent{
		InvoiceID: "inv-1",
		Status:    payment.StatusProcessing,
		Modified:  time.Now(),
	}
	delete(f.payments.payments, "inv-1")

	err := f.engine.ProcessWebhook(context.Background(), payment.TypeMono, []byte(`{}`), "sig")
	var notFound payment.ErrPaymentNotFound
	assert.ErrorAs(t, err, &notFound)
}

// Redundant settlement of the same hold: the hold webhook arrives, the
// terminal success arrives with the same modified stamp, then the hold is
// redelivered. Exactly one device command, one capture, and a final
// COMPLETED row must come out.
func TestEngine_ProcessWebhook_RedundantHoldDelivery(t *testing.T) {
	f := newEngineFixture(t, payment.StatusProcessing)
	t0 := time.Now()

	require.NoError(t, f.deliver(t, payment.StatusHold, t0))
	require.NoError(t, f.deliver(t, payment.StatusCompleted, t0))
	require.NoError(t, f.deliver(t, payment.StatusHold, t0))

	assert.Equal(t, 1, f.commands.calls)
	assert.Equal(t, []string{"inv-1"}, f.client.finalized)

	final, err := f.payments.GetByInvoiceID(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, final.Status)
}

func TestEngine_CreateInvoice(t *testing.T) {
	f := newEngineFixture(t, payment.StatusCreated)

	invoice, err := f.engine.CreateInvoice(context.Background(), f.dev, 250, payment.TypeMono, true)
	require.NoError(t, err)
	assert.Equal(t, "inv-new", invoice.InvoiceID)

	created, err := f.payments.GetByInvoiceID(context.Background(), "inv-new")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCreated, created.Status)
	assert.Equal(t, int64(250), created.Amount)
	assert.Equal(t, payment.TypeMono, created.Type)
}

func TestEngine_CreateInvoice_UnknownGateway(t *testing.T) {
	f := newEngineFixture(t, payment.StatusCreated)

	_, err := f.engine.CreateInvoice(context.Background(), f.dev, 250, payment.TypeCash, false)
	assert.Error(t, err)
}
