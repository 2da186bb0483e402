package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/config"
	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

// Key cache namespaces. Credentials are cached per invoice at creation time
// because a merchant can rotate keys between invoice creation and webhook
// delivery.
const (
	liqpayPublicKeyNS  = "liqpay:pub"
	liqpayPrivateKeyNS = "liqpay:priv"

	liqpayCredentialTTL = 7 * 24 * time.Hour
)

// LiqPayClient implements the HMAC form gateway. Every request and webhook
// is a pair of form fields: data (base64 JSON) and signature
// (base64(sha1(privateKey || data || privateKey))). Keys are per merchant.
type LiqPayClient struct {
	httpClient *http.Client
	baseURL    string
	cache      persistence.Cache
	logger     *slog.Logger
}

func NewLiqPayClient(logger *slog.Logger, cfg *config.LiqPayConfig, cache persistence.Cache) *LiqPayClient {
	return &LiqPayClient{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cache:      cache,
		logger:     logger,
	}
}

func (c *LiqPayClient) Type() payment.Type {
	return payment.TypeLiqPay
}

// Sign computes base64(sha1(privateKey || data || privateKey)) over the
// base64-encoded payload
func Sign(privateKey, data string) string {
	h := sha1.Sum([]byte(privateKey + data + privateKey))
	return base64.StdEncoding.EncodeToString(h[:])
}

func (c *LiqPayClient) CreateInvoice(ctx context.Context, dev *device.Device, amount int64, holdMoney bool) (*Invoice, error) {
	pub, priv := dev.Credentials.LiqPayPublicKey, dev.Credentials.LiqPayPrivateKey
	if pub == "" || priv == "" {
		return nil, ErrMissingCredentials
	}

	action := "pay"
	if holdMoney {
		action = "hold"
	}

	orderID := uuid.NewString()
	req := map[string]any{
		"version":     3,
		"public_key":  pub,
		"action":      action,
		"amount":      float64(amount) / 100,
		"currency":    "UAH",
		"description": fmt.Sprintf("Payment to %s", dev.Name),
		"order_id":    orderID,
	}

	var resp struct {
		Result      string `json:"result"`
		Href        string `json:"href"`
		ErrCode     string `json:"err_code"`
		Description string `json:"err_description"`
	}
	if err := c.call(ctx, priv, req, &resp); err != nil {
		return nil, err
	}
	if resp.Result != "ok" && resp.Href == "" {
		return nil, fmt.Errorf("liqpay invoice creation rejected: %s %s", resp.ErrCode, resp.Description)
	}

	// Cache the key pair under the invoice so webhook verification and the
	// finalize/refund calls survive a later key rotation on the device
	if err := c.cache.Set(ctx, liqpayPublicKeyNS, orderID, pub, liqpayCredentialTTL); err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, liqpayPrivateKeyNS, orderID, priv, liqpayCredentialTTL); err != nil {
		return nil, err
	}

	return &Invoice{InvoiceID: orderID, PageURL: resp.Href}, nil
}

func (c *LiqPayClient) Finalize(ctx context.Context, invoiceID string, amount int64) error {
	pub, priv, err := c.keysForInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	req := map[string]any{
		"version":    3,
		"public_key": pub,
		"action":     "hold_completion",
		"order_id":   invoiceID,
		"amount":     float64(amount) / 100,
	}
	return c.call(ctx, priv, req, &struct{}{})
}

func (c *LiqPayClient) Refund(ctx context.Context, invoiceID string, amount int64) error {
	pub, priv, err := c.keysForInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	req := map[string]any{
		"version":    3,
		"public_key": pub,
		"action":     "refund",
		"order_id":   invoiceID,
		"amount":     float64(amount) / 100,
	}
	return c.call(ctx, priv, req, &struct{}{})
}

// liqpayWebhookBody is the decoded data field of a webhook form
type liqpayWebhookBody struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	Amount         float64 `json:"amount"`
	EndDate        int64   `json:"end_date"` // Milliseconds since epoch
	ErrDescription string  `json:"err_description"`
}

// ParseWebhook decodes the form body, resolves the per-invoice private key
// and recomputes the signature. The signature argument is ignored for this
// gateway - LiqPay carries it inside the form.
func (c *LiqPayClient) ParseWebhook(ctx context.Context, rawBody []byte, _ string) (*WebhookEvent, error) {
	form, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook form: %w", err)
	}
	data := form.Get("data")
	signature := form.Get("signature")
	if data == "" || signature == "" {
		return nil, fmt.Errorf("%w: missing data or signature field", ErrSignatureInvalid)
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable data field", ErrSignatureInvalid)
	}

	var body liqpayWebhookBody
	if err := json.Unmarshal(decoded, &body); err != nil {
		return nil, fmt.Errorf("failed to decode webhook body: %w", err)
	}
	if body.OrderID == "" {
		return nil, fmt.Errorf("webhook body has no order_id")
	}

	// The key is per merchant, so the invoice must be identified before the
	// signature can be checked; nothing from the body is trusted until the
	// comparison below passes
	_, priv, err := c.keysForInvoice(ctx, body.OrderID)
	if err != nil {
		return nil, err
	}

	expected := Sign(priv, data)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrSignatureInvalid
	}

	status, failureReason := mapLiqPayStatus(body.Status, body.ErrDescription)

	return &WebhookEvent{
		InvoiceID:     body.OrderID,
		Status:        status,
		Modified:      time.UnixMilli(body.EndDate),
		Amount:        int64(body.Amount * 100),
		FailureReason: failureReason,
	}, nil
}

func mapLiqPayStatus(s, errDescription string) (payment.Status, string) {
	switch s {
	case "processing", "prepared", "wait_accept":
		return payment.StatusProcessing, ""
	case "hold_wait", "holded":
		return payment.StatusHold, ""
	case "success":
		return payment.StatusCompleted, ""
	case "reversed", "refund_wait":
		return payment.StatusReversed, ""
	default:
		reason := errDescription
		if reason == "" {
			reason = fmt.Sprintf("liqpay status %s", s)
		}
		return payment.StatusFailed, reason
	}
}

func (c *LiqPayClient) keysForInvoice(ctx context.Context, invoiceID string) (pub, priv string, err error) {
	pub, err = c.cache.Get(ctx, liqpayPublicKeyNS, invoiceID)
	if err != nil {
		return "", "", fmt.Errorf("no cached liqpay public key for invoice %s: %w", invoiceID, err)
	}
	priv, err = c.cache.Get(ctx, liqpayPrivateKeyNS, invoiceID)
	if err != nil {
		return "", "", fmt.Errorf("no cached liqpay private key for invoice %s: %w", invoiceID, err)
	}
	return pub, priv, nil
}

// call posts a signed data/signature form and decodes the JSON response
func (c *LiqPayClient) call(ctx context.Context, privateKey string, payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal liqpay request: %w", err)
	}
	data := base64.StdEncoding.EncodeToString(raw)

	form := url.Values{}
	form.Set("data", data)
	form.Set("signature", Sign(privateKey, data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/request", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build liqpay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("liqpay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrGatewayUnavailable{Gateway: "liqpay", StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read liqpay response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode liqpay response: %w", err)
	}
	return nil
}
