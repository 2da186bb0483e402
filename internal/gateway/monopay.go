package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/naglyadservice/dash-backend/internal/config"
	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

const (
	monoTokenNS  = "mono:token"
	monoPubKeyNS = "mono:pubkey"

	monoTokenTTL = 7 * 24 * time.Hour
)

// PubKeySource fetches the merchant public key from the gateway. Split out
// so tests can count fetches.
type PubKeySource interface {
	FetchPubKey(ctx context.Context, token string) (string, error)
}

// MonoClient implements the ECDSA JSON gateway. Webhook bodies are signed
// with a DER-encoded ECDSA signature over the raw bytes (SHA-256), delivered
// in the X-Sign header; the public key is fetched from the gateway and
// cached per invoice.
type MonoClient struct {
	httpClient *http.Client
	baseURL    string
	cache      persistence.Cache
	keySource  PubKeySource
	keyTTL     time.Duration
	logger     *slog.Logger
}

func NewMonoClient(logger *slog.Logger, cfg *config.MonoConfig, cache persistence.Cache) *MonoClient {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	c := &MonoClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cache:      cache,
		keyTTL:     cfg.PubKeyCacheTTL,
		logger:     logger,
	}
	c.keySource = &httpPubKeySource{httpClient: httpClient, baseURL: c.baseURL}
	return c
}

func (c *MonoClient) Type() payment.Type {
	return payment.TypeMono
}

func (c *MonoClient) CreateInvoice(ctx context.Context, dev *device.Device, amount int64, holdMoney bool) (*Invoice, error) {
	token := dev.Credentials.MonoToken
	if token == "" {
		return nil, ErrMissingCredentials
	}

	paymentType := "debit"
	if holdMoney {
		paymentType = "hold"
	}

	req := map[string]any{
		"amount":      amount,
		"ccy":         980, // UAH
		"paymentType": paymentType,
		"merchantPaymInfo": map[string]any{
			"destination": fmt.Sprintf("Payment to %s", dev.Name),
		},
	}

	var resp struct {
		InvoiceID string `json:"invoiceId"`
		PageURL   string `json:"pageUrl"`
	}
	if err := c.call(ctx, token, "/api/merchant/invoice/create", req, &resp); err != nil {
		return nil, err
	}
	if resp.InvoiceID == "" {
		return nil, fmt.Errorf("mono invoice creation returned no invoice id")
	}

	// The token that created the invoice is the one that must service it;
	// cache it per invoice so rotation on the device cannot orphan in-flight
	// payments
	if err := c.cache.Set(ctx, monoTokenNS, resp.InvoiceID, token, monoTokenTTL); err != nil {
		return nil, err
	}

	return &Invoice{InvoiceID: resp.InvoiceID, PageURL: resp.PageURL}, nil
}

func (c *MonoClient) Finalize(ctx context.Context, invoiceID string, amount int64) error {
	token, err := c.tokenForInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	req := map[string]any{"invoiceId": invoiceID, "amount": amount}
	return c.call(ctx, token, "/api/merchant/invoice/finalize", req, &struct{}{})
}

func (c *MonoClient) Refund(ctx context.Context, invoiceID string, _ int64) error {
	token, err := c.tokenForInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	req := map[string]any{"invoiceId": invoiceID}
	return c.call(ctx, token, "/api/merchant/invoice/cancel", req, &struct{}{})
}

// monoWebhookBody is the raw webhook JSON
type monoWebhookBody struct {
	InvoiceID     string    `json:"invoiceId"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	ModifiedDate  time.Time `json:"modifiedDate"`
	FailureReason string    `json:"failureReason"`
}

// ParseWebhook verifies the X-Sign signature against the cached public key,
// allowing exactly one key re-fetch: verify with the cached key, and if that
// fails re-fetch once and verify once more. Exhausting both attempts rejects
// the webhook without processing the body.
func (c *MonoClient) ParseWebhook(ctx context.Context, rawBody []byte, signature string) (*WebhookEvent, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable signature header", ErrSignatureInvalid)
	}

	var body monoWebhookBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("failed to decode webhook body: %w", err)
	}
	if body.InvoiceID == "" {
		return nil, fmt.Errorf("webhook body has no invoiceId")
	}

	if err := c.verifyWithRefetch(ctx, body.InvoiceID, rawBody, sig); err != nil {
		return nil, err
	}

	status, failureReason := mapMonoStatus(body.Status, body.FailureReason)

	return &WebhookEvent{
		InvoiceID:     body.InvoiceID,
		Status:        status,
		Modified:      body.ModifiedDate,
		Amount:        body.Amount,
		FailureReason: failureReason,
	}, nil
}

// verifyWithRefetch performs at most 2 verification attempts and at most 1
// key fetch beyond the cache
func (c *MonoClient) verifyWithRefetch(ctx context.Context, invoiceID string, body, sig []byte) error {
	key, cached, err := c.pubKeyForInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	if verifyECDSA(key, body, sig) == nil {
		return nil
	}

	// First attempt failed. If the key came from the cache it may predate a
	// rotation; re-fetch exactly once and try again.
	if !cached {
		return ErrSignatureInvalid
	}

	key, err = c.refreshPubKey(ctx, invoiceID)
	if err != nil {
		return err
	}
	if verifyECDSA(key, body, sig) == nil {
		return nil
	}
	return ErrSignatureInvalid
}

// pubKeyForInvoice returns the cached key when present, fetching and caching
// it otherwise. cached reports whether the returned key came from the cache.
func (c *MonoClient) pubKeyForInvoice(ctx context.Context, invoiceID string) (key string, cached bool, err error) {
	key, err = c.cache.Get(ctx, monoPubKeyNS, invoiceID)
	if err == nil {
		return key, true, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return "", false, err
	}

	key, err = c.refreshPubKey(ctx, invoiceID)
	if err != nil {
		return "", false, err
	}
	return key, false, nil
}

func (c *MonoClient) refreshPubKey(ctx context.Context, invoiceID string) (string, error) {
	token, err := c.tokenForInvoice(ctx, invoiceID)
	if err != nil {
		return "", err
	}

	key, err := c.keySource.FetchPubKey(ctx, token)
	if err != nil {
		return "", err
	}

	if err := c.cache.Set(ctx, monoPubKeyNS, invoiceID, key, c.keyTTL); err != nil {
		c.logger.Error("Failed to cache gateway public key", "invoice_id", invoiceID, "error", err)
	}
	return key, nil
}

func (c *MonoClient) tokenForInvoice(ctx context.Context, invoiceID string) (string, error) {
	token, err := c.cache.Get(ctx, monoTokenNS, invoiceID)
	if err != nil {
		return "", fmt.Errorf("no cached mono token for invoice %s: %w", invoiceID, err)
	}
	return token, nil
}

// verifyECDSA checks a DER-encoded ECDSA signature over the SHA-256 digest
// of body. key is the base64 of a PEM-encoded PKIX public key, as served by
// the gateway.
func verifyECDSA(key string, body, sig []byte) error {
	pemBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("%w: undecodable public key", ErrSignatureInvalid)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("%w: public key is not PEM", ErrSignatureInvalid)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: unparsable public key", ErrSignatureInvalid)
	}
	pubKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: public key is not ECDSA", ErrSignatureInvalid)
	}

	digest := sha256.Sum256(body)
	if !ecdsa.VerifyASN1(pubKey, digest[:], sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func mapMonoStatus(s, failureReason string) (payment.Status, string) {
	switch s {
	case "created":
		return payment.StatusCreated, ""
	case "processing":
		return payment.StatusProcessing, ""
	case "hold":
		return payment.StatusHold, ""
	case "success":
		return payment.StatusCompleted, ""
	case "reversed":
		return payment.StatusReversed, ""
	default:
		reason := failureReason
		if reason == "" {
			reason = fmt.Sprintf("mono status %s", s)
		}
		return payment.StatusFailed, reason
	}
}

// httpPubKeySource fetches the merchant public key over HTTP
type httpPubKeySource struct {
	httpClient *http.Client
	baseURL    string
}

func (s *httpPubKeySource) FetchPubKey(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/merchant/pubkey", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build pubkey request: %w", err)
	}
	req.Header.Set("X-Token", token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pubkey request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ErrGatewayUnavailable{Gateway: "mono", StatusCode: resp.StatusCode}
	}

	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode pubkey response: %w", err)
	}
	if body.Key == "" {
		return "", fmt.Errorf("pubkey response has no key")
	}
	return body.Key, nil
}

func (c *MonoClient) call(ctx context.Context, token, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal mono request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build mono request: %w", err)
	}
	req.Header.Set("X-Token", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mono request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrGatewayUnavailable{Gateway: "mono", StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read mono response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode mono response: %w", err)
	}
	return nil
}
