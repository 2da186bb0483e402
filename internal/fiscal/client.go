// Package fiscal issues fiscal receipts for completed payments through the
// external fiscal service. Issuance is fire-and-forget: requests are handed
// to a worker pool and retried out of band, never on the payment's critical
// path.
package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/naglyadservice/dash-backend/internal/config"
)

// ReceiptRequest describes one receipt to issue. ReceiptID is caller
// generated and constant across retries so the fiscal service can
// deduplicate on its side.
type ReceiptRequest struct {
	ReceiptID  uuid.UUID `json:"receipt_id"`
	LicenseKey string    `json:"-"`
	PIN        string    `json:"-"`
	Amount     int64     `json:"amount"`
	Reversal   bool      `json:"reversal"`
	DeviceName string    `json:"device_name"`
}

// Issuer submits one receipt request to the fiscal service
type Issuer interface {
	Issue(ctx context.Context, req ReceiptRequest) error
}

// ErrServiceUnavailable wraps a non-2xx fiscal service response; the queue
// retries on it
type ErrServiceUnavailable struct {
	StatusCode int
}

func (e *ErrServiceUnavailable) Error() string {
	return fmt.Sprintf("fiscal service unavailable: status %d", e.StatusCode)
}

// Client talks to the fiscal service over HTTP
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

func NewClient(logger *slog.Logger, cfg *config.FiscalConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     logger,
	}
}

// Issue submits the receipt. The receipt id rides in the idempotency header
// so a retried request never produces a second receipt.
func (c *Client) Issue(ctx context.Context, req ReceiptRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/receipts/sell", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build receipt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-License-Key", req.LicenseKey)
	httpReq.Header.Set("X-Cashier-PIN", req.PIN)
	httpReq.Header.Set("X-Request-ID", req.ReceiptID.String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("receipt request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrServiceUnavailable{StatusCode: resp.StatusCode}
	}
	return nil
}

// now is stubbed in tests to pin the cutoff window check
var now = time.Now

// inCutoffWindow reports whether local time t falls inside the fiscal
// service's nightly maintenance window
func inCutoffWindow(cfg *config.FiscalConfig, t time.Time) bool {
	start, end, ok := cfg.CutoffWindow()
	if !ok {
		return false
	}

	since := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute

	if start <= end {
		return since >= start && since < end
	}
	// Window wraps midnight
	return since >= start || since < end
}
