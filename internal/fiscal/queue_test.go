package fiscal

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naglyadservice/dash-backend/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testFiscalConfig() *config.FiscalConfig {
	return &config.FiscalConfig{
		BaseURL:        "http://fiscal.local",
		RequestTimeout: time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		CutoffStart:    "23:45",
		CutoffEnd:      "00:15",
	}
}

// fakeIssuer fails a configured number of times before succeeding
type fakeIssuer struct {
	mu       sync.Mutex
	failures int
	attempts int
	done     chan struct{}
}

func newFakeIssuer(failures int) *fakeIssuer {
	return &fakeIssuer{failures: failures, done: make(chan struct{}, 16)}
}

func (f *fakeIssuer) Issue(_ context.Context, _ ReceiptRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.done <- struct{}{}
	if f.attempts <= f.failures {
		return &ErrServiceUnavailable{StatusCode: 503}
	}
	return nil
}

func (f *fakeIssuer) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func testReceipt() ReceiptRequest {
	return ReceiptRequest{
		ReceiptID:  uuid.New(),
		LicenseKey: "lic-1",
		PIN:        "1234",
		Amount:     150,
		DeviceName: "Post 1",
	}
}

func newTestQueue(t *testing.T, issuer Issuer, cfg *config.FiscalConfig) *Queue {
	t.Helper()
	q, err := NewQueue(issuer, cfg, &config.WorkerPoolConfig{Size: 2}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(q.Shutdown)
	return q
}

func TestQueue_Enqueue(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		issuer := newFakeIssuer(2)
		q := newTestQueue(t, issuer, testFiscalConfig())

		q.Enqueue(testReceipt())

		require.Eventually(t, func() bool {
			return issuer.attemptCount() == 3
		}, time.Second, 5*time.Millisecond)

		// No further attempts after success
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 3, issuer.attemptCount())
	})

	t.Run("stops at the attempt budget", func(t *testing.T) {
		issuer := newFakeIssuer(100)
		q := newTestQueue(t, issuer, testFiscalConfig())

		q.Enqueue(testReceipt())

		require.Eventually(t, func() bool {
			return issuer.attemptCount() == 3
		}, time.Second, 5*time.Millisecond)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 3, issuer.attemptCount())
	})

	t.Run("skips when license key missing", func(t *testing.T) {
		issuer := newFakeIssuer(0)
		q := newTestQueue(t, issuer, testFiscalConfig())

		req := testReceipt()
		req.LicenseKey = ""
		q.Enqueue(req)

		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, issuer.attemptCount())
	})

	t.Run("skips when pin missing", func(t *testing.T) {
		issuer := newFakeIssuer(0)
		q := newTestQueue(t, issuer, testFiscalConfig())

		req := testReceipt()
		req.PIN = ""
		q.Enqueue(req)

		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, issuer.attemptCount())
	})

	t.Run("skips inside the cutoff window", func(t *testing.T) {
		issuer := newFakeIssuer(0)
		q := newTestQueue(t, issuer, testFiscalConfig())

		orig := now
		now = func() time.Time {
			return time.Date(2024, 6, 1, 23, 50, 0, 0, time.Local)
		}
		defer func() { now = orig }()

		q.Enqueue(testReceipt())

		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, issuer.attemptCount())
	})
}

func TestInCutoffWindow(t *testing.T) {
	cfg := testFiscalConfig()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"well before the window", time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local), false},
		{"at window start", time.Date(2024, 6, 1, 23, 45, 0, 0, time.Local), true},
		{"before midnight", time.Date(2024, 6, 1, 23, 59, 0, 0, time.Local), true},
		{"just after midnight", time.Date(2024, 6, 2, 0, 10, 0, 0, time.Local), true},
		{"at window end", time.Date(2024, 6, 2, 0, 15, 0, 0, time.Local), false},
		{"just after the window", time.Date(2024, 6, 2, 0, 16, 0, 0, time.Local), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, inCutoffWindow(cfg, tc.at))
		})
	}
}

func TestInCutoffWindow_Disabled(t *testing.T) {
	cfg := testFiscalConfig()
	cfg.CutoffStart = "not-a-clock"

	assert.False(t, inCutoffWindow(cfg, time.Date(2024, 6, 1, 23, 50, 0, 0, time.Local)))
}
