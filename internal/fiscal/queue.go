package fiscal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/naglyadservice/dash-backend/internal/config"
)

// Queue runs receipt issuance on a bounded worker pool with per-job retry.
// Cancellation of the enqueuing request does not cancel queued work: jobs
// run under a context derived from the queue's own lifetime.
type Queue struct {
	issuer    Issuer
	pool      *ants.Pool
	cfg       *config.FiscalConfig
	logger    *slog.Logger
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

func NewQueue(issuer Issuer, cfg *config.FiscalConfig, poolCfg *config.WorkerPoolConfig, logger *slog.Logger) (*Queue, error) {
	pool, err := ants.NewPool(poolCfg.Size)
	if err != nil {
		return nil, err
	}

	baseCtx, cancelAll := context.WithCancel(context.Background())

	return &Queue{
		issuer:    issuer,
		pool:      pool,
		cfg:       cfg,
		logger:    logger,
		baseCtx:   baseCtx,
		cancelAll: cancelAll,
	}, nil
}

// Enqueue hands a receipt to the pool and returns immediately. Missing
// credentials or the nightly cutoff skip the receipt without error - those
// conditions do not heal with retries.
func (q *Queue) Enqueue(req ReceiptRequest) {
	if req.LicenseKey == "" || req.PIN == "" {
		q.logger.Warn("Skipping receipt, fiscal credentials missing", "receipt_id", req.ReceiptID)
		return
	}
	if inCutoffWindow(q.cfg, now()) {
		q.logger.Warn("Skipping receipt, inside fiscal cutoff window", "receipt_id", req.ReceiptID)
		return
	}

	err := q.pool.Submit(func() {
		q.issueWithRetry(req)
	})
	if err != nil {
		q.logger.Error("Failed to submit receipt to worker pool", "receipt_id", req.ReceiptID, "error", err)
	}
}

// issueWithRetry retries on any non-2xx or transport failure with
// exponential backoff, bounded by the attempt budget rather than wall clock
func (q *Queue) issueWithRetry(req ReceiptRequest) {
	logger := q.logger.With("receipt_id", req.ReceiptID.String())
	backoff := q.cfg.InitialBackoff

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		err := q.issuer.Issue(q.baseCtx, req)
		if err == nil {
			logger.Info("Receipt issued", "attempt", attempt)
			return
		}
		if errors.Is(err, context.Canceled) {
			logger.Info("Receipt issuance aborted, queue shutting down")
			return
		}

		logger.Warn("Receipt issuance failed",
			"attempt", attempt,
			"max_attempts", q.cfg.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		if attempt == q.cfg.MaxAttempts {
			break
		}

		select {
		case <-q.baseCtx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > q.cfg.MaxBackoff {
			backoff = q.cfg.MaxBackoff
		}
	}

	logger.Error("Receipt issuance exhausted retry budget", "attempts", q.cfg.MaxAttempts)
}

// Shutdown stops accepting work and releases the pool
func (q *Queue) Shutdown() {
	q.logger.Info("Shutting down fiscal receipt queue", "running_workers", q.pool.Running())
	q.cancelAll()
	q.pool.Release()
}
