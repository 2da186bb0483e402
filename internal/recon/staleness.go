package recon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

const (
	modifiedStampNS  = "webhook:modified"
	modifiedStampTTL = 7 * 24 * time.Hour
)

// stalenessGuard orders webhook deliveries per invoice using the gateway's
// modified timestamp rather than wall-clock arrival. Strictly older stamps
// are discarded; an equal stamp is discarded unless the incoming status is
// terminal, so a terminal event is never lost to a race with its own
// duplicate. The cached stamp is advanced before the transition is applied,
// which makes a concurrent duplicate see the new value and drop out.
type stalenessGuard struct {
	cache persistence.Cache
}

// Admit reports whether the webhook should be processed. Callers must hold
// the per-invoice lock; the get-compare-set below is not atomic on its own.
func (g *stalenessGuard) Admit(ctx context.Context, invoiceID string, modified time.Time, status payment.Status) (bool, error) {
	raw, err := g.cache.Get(ctx, modifiedStampNS, invoiceID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return false, fmt.Errorf("failed to read modified stamp for %s: %w", invoiceID, err)
	}

	if err == nil {
		nanos, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			return false, fmt.Errorf("corrupt modified stamp for %s: %w", invoiceID, parseErr)
		}
		lastSeen := time.Unix(0, nanos)

		if modified.Before(lastSeen) {
			return false, nil
		}
		if modified.Equal(lastSeen) && !status.IsTerminal() {
			return false, nil
		}
	}

	err = g.cache.Set(ctx, modifiedStampNS, invoiceID, strconv.FormatInt(modified.UnixNano(), 10), modifiedStampTTL)
	if err != nil {
		return false, fmt.Errorf("failed to advance modified stamp for %s: %w", invoiceID, err)
	}
	return true, nil
}
