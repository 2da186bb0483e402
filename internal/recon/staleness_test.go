package recon

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
)

// fakeCache is an in-memory persistence.Cache
type fakeCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (c *fakeCache) Get(_ context.Context, namespace, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[namespace+":"+key]
	if !ok {
		return "", persistence.ErrNotFound
	}
	return v, nil
}

func (c *fakeCache) Set(_ context.Context, namespace, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[namespace+":"+key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, namespace+":"+key)
	return nil
}

func TestStalenessGuard_Admit(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)
	t2 := t1.Add(time.Second)

	t.Run("first delivery is admitted", func(t *testing.T) {
		guard := &stalenessGuard{cache: newFakeCache()}
		admit, err := guard.Admit(ctx, "inv-1", t0, payment.StatusProcessing)
		require.NoError(t, err)
		assert.True(t, admit)
	})

	t.Run("out of order delivery is rejected", func(t *testing.T) {
		guard := &stalenessGuard{cache: newFakeCache()}

		admit, err := guard.Admit(ctx, "inv-1", t2, payment.StatusCompleted)
		require.NoError(t, err)
		require.True(t, admit)

		// t1 arrives after t2 was already applied
		admit, err = guard.Admit(ctx, "inv-1", t1, payment.StatusProcessing)
		require.NoError(t, err)
		assert.False(t, admit)
	})

	t.Run("equal stamp non-terminal duplicate is rejected", func(t *testing.T) {
		guard := &stalenessGuard{cache: newFakeCache()}

		admit, err := guard.Admit(ctx, "inv-1", t0, payment.StatusHold)
		require.NoError(t, err)
		require.True(t, admit)

		admit, err = guard.Admit(ctx, "inv-1", t0, payment.StatusHold)
		require.NoError(t, err)
		assert.False(t, admit)
	})

	t.Run("equal stamp terminal wins the tie", func(t *testing.T) {
		guard := &stalenessGuard{cache: newFakeCache()}

		admit, err := guard.Admit(ctx, "inv-1", t0, payment.StatusHold)
		require.NoError(t, err)
		require.True(t, admit)

		// Gateways have been observed stamping the hold and its settlement
		// with the same instant; the settlement must not be dropped
		admit, err = guard.Admit(ctx, "inv-1", t0, payment.StatusCompleted)
		require.NoError(t, err)
		assert.True(t, admit)
	})

	t.Run("stamp advances before the transition applies", func(t *testing.T) {
		cache := newFakeCache()
		guard := &stalenessGuard{cache: cache}

		admit, err := guard.Admit(ctx, "inv-1", t1, payment.StatusProcessing)
		require.NoError(t, err)
		require.True(t, admit)

		raw, err := cache.Get(ctx, "webhook:modified", "inv-1")
		require.NoError(t, err)
		assert.Equal(t, strconv.FormatInt(t1.UnixNano(), 10), raw)
	})

	t.Run("invoices are tracked independently", func(t *testing.T) {
		guard := &stalenessGuard{cache: newFakeCache()}

		admit, err := guard.Admit(ctx, "inv-1", t2, payment.StatusCompleted)
		require.NoError(t, err)
		require.True(t, admit)

		admit, err = guard.Admit(ctx, "inv-2", t0, payment.StatusProcessing)
		require.NoError(t, err)
		assert.True(t, admit)
	})

	t.Run("corrupt stamp is an error", func(t *testing.T) {
		cache := newFakeCache()
		require.NoError(t, cache.Set(ctx, "webhook:modified", "inv-1", "garbage", 0))
		guard := &stalenessGuard{cache: cache}

		_, err := guard.Admit(ctx, "inv-1", t0, payment.StatusProcessing)
		assert.Error(t, err)
	})
}
