package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *ledger.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewMemoryRepository(), plans.DefaultCatalog(), ledger.WithLogger(logger))
	return New(l, logger), l
}

func TestTryAdmitDeniedReportsEveryKey(t *testing.T) {
	c, l := newTestController(t)
	ctx := context.Background()

	res, err := c.TryAdmit(ctx, "tenant-a", map[models.ResourceKey]float64{
		models.ResourceSearchCalls:   1,
		models.ResourceTTSCharacters: 10,
		models.ResourceAPICalls:      1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.False(t, res.Admitted)

	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, []models.ResourceKey{models.ResourceSearchCalls, models.ResourceTTSCharacters}, qe.BlockingKeys)
	assert.Contains(t, err.Error(), "search_calls")

	// Denial must not mutate usage.
	led, err := l.GetOrInit(ctx, "tenant-a")
	require.NoError(t, err)
	for _, b := range led.Buckets {
		assert.Zero(t, b.Used)
	}
}

func TestTryAdmitDoesNotDebit(t *testing.T) {
	c, l := newTestController(t)
	ctx := context.Background()
	_, err := l.SetPlan(ctx, "tenant-a", "starter")
	require.NoError(t, err)

	res, err := c.TryAdmit(ctx, "tenant-a", map[models.ResourceKey]float64{models.ResourceSearchCalls: 60})
	require.NoError(t, err)
	assert.True(t, res.Admitted)

	// A second identical request is also admitted because nothing was reserved.
	res, err = c.TryAdmit(ctx, "tenant-a", map[models.ResourceKey]float64{models.ResourceSearchCalls: 60})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
}

func TestSettleDebitsConsumed(t *testing.T) {
	c, l := newTestController(t)
	ctx := context.Background()
	_, err := l.SetPlan(ctx, "tenant-a", "starter")
	require.NoError(t, err)

	c.Settle(ctx, "tenant-a", map[models.ResourceKey]float64{
		models.ResourceSearchCalls:    3,
		models.ResourceComputeMinutes: 1.5,
	})

	usage, err := l.Usage(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, float64(3), usage[models.ResourceSearchCalls].Used)
	assert.Equal(t, 1.5, usage[models.ResourceComputeMinutes].Used)

	res, err := c.TryAdmit(ctx, "tenant-a", map[models.ResourceKey]float64{models.ResourceSearchCalls: 98})
	require.Error(t, err)
	assert.False(t, res.Admitted)
}
