package ledger

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(NewMemoryRepository(), plans.DefaultCatalog(),
		WithClock(clock.Now), WithLogger(logger), WithCycleLength(24*time.Hour))
	return l, clock
}

func TestGetOrInitCreatesDefaultPlan(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	led, err := l.GetOrInit(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, plans.DefaultPlanID, led.PlanID)
	assert.Equal(t, clock.Now(), led.CycleStart)
	assert.Equal(t, clock.Now().Add(24*time.Hour), led.CycleEnd)
	require.Contains(t, led.Buckets, models.ResourceSearchCalls)
	assert.Equal(t, float64(0), led.Buckets[models.ResourceSearchCalls].Limit)

	clock.Advance(time.Hour)
	again, err := l.GetOrInit(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, led.CycleStart, again.CycleStart, "existing ledger must be returned unchanged")
}

func TestCheckZeroAllowanceBlocks(t *testing.T) {
	l, _ := newTestLedger(t)

	res, err := l.Check(context.Background(), "tenant-a", map[models.ResourceKey]float64{
		models.ResourceSearchCalls: 1,
	})
	require.NoError(t, err)
	assert.False(t, res.Admit)
	assert.Equal(t, []models.ResourceKey{models.ResourceSearchCalls}, res.BlockingKeys)
	assert.Equal(t, 0, res.Summary[models.ResourceSearchCalls].Pct)
}

func TestCheckCollectsAllBlockingKeys(t *testing.T) {
	l, _ := newTestLedger(t)

	res, err := l.Check(context.Background(), "tenant-a", map[models.ResourceKey]float64{
		models.ResourceSearchCalls:    1,
		models.ResourceComputeMinutes: 2,
		models.ResourceAPICalls:       1,
	})
	require.NoError(t, err)
	assert.False(t, res.Admit)
	assert.ElementsMatch(t, []models.ResourceKey{models.ResourceComputeMinutes, models.ResourceSearchCalls}, res.BlockingKeys)
}

func TestCheckUnknownResourceBlocks(t *testing.T) {
	l, _ := newTestLedger(t)

	res, err := l.Check(context.Background(), "tenant-a", map[models.ResourceKey]float64{"gpu_hours": 1})
	require.NoError(t, err)
	assert.False(t, res.Admit)
	assert.Contains(t, res.Summary, models.ResourceKey("gpu_hours"))
}

func TestCheckRejectsNegative(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Check(context.Background(), "tenant-a", map[models.ResourceKey]float64{models.ResourceAPICalls: -1})
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestCheckIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.SetPlan(ctx, "tenant-a", "starter")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "tenant-a", []models.Amount{{Key: models.ResourceSearchCalls, Amount: 30}})
	require.NoError(t, err)

	req := map[models.ResourceKey]float64{models.ResourceSearchCalls: 80, models.ResourceAPICalls: 5}
	first, err := l.Check(ctx, "tenant-a", req)
	require.NoError(t, err)
	second, err := l.Check(ctx, "tenant-a", req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUpgradeAdmitAndDebit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.SetPlan(ctx, "tenant-a", "starter") // search_calls: 100
	require.NoError(t, err)

	res, err := l.Check(ctx, "tenant-a", map[models.ResourceKey]float64{models.ResourceSearchCalls: 50})
	require.NoError(t, err)
	assert.True(t, res.Admit)
	assert.Empty(t, res.BlockingKeys)

	led, err := l.Debit(ctx, "tenant-a", []models.Amount{{Key: models.ResourceSearchCalls, Amount: 50}})
	require.NoError(t, err)
	assert.Equal(t, float64(50), led.Buckets[models.ResourceSearchCalls].Used)

	usage, err := l.Usage(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 50, usage[models.ResourceSearchCalls].Pct)
}

func TestSetPlanPreservesUsage(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.SetPlan(ctx, "tenant-a", "starter")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "tenant-a", []models.Amount{{Key: models.ResourceComputeMinutes, Amount: 12.5}})
	require.NoError(t, err)

	led, err := l.SetPlan(ctx, "tenant-a", "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", led.PlanID)
	assert.Equal(t, 12.5, led.Buckets[models.ResourceComputeMinutes].Used)
	assert.Equal(t, float64(600), led.Buckets[models.ResourceComputeMinutes].Limit)
}

func TestSetPlanUnknownLeavesLedger(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.SetPlan(ctx, "tenant-a", "platinum")
	require.ErrorIs(t, err, ErrUnknownPlan)

	led, err := l.GetOrInit(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, plans.DefaultPlanID, led.PlanID)
}

func TestDebitClampsAndCreditFloors(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.SetPlan(ctx, "tenant-a", "starter")
	require.NoError(t, err)

	led, err := l.Debit(ctx, "tenant-a", []models.Amount{{Key: models.ResourceSearchCalls, Amount: 250}})
	require.NoError(t, err)
	assert.Equal(t, float64(100), led.Buckets[models.ResourceSearchCalls].Used)

	led, err = l.Credit(ctx, "tenant-a", []models.Amount{{Key: models.ResourceSearchCalls, Amount: 1000}})
	require.NoError(t, err)
	assert.Equal(t, float64(0), led.Buckets[models.ResourceSearchCalls].Used)
}

func TestDebitCreditInvariantsRandomized(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.SetPlan(ctx, "tenant-a", "pro")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	keys := []models.ResourceKey{models.ResourceSearchCalls, models.ResourceComputeMinutes, models.ResourceStorageGB}
	for i := 0; i < 500; i++ {
		a := models.Amount{Key: keys[rng.Intn(len(keys))], Amount: rng.Float64() * 400}
		var led *models.QuotaLedger
		if rng.Intn(2) == 0 {
			led, err = l.Debit(ctx, "tenant-a", []models.Amount{a})
		} else {
			led, err = l.Credit(ctx, "tenant-a", []models.Amount{a})
		}
		require.NoError(t, err)
		for _, b := range led.Buckets {
			require.GreaterOrEqual(t, b.Used, float64(0))
			require.LessOrEqual(t, b.Used, b.Limit)
		}
	}
}

func TestDebitIgnoresNegativeAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.SetPlan(ctx, "tenant-a", "starter")
	require.NoError(t, err)

	led, err := l.Debit(ctx, "tenant-a", []models.Amount{{Key: models.ResourceSearchCalls, Amount: -5}})
	require.NoError(t, err)
	assert.Equal(t, float64(0), led.Buckets[models.ResourceSearchCalls].Used)
}

func TestResetCycleClearsUsageAndReanchors(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	_, err := l.SetPlan(ctx, "tenant-a", "starter")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "tenant-a", []models.Amount{{Key: models.ResourceSearchCalls, Amount: 100}})
	require.NoError(t, err)

	// Reset well past the original cycle end; bounds anchor on the reset moment.
	clock.Advance(72 * time.Hour)
	led, err := l.ResetCycle(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), led.CycleStart)
	assert.Equal(t, clock.Now().Add(24*time.Hour), led.CycleEnd)

	res, err := l.Check(ctx, "tenant-a", map[models.ResourceKey]float64{models.ResourceSearchCalls: 100})
	require.NoError(t, err)
	assert.True(t, res.Admit)
}

func TestRolloverExpired(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.SetPlan(ctx, "old", "starter")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "old", []models.Amount{{Key: models.ResourceSearchCalls, Amount: 10}})
	require.NoError(t, err)

	clock.Advance(12 * time.Hour)
	_, err = l.GetOrInit(ctx, "fresh")
	require.NoError(t, err)

	clock.Advance(13 * time.Hour)
	n, err := l.RolloverExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	led, err := l.GetOrInit(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, float64(0), led.Buckets[models.ResourceSearchCalls].Used)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		used, limit float64
		want        int
	}{
		{0, 0, 0},
		{5, 0, 0},
		{50, 100, 50},
		{1, 3, 33},
		{2, 3, 67},
		{100, 100, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.used, tt.limit), "used=%g limit=%g", tt.used, tt.limit)
	}
}
