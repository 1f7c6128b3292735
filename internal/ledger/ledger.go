// Package ledger tracks per-tenant metered resource usage for a billing
// cycle and answers admission checks against plan limits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/plans"
)

// DefaultCycleLength is one billing cycle.
const DefaultCycleLength = 30 * 24 * time.Hour

var (
	// ErrUnknownPlan is returned by SetPlan for a plan id absent from the catalog.
	ErrUnknownPlan = plans.ErrUnknownPlan
	// ErrNegativeAmount is returned by Check for a negative requested amount.
	ErrNegativeAmount = errors.New("amount must be non-negative")
)

// CheckResult is the outcome of a quota check.
type CheckResult struct {
	Admit        bool                                       `json:"admit"`
	BlockingKeys []models.ResourceKey                       `json:"blocking_keys"`
	Summary      map[models.ResourceKey]models.UsageSummary `json:"summary"`
}

// Option customizes Ledger construction.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithCycleLength overrides the billing cycle length.
func WithCycleLength(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.cycle = d
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger owns every tenant's QuotaLedger. All mutations are serialized so
// read-modify-write cycles against the repository never interleave.
type Ledger struct {
	repo    Repository
	catalog *plans.Catalog
	cycle   time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

// New creates a Ledger backed by repo and catalog.
func New(repo Repository, catalog *plans.Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		repo:    repo,
		catalog: catalog,
		cycle:   DefaultCycleLength,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Catalog returns the plan catalog the ledger draws limits from.
func (l *Ledger) Catalog() *plans.Catalog {
	return l.catalog
}

// GetOrInit returns the tenant's ledger, creating it on the default plan if
// it does not exist yet.
func (l *Ledger) GetOrInit(ctx context.Context, tenantID string) (*models.QuotaLedger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, tenantID)
}

// load must be called with l.mu held.
func (l *Ledger) load(ctx context.Context, tenantID string) (*models.QuotaLedger, error) {
	led, err := l.repo.Get(ctx, tenantID)
	if err == nil {
		return led, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load ledger %s: %w", tenantID, err)
	}

	plan := l.catalog.Default()
	now := l.now().UTC()
	led = &models.QuotaLedger{
		TenantID:   tenantID,
		PlanID:     plan.ID,
		CycleStart: now,
		CycleEnd:   now.Add(l.cycle),
		Buckets:    make(map[models.ResourceKey]*models.ResourceBucket, len(plan.Limits)),
	}
	for key, limit := range plan.Limits {
		led.Buckets[key] = &models.ResourceBucket{Key: key, Limit: limit}
	}
	if err := l.repo.Put(ctx, led); err != nil {
		return nil, fmt.Errorf("init ledger %s: %w", tenantID, err)
	}
	l.logger.Info("ledger initialized", "tenant", tenantID, "plan", plan.ID)
	return led, nil
}

// SetPlan replaces every bucket's limit with the plan's, preserving usage.
// Keys the plan grants that the ledger lacks are added with zero usage.
func (l *Ledger) SetPlan(ctx context.Context, tenantID, planID string) (*models.QuotaLedger, error) {
	plan, ok := l.catalog.Get(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	led, err := l.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	led.PlanID = plan.ID
	for key, limit := range plan.Limits {
		if b, ok := led.Buckets[key]; ok {
			b.Limit = limit
			continue
		}
		led.Buckets[key] = &models.ResourceBucket{Key: key, Limit: limit}
	}
	if err := l.repo.Put(ctx, led); err != nil {
		return nil, fmt.Errorf("save ledger %s: %w", tenantID, err)
	}
	l.logger.Info("plan changed", "tenant", tenantID, "plan", plan.ID)
	return led, nil
}

// Check reports whether every requested amount fits under its limit. All
// blocking keys are collected, not just the first. Check never mutates usage.
func (l *Ledger) Check(ctx context.Context, tenantID string, requested map[models.ResourceKey]float64) (*CheckResult, error) {
	for key, amt := range requested {
		if amt < 0 || math.IsNaN(amt) {
			return nil, fmt.Errorf("%w: %s=%g", ErrNegativeAmount, key, amt)
		}
	}

	l.mu.Lock()
	led, err := l.load(ctx, tenantID)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return Evaluate(led, requested), nil
}

// Evaluate computes a CheckResult from a ledger snapshot. It is pure.
func Evaluate(led *models.QuotaLedger, requested map[models.ResourceKey]float64) *CheckResult {
	res := &CheckResult{
		Admit:   true,
		Summary: Summarize(led),
	}
	for key, amt := range requested {
		var used, limit float64
		if b, ok := led.Buckets[key]; ok {
			used, limit = b.Used, b.Limit
		} else {
			res.Summary[key] = models.UsageSummary{}
		}
		if used+amt > limit {
			res.Admit = false
			res.BlockingKeys = append(res.BlockingKeys, key)
		}
	}
	sort.Slice(res.BlockingKeys, func(i, j int) bool { return res.BlockingKeys[i] < res.BlockingKeys[j] })
	return res
}

// Summarize returns the display summary for every bucket in led.
func Summarize(led *models.QuotaLedger) map[models.ResourceKey]models.UsageSummary {
	out := make(map[models.ResourceKey]models.UsageSummary, len(led.Buckets))
	for key, b := range led.Buckets {
		out[key] = models.UsageSummary{Used: b.Used, Limit: b.Limit, Pct: Percent(b.Used, b.Limit)}
	}
	return out
}

// Percent is round(used/limit*100), or 0 when limit is zero.
func Percent(used, limit float64) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(used / limit * 100))
}

// Usage returns the tenant's current summary.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (map[models.ResourceKey]models.UsageSummary, error) {
	led, err := l.GetOrInit(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return Summarize(led), nil
}

// Debit records consumed resources. Amounts clamp at the limit rather than
// fail, since the resources have already been used.
func (l *Ledger) Debit(ctx context.Context, tenantID string, debits []models.Amount) (*models.QuotaLedger, error) {
	return l.apply(ctx, tenantID, debits, "debit", func(b *models.ResourceBucket, amt float64) {
		if b.Used >= b.Limit {
			// Already at or over a (possibly lowered) limit; never pull usage down.
			return
		}
		b.Used = math.Min(b.Used+amt, b.Limit)
	})
}

// Credit rolls back usage, flooring at zero.
func (l *Ledger) Credit(ctx context.Context, tenantID string, credits []models.Amount) (*models.QuotaLedger, error) {
	return l.apply(ctx, tenantID, credits, "credit", func(b *models.ResourceBucket, amt float64) {
		b.Used = math.Max(b.Used-amt, 0)
	})
}

func (l *Ledger) apply(ctx context.Context, tenantID string, amounts []models.Amount, op string, fn func(*models.ResourceBucket, float64)) (*models.QuotaLedger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	led, err := l.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, a := range amounts {
		if a.Amount < 0 || math.IsNaN(a.Amount) {
			l.logger.Warn("ignoring invalid amount", "op", op, "tenant", tenantID, "resource", a.Key, "amount", a.Amount)
			continue
		}
		b, ok := led.Buckets[a.Key]
		if !ok {
			b = &models.ResourceBucket{Key: a.Key}
			led.Buckets[a.Key] = b
		}
		fn(b, a.Amount)
	}
	if err := l.repo.Put(ctx, led); err != nil {
		return nil, fmt.Errorf("save ledger %s: %w", tenantID, err)
	}
	l.logger.Debug("ledger updated", "op", op, "tenant", tenantID, "entries", len(amounts))
	return led, nil
}

// ResetCycle zeroes usage and starts a new cycle at the reset moment.
func (l *Ledger) ResetCycle(ctx context.Context, tenantID string) (*models.QuotaLedger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	led, err := l.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := l.reset(ctx, led, l.now().UTC()); err != nil {
		return nil, err
	}
	return led, nil
}

func (l *Ledger) reset(ctx context.Context, led *models.QuotaLedger, now time.Time) error {
	for _, b := range led.Buckets {
		b.Used = 0
	}
	led.CycleStart = now
	led.CycleEnd = now.Add(l.cycle)
	if err := l.repo.Put(ctx, led); err != nil {
		return fmt.Errorf("save ledger %s: %w", led.TenantID, err)
	}
	l.logger.Info("billing cycle reset", "tenant", led.TenantID, "cycle_end", led.CycleEnd)
	return nil
}

// RolloverExpired resets every ledger whose cycle ended at or before now and
// returns how many were reset.
func (l *Ledger) RolloverExpired(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ledgers: %w", err)
	}
	n := 0
	for _, led := range all {
		if led.CycleEnd.After(now) {
			continue
		}
		if err := l.reset(ctx, led, now.UTC()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Delete removes a tenant's ledger.
func (l *Ledger) Delete(ctx context.Context, tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.Delete(ctx, tenantID)
}
