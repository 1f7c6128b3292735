// Package admission gates work against a tenant's quota before dispatch.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/models"
)

// ErrQuotaExceeded matches any *QuotaExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaExceededError lists every resource that blocked admission together
// with the tenant's current usage.
type QuotaExceededError struct {
	TenantID     string
	BlockingKeys []models.ResourceKey
	Summary      map[models.ResourceKey]models.UsageSummary
}

func (e *QuotaExceededError) Error() string {
	parts := make([]string, 0, len(e.BlockingKeys))
	for _, k := range e.BlockingKeys {
		s := e.Summary[k]
		parts = append(parts, fmt.Sprintf("%s (%g/%g, %d%%)", k, s.Used, s.Limit, s.Pct))
	}
	return fmt.Sprintf("quota exceeded for tenant %s: %s", e.TenantID, strings.Join(parts, ", "))
}

// Is lets errors.Is(err, ErrQuotaExceeded) succeed.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Result is the outcome of an admission attempt.
type Result struct {
	Admitted bool                                       `json:"admitted"`
	Summary  map[models.ResourceKey]models.UsageSummary `json:"summary"`
}

// Controller decides whether work may start.
type Controller struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// New creates an admission controller over l.
func New(l *ledger.Ledger, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{ledger: l, logger: logger}
}

// TryAdmit checks requested against the tenant's ledger. It never mutates
// usage: the debit is deferred to Settle so that canceled or failed work only
// pays for what it actually consumed. On deny it returns a
// *QuotaExceededError.
func (c *Controller) TryAdmit(ctx context.Context, tenantID string, requested map[models.ResourceKey]float64) (*Result, error) {
	res, err := c.ledger.Check(ctx, tenantID, requested)
	if err != nil {
		return nil, err
	}
	if !res.Admit {
		c.logger.Info("admission denied", "tenant", tenantID, "blocking", res.BlockingKeys)
		return &Result{Admitted: false, Summary: res.Summary}, &QuotaExceededError{
			TenantID:     tenantID,
			BlockingKeys: res.BlockingKeys,
			Summary:      res.Summary,
		}
	}
	return &Result{Admitted: true, Summary: res.Summary}, nil
}

// Settle debits resources an executor reported as consumed. It never fails
// the caller; bookkeeping errors are logged.
func (c *Controller) Settle(ctx context.Context, tenantID string, consumed map[models.ResourceKey]float64) {
	if len(consumed) == 0 {
		return
	}
	debits := make([]models.Amount, 0, len(consumed))
	for k, v := range consumed {
		debits = append(debits, models.Amount{Key: k, Amount: v})
	}
	sort.Slice(debits, func(i, j int) bool { return debits[i].Key < debits[j].Key })

	if _, err := c.ledger.Debit(ctx, tenantID, debits); err != nil {
		c.logger.Error("settlement failed", "tenant", tenantID, "error", err)
		return
	}
	c.logger.Debug("settled", "tenant", tenantID, "debits", len(debits))
}
