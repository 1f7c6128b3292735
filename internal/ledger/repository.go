package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/fentz26/tollgate/internal/models"
)

// ErrNotFound is returned by a Repository when no ledger exists for a tenant.
var ErrNotFound = errors.New("ledger not found")

// Repository persists tenant ledgers. Implementations must return copies so
// callers can mutate what they get without affecting stored state.
type Repository interface {
	Get(ctx context.Context, tenantID string) (*models.QuotaLedger, error)
	Put(ctx context.Context, l *models.QuotaLedger) error
	Delete(ctx context.Context, tenantID string) error
	List(ctx context.Context) ([]*models.QuotaLedger, error)
}

// MemoryRepository keeps ledgers in a process-local map.
type MemoryRepository struct {
	mu      sync.RWMutex
	ledgers map[string]*models.QuotaLedger
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{ledgers: make(map[string]*models.QuotaLedger)}
}

func (r *MemoryRepository) Get(_ context.Context, tenantID string) (*models.QuotaLedger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (r *MemoryRepository) Put(_ context.Context, l *models.QuotaLedger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledgers[l.TenantID] = l.Clone()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ledgers, tenantID)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*models.QuotaLedger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.QuotaLedger, 0, len(r.ledgers))
	for _, l := range r.ledgers {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
