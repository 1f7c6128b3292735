package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/models"
)

// LedgerRepository persists quota ledgers in the ledgers table. Buckets are
// stored as a JSON document per tenant.
type LedgerRepository struct {
	db *sql.DB
}

// Ledgers returns the store's ledger repository.
func (s *Store) Ledgers() *LedgerRepository {
	return &LedgerRepository{db: s.db}
}

var _ ledger.Repository = (*LedgerRepository)(nil)

// Get returns the tenant's ledger or ledger.ErrNotFound.
func (r *LedgerRepository) Get(ctx context.Context, tenantID string) (*models.QuotaLedger, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT tenant_id, plan_id, cycle_start, cycle_end, buckets FROM ledgers WHERE tenant_id = ?`,
		tenantID,
	)
	l, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	return l, nil
}

// Put inserts or replaces a ledger.
func (r *LedgerRepository) Put(ctx context.Context, l *models.QuotaLedger) error {
	buckets, err := json.Marshal(l.Buckets)
	if err != nil {
		return fmt.Errorf("encode buckets: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ledgers (tenant_id, plan_id, cycle_start, cycle_end, buckets, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			cycle_start = excluded.cycle_start,
			cycle_end = excluded.cycle_end,
			buckets = excluded.buckets,
			updated_at = excluded.updated_at`,
		l.TenantID, l.PlanID, l.CycleStart.UTC(), l.CycleEnd.UTC(), string(buckets), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert ledger: %w", err)
	}
	return nil
}

// Delete removes a tenant's ledger. Deleting an absent ledger is not an error.
func (r *LedgerRepository) Delete(ctx context.Context, tenantID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM ledgers WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("delete ledger: %w", err)
	}
	return nil
}

// List returns every ledger ordered by tenant id.
func (r *LedgerRepository) List(ctx context.Context) ([]*models.QuotaLedger, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, plan_id, cycle_start, cycle_end, buckets FROM ledgers ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query ledgers: %w", err)
	}
	defer rows.Close()

	var out []*models.QuotaLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLedger(row scanner) (*models.QuotaLedger, error) {
	l := &models.QuotaLedger{}
	var buckets string
	if err := row.Scan(&l.TenantID, &l.PlanID, &l.CycleStart, &l.CycleEnd, &buckets); err != nil {
		return nil, err
	}
	l.Buckets = make(map[models.ResourceKey]*models.ResourceBucket)
	if err := json.Unmarshal([]byte(buckets), &l.Buckets); err != nil {
		return nil, fmt.Errorf("decode buckets: %w", err)
	}
	return l, nil
}
