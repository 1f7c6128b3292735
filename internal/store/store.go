// Package store provides SQLite-backed persistence for Tollgate.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/tollgate/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the Tollgate SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledgers (
		tenant_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		cycle_start DATETIME NOT NULL,
		cycle_end DATETIME NOT NULL,
		buckets TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		tenant_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executor_scores (
		id TEXT PRIMARY KEY,
		executor TEXT NOT NULL,
		task_id TEXT NOT NULL,
		role TEXT NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledgers_cycle_end ON ledgers(cycle_end);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_tenant_id ON pdr(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_executor_scores_executor ON executor_scores(executor);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, taskID, tenantID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		TenantID:   tenantID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, tenant_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.TenantID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent records, newest first. A non-empty
// tenantID filters by tenant.
func (s *Store) ListPDR(tenantID string, limit int) ([]models.PDREntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, task_id, tenant_id, details, timestamp FROM pdr`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var taskID, tenant, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &taskID, &tenant, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = taskID.String
		e.TenantID = tenant.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Executor Score Operations ---

// Score records one executor outcome.
func (s *Store) Score(ctx context.Context, sc models.ExecutorScore) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	success := 0
	if sc.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executor_scores (id, executor, task_id, role, success, latency_ms, cost_usd, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sc.Executor, sc.TaskID, sc.Role, success, sc.Latency.Milliseconds(), sc.CostUSD, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert executor score: %w", err)
	}
	return nil
}

// ExecutorStats aggregates recorded scores per executor, ordered by name.
func (s *Store) ExecutorStats(ctx context.Context) ([]models.ExecutorStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT executor, COUNT(*), SUM(success), AVG(latency_ms), SUM(cost_usd)
		FROM executor_scores
		GROUP BY executor
		ORDER BY executor`)
	if err != nil {
		return nil, fmt.Errorf("query executor stats: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutorStats
	for rows.Next() {
		var st models.ExecutorStats
		if err := rows.Scan(&st.Executor, &st.Runs, &st.Successes, &st.AvgLatencyMS, &st.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan executor stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
