package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/censys/scan-resolver/pkg/storage"
)

var _ storage.Repository = (*Repository)(nil)

type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an existing pool. Call EnsureSchema before using it.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the project check state tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS projects (
  project_id INTEGER PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  last_check_date TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS project_scan_dates (
  project_id INTEGER NOT NULL REFERENCES projects (project_id) ON DELETE CASCADE,
  scan_product TEXT NOT NULL,
  latest_scan_date TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (project_id, scan_product)
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create project tables: %w", err)
	}
	return nil
}

// LoadProjects reads every project with its per-product latest scan dates.
func (r *Repository) LoadProjects(ctx context.Context) ([]storage.ProjectState, error) {
	rows, err := r.pool.Query(ctx, `SELECT project_id, name, last_check_date FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}

	var (
		states []storage.ProjectState
		index  = make(map[int]int)
	)
	for rows.Next() {
		var (
			s         storage.ProjectState
			lastCheck pgtype.Timestamptz
		)
		if err := rows.Scan(&s.ProjectID, &s.Name, &lastCheck); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		if lastCheck.Valid {
			s.LastCheckDate = lastCheck.Time.UTC()
		}
		s.LatestScanDates = make(map[string]time.Time)
		index[s.ProjectID] = len(states)
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT project_id, scan_product, latest_scan_date FROM project_scan_dates`)
	if err != nil {
		return nil, fmt.Errorf("query scan dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      int
			product string
			latest  time.Time
		)
		if err := rows.Scan(&id, &product, &latest); err != nil {
			return nil, fmt.Errorf("scan scan date row: %w", err)
		}
		if i, ok := index[id]; ok {
			states[i].LatestScanDates[product] = latest.UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan dates: %w", err)
	}
	return states, nil
}

// SaveProjects upserts check state for the given projects in a single
// transaction. Latest scan dates are never moved backwards.
func (r *Repository) SaveProjects(ctx context.Context, states []storage.ProjectState) error {
	const upsertProject = `
INSERT INTO projects (project_id, name, last_check_date)
VALUES ($1, $2, $3)
ON CONFLICT (project_id)
DO UPDATE SET
  name = EXCLUDED.name,
  last_check_date = EXCLUDED.last_check_date;
`
	const upsertScanDate = `
INSERT INTO project_scan_dates (project_id, scan_product, latest_scan_date)
VALUES ($1, $2, $3)
ON CONFLICT (project_id, scan_product)
DO UPDATE SET
  latest_scan_date = GREATEST(project_scan_dates.latest_scan_date, EXCLUDED.latest_scan_date);
`
	batch := &pgx.Batch{}
	for _, s := range states {
		var lastCheck *time.Time
		if !s.LastCheckDate.IsZero() {
			t := s.LastCheckDate.UTC()
			lastCheck = &t
		}
		batch.Queue(upsertProject, s.ProjectID, s.Name, lastCheck)
		for product, ts := range s.LatestScanDates {
			batch.Queue(upsertScanDate, s.ProjectID, product, ts.UTC())
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save project state: %w", err)
	}
	return nil
}

// Close helps when wiring Repository to a lifecycle manager.
func (r *Repository) Close() {
	r.pool.Close()
}

// NewDB opens a pgx pool with tuned defaults. The first ping is retried with
// exponential backoff so the resolver can start alongside its database.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// One run at a time; a couple of connections is plenty.
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = time.Minute

	operation := func() error {
		if err := pool.Ping(ctx); err != nil {
			slog.Warn("database not ready, will retry", "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
