// Package postgres records terminal job snapshots in Postgres for auditing.
// Rows are written once and never read back by the service.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

const defaultTable = "job_history"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ArchiveConfig controls the Postgres connection pool used for job history.
type ArchiveConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JobArchive implements fetch.JobArchive.
type JobArchive struct {
	pool  execCloser
	table string
}

// NewJobArchive connects to Postgres using cfg.
func NewJobArchive(ctx context.Context, cfg ArchiveConfig) (*JobArchive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobArchive{pool: pool, table: table}, nil
}

// NewJobArchiveWithPool constructs an archive from an existing pool (primarily for testing).
func NewJobArchiveWithPool(pool execCloser, table string) (*JobArchive, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobArchive{pool: pool, table: name}, nil
}

// Close releases the underlying pool resources.
func (a *JobArchive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// EnsureSchema creates the history table when missing.
func (a *JobArchive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	target        JSONB NOT NULL,
	options       JSONB NOT NULL,
	total_items   INTEGER NOT NULL,
	done_items    INTEGER NOT NULL,
	failed_items  INTEGER NOT NULL,
	error_message TEXT,
	result        JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
)`, a.table)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", a.table, err)
	}
	return nil
}

// ArchiveJob inserts one terminal snapshot. Re-archiving the same job is a
// no-op.
func (a *JobArchive) ArchiveJob(ctx context.Context, snap fetch.JobSnapshot) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("job archive is not configured")
	}
	if snap.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if !snap.Status.Terminal() {
		return fmt.Errorf("job %s is %s; only terminal jobs are archived", snap.ID, snap.Status)
	}
	target, err := json.Marshal(snap.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	options, err := json.Marshal(snap.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var result []byte
	if snap.Result != nil {
		if result, err = json.Marshal(snap.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	var errMsg *string
	if snap.ErrorMessage != "" {
		errMsg = &snap.ErrorMessage
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	kind,
	status,
	target,
	options,
	total_items,
	done_items,
	failed_items,
	error_message,
	result,
	created_at,
	started_at,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (id) DO NOTHING`, a.table)

	args := []any{
		snap.ID,
		string(snap.Kind),
		string(snap.Status),
		target,
		options,
		snap.Progress.Total,
		snap.Progress.Done,
		snap.Progress.Failed,
		errMsg,
		result,
		snap.CreatedAt,
		snap.StartedAt,
		snap.CompletedAt,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job history: %w", err)
	}
	return nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
