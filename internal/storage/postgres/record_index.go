// Package postgres mirrors merged permits and crawl logs into Postgres.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/sqlschema"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordIndex implements crawler.RecordIndex on a pgx pool.
type RecordIndex struct {
	pool        execCloser
	permitTable string
	logTable    string
}

// NewRecordIndex connects, then creates the tables if needed.
func NewRecordIndex(ctx context.Context, cfg Config) (*RecordIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	idx, err := NewRecordIndexWithPool(pool, cfg.TablePrefix)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := idx.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// NewRecordIndexWithPool constructs an index from an existing pool (primarily for testing).
func NewRecordIndexWithPool(pool execCloser, tablePrefix string) (*RecordIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	permits, logs, err := sqlschema.Tables(tablePrefix)
	if err != nil {
		return nil, err
	}
	return &RecordIndex{pool: pool, permitTable: permits, logTable: logs}, nil
}

// Migrate creates the permit and log tables when absent.
func (s *RecordIndex) Migrate(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	index_key TEXT PRIMARY KEY,
	permit_number TEXT NOT NULL,
	permit_year INTEGER NOT NULL,
	permit_type INTEGER NOT NULL,
	sequence_number INTEGER NOT NULL,
	version_number INTEGER NOT NULL,
	applicant_name TEXT,
	designer_name TEXT,
	designer_company TEXT,
	supervisor_name TEXT,
	supervisor_company TEXT,
	contractor_name TEXT,
	contractor_company TEXT,
	engineer_name TEXT,
	site_address TEXT,
	district TEXT,
	site_zone TEXT,
	site_area DOUBLE PRECISION,
	floor_info TEXT,
	floors INTEGER,
	floors_above INTEGER,
	floors_below INTEGER,
	building_count INTEGER,
	block_count INTEGER,
	unit_count INTEGER,
	total_floor_area DOUBLE PRECISION,
	issue_date TEXT,
	issue_date_roc TEXT,
	crawled_at TIMESTAMPTZ NOT NULL
)`, s.permitTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_year_seq_idx ON %s (permit_year, sequence_number)`, s.permitTable, s.permitTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	run_date TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	duration_seconds BIGINT NOT NULL,
	target_year INTEGER,
	start_sequence INTEGER,
	end_sequence INTEGER,
	stats JSONB NOT NULL,
	stop_reason TEXT,
	status TEXT NOT NULL,
	error TEXT
)`, s.logTable),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// UpsertPermits writes each record with last-write-wins on crawled_at and
// returns the number of rows inserted or replaced.
func (s *RecordIndex) UpsertPermits(ctx context.Context, records []crawler.PermitRecord) (int64, error) {
	query := sqlschema.UpsertPermitSQL(s.permitTable, sqlschema.Dollar)
	var changed int64
	for _, rec := range records {
		tag, err := s.pool.Exec(ctx, query, sqlschema.PermitArgs(rec, encodeTime)...)
		if err != nil {
			return changed, fmt.Errorf("upsert permit %s: %w", rec.IndexKey, err)
		}
		changed += tag.RowsAffected()
	}
	return changed, nil
}

// InsertLog records one crawl run.
func (s *RecordIndex) InsertLog(ctx context.Context, entry crawler.CrawlLogEntry) error {
	args, err := sqlschema.LogArgs(entry, encodeTime)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlschema.InsertLogSQL(s.logTable, sqlschema.Dollar), args...); err != nil {
		return fmt.Errorf("insert crawl log: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func encodeTime(t time.Time) any {
	return t.UTC()
}
