// Package sqlite mirrors merged permits and crawl logs into a local SQLite
// database via the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/sqlschema"
)

// RecordIndex implements crawler.RecordIndex on SQLite. Timestamps are
// stored as Unix nanoseconds so that crawled_at compares numerically.
type RecordIndex struct {
	db          *sql.DB
	permitTable string
	logTable    string
}

// Open opens (or creates) the database at dsn and ensures the schema.
// Use ":memory:" for an in-memory database.
func Open(ctx context.Context, dsn, tablePrefix string) (*RecordIndex, error) {
	permits, logs, err := sqlschema.Tables(tablePrefix)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// One connection: SQLite serializes writers and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	idx := &RecordIndex{db: db, permitTable: permits, logTable: logs}
	if err := idx.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *RecordIndex) migrate(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
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
	site_area REAL,
	floor_info TEXT,
	floors INTEGER,
	floors_above INTEGER,
	floors_below INTEGER,
	building_count INTEGER,
	block_count INTEGER,
	unit_count INTEGER,
	total_floor_area REAL,
	issue_date TEXT,
	issue_date_roc TEXT,
	crawled_at INTEGER NOT NULL
)`, s.permitTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_year_seq_idx ON %s (permit_year, sequence_number)`, s.permitTable, s.permitTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	run_date TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL,
	target_year INTEGER,
	start_sequence INTEGER,
	end_sequence INTEGER,
	stats TEXT NOT NULL,
	stop_reason TEXT,
	status TEXT NOT NULL,
	error TEXT
)`, s.logTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// UpsertPermits writes the batch in one transaction with last-write-wins on
// crawled_at and returns the number of rows inserted or replaced.
func (s *RecordIndex) UpsertPermits(ctx context.Context, records []crawler.PermitRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, sqlschema.UpsertPermitSQL(s.permitTable, sqlschema.Question))
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with tx

	var changed int64
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx, sqlschema.PermitArgs(rec, encodeTime)...)
		if err != nil {
			return 0, fmt.Errorf("upsert permit %s: %w", rec.IndexKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		changed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return changed, nil
}

// InsertLog records one crawl run.
func (s *RecordIndex) InsertLog(ctx context.Context, entry crawler.CrawlLogEntry) error {
	args, err := sqlschema.LogArgs(entry, encodeTime)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqlschema.InsertLogSQL(s.logTable, sqlschema.Question), args...); err != nil {
		return fmt.Errorf("insert crawl log: %w", err)
	}
	return nil
}

// YearCounts returns the number of stored permits per year.
func (s *RecordIndex) YearCounts(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT permit_year, COUNT(*) FROM %s GROUP BY permit_year", s.permitTable))
	if err != nil {
		return nil, fmt.Errorf("query year counts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	out := make(map[int]int)
	for rows.Next() {
		var year, count int
		if err := rows.Scan(&year, &count); err != nil {
			return nil, fmt.Errorf("scan year count: %w", err)
		}
		out[year] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate year counts: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *RecordIndex) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func encodeTime(t time.Time) any {
	return t.UTC().UnixNano()
}
