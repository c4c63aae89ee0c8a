// Package factstore implements the durable per-day metrics fact store on
// SQLite. Every persisted row covers exactly one calendar day for one entity;
// range aggregates are computed on read by summing rows, never stored.
package factstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/admetric/reportcache/pkg/factstore/migrations"
	"github.com/admetric/reportcache/pkg/logging"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// Entity types known to the reporting upstream.
const (
	EntityCampaign   = "CAMPAIGN"
	EntityAdGroup    = "AD_GROUP"
	EntityAd         = "AD"
	EntityKeyword    = "KEYWORD"
	EntitySearchTerm = "SEARCH_TERM"
)

// Freshness marks whether a stored day is still accumulating data upstream.
type Freshness string

const (
	// FreshnessPartial marks a row whose date is "today" in the source
	// timezone; upstream totals for it are still moving.
	FreshnessPartial Freshness = "PARTIAL"

	// FreshnessFinal marks a row for a fully elapsed day.
	FreshnessFinal Freshness = "FINAL"
)

// DateFormat is the calendar-day encoding used throughout the store.
const DateFormat = "2006-01-02"

// Store persists per-day metrics facts and sync metadata in SQLite.
type Store struct {
	sqlDB  *sql.DB
	logger zerolog.Logger

	// now is the clock used for synced_at stamps; replaced in tests.
	now func() time.Time
}

// Open opens the SQLite fact store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}

	// modernc's driver takes pragmas via _pragma= pairs; WAL plus a busy
	// timeout is what lets concurrent writers queue instead of failing
	// with SQLITE_BUSY.
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		sqlDB:  sqlDB,
		logger: logging.NewLogger("factstore"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// applyMigrations executes embedded .sql files at most once each, tracked
// in a schema_migrations table.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	const createSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`
	if _, err := sqlDB.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var applied int
		err := sqlDB.QueryRow(
			`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			file, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

// daysBetween enumerates the calendar days in [start, end], inclusive.
func daysBetween(start, end string) ([]string, error) {
	from, err := time.Parse(DateFormat, start)
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", start, err)
	}
	to, err := time.Parse(DateFormat, end)
	if err != nil {
		return nil, fmt.Errorf("parse end date %q: %w", end, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("end date %s before start date %s", end, start)
	}

	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(DateFormat))
	}
	return days, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
