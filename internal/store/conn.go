package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/orchestrd/orchestrd/internal/store/dialect"
)

const defaultBusyTimeoutMs = 5000

// openSQLite opens a single-writer SQLite connection tuned for the store's
// append-heavy, small-transaction workload.
func openSQLite(path string) (*sqlx.DB, error) {
	path = normalizeSQLitePath(path)
	if err := ensureSQLiteDir(path); err != nil {
		return nil, fmt.Errorf("prepare sqlite path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, defaultBusyTimeoutMs,
	)
	db, err := sqlx.Open(dialect.SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer connection: every Dict write and every Txn serializes
	// through it, avoiding SQLITE_BUSY under the dispatcher loops' fanout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// openPostgres opens a pooled connection using pgx's database/sql driver.
func openPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	db, err := sqlx.Open(dialect.PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func ensureSQLiteDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(path string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
