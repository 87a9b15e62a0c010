// Package store implements the transactional dictionary-of-tables
// abstraction (C1): named durable dictionaries with multi-dictionary ACID
// transactions and ordered/unordered enumeration, over database/sql.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/orchestrd/orchestrd/internal/store/dialect"
)

const sequenceTable = "kv_sequences"

// Config selects the backing engine and connection parameters.
type Config struct {
	Driver   string // "sqlite3" or "pgx"
	DSN      string // file path for sqlite3, connection string for pgx
	MaxConns int
	MinConns int
}

// Store owns one *sqlx.DB and the kv_sequences counter table shared by every
// dictionary opened against it.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured engine and prepares the sequence table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case dialect.SQLite3, "":
		db, err = openSQLite(cfg.DSN)
	case dialect.PGX:
		db, err = openPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	driver := cfg.Driver
	if driver == "" {
		driver = dialect.SQLite3
	}
	s := &Store{db: db, driver: driver}

	createSeq := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, value BIGINT NOT NULL)`,
		sequenceTable,
	)
	if _, err := db.ExecContext(ctx, createSeq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create sequence table: %w", err)
	}

	return s, nil
}

// Close releases the underlying connection(s).
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the engine name ("sqlite3" or "pgx").
func (s *Store) Driver() string {
	return s.driver
}

// Txn is a scoped handle over one database/sql transaction, atomic across
// every dictionary rooted in the same Store.
type Txn struct {
	tx *sqlx.Tx
}

// Begin opens a new ACID transaction. All Dict operations that accept a
// *Txn participate in it; Dict.Enumerate deliberately does not, and never
// observes this transaction's uncommitted writes (see Enumerate's doc).
func (s *Store) Begin(ctx context.Context) (*Txn, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &Txn{tx: tx}, nil
}

// Commit makes the transaction's writes durable. On failure the store is
// left unchanged (the driver rolls back automatically on a failed commit).
func (t *Txn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction's writes. Safe to call after Commit;
// the driver reports sql.ErrTxDone, which is not actionable and is ignored.
func (t *Txn) Rollback() {
	_ = t.tx.Rollback()
}

// WithTx runs fn inside a fresh transaction, committing on success and
// rolling back (including on panic) otherwise. This is the single blessed
// way to sequence several Dict operations into one atomic commit, matching
// the commit-or-rollback discipline C6/C7 need for their cycle commits.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txn *Txn) error) error {
	txn, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			txn.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

func dictTable(name string) string {
	return "kv_" + name
}

// RemoveDictionary durably deletes a dictionary and its sequence counter.
// Matches C1's remove_dictionary contract; used by the C5 reaper to drop
// archive buckets past retention.
func (s *Store) RemoveDictionary(ctx context.Context, name string) error {
	table := dictTable(name)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return fmt.Errorf("store: remove dictionary %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", sequenceTable), name); err != nil {
		return fmt.Errorf("store: remove sequence for %s: %w", name, err)
	}
	return nil
}

// EnumerateDictionaries returns the names of live dictionaries whose name
// begins with prefix (empty prefix matches all). Used by the C5 reaper to
// discover hourly archive buckets by name.
func (s *Store) EnumerateDictionaries(ctx context.Context, prefix string) ([]string, error) {
	pattern := "kv_" + prefix + "%"
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(dialect.ListTablesQuery(s.driver)), pattern)
	if err != nil {
		return nil, fmt.Errorf("store: enumerate dictionaries: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, fmt.Errorf("store: enumerate dictionaries: %w", err)
		}
		if table == sequenceTable {
			continue
		}
		names = append(names, table[len("kv_"):])
	}
	return names, rows.Err()
}
