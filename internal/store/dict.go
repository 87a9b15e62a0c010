package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/orchestrd/orchestrd/internal/store/dialect"
)

// execer is the subset of *sqlx.DB and *sqlx.Tx that Dict operations need.
// Letting a Dict method run against either lets a nil *Txn mean "run as its
// own implicit transaction" and a non-nil one mean "participate in the
// caller's transaction".
type execer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

// Entry is one (key, value) pair as returned by Enumerate, carrying the
// durable insertion sequence used for ordered enumeration.
type Entry[V any] struct {
	Key   string
	Value V
	Seq   int64
}

// EnumMode selects Enumerate's ordering.
type EnumMode int

const (
	// Unordered returns rows in whatever order the engine produces them.
	Unordered EnumMode = iota
	// Ordered returns rows sorted by ascending insertion sequence.
	Ordered
)

// Dict is a named durable dictionary: V values keyed by string, backed by
// one kv_<name> table. Dict is generic over V so callers get typed access
// without hand-rolled marshal/unmarshal at every call site.
type Dict[V any] struct {
	store *Store
	name  string
	table string
}

// OpenDict gets-or-creates a dictionary by name. It takes a *Store, not a
// *Txn, by construction: the CREATE TABLE it issues must never share a
// transaction with the first write to that table (the hazard in spec §4.1/
// §9) and the type signature makes that impossible to get wrong.
func OpenDict[V any](ctx context.Context, s *Store, name string) (*Dict[V], error) {
	table := dictTable(name)

	createTable := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			seq   BIGINT NOT NULL
		)`,
		table,
	)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("store: open dictionary %s: %w", name, err)
	}

	ensureSeq := dialect.EnsureSequenceRow(s.driver, sequenceTable)
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(ensureSeq), name); err != nil {
		return nil, fmt.Errorf("store: open dictionary %s: init sequence: %w", name, err)
	}

	return &Dict[V]{store: s, name: name, table: table}, nil
}

func (d *Dict[V]) exec(txn *Txn) execer {
	if txn != nil {
		return txn.tx
	}
	return d.store.db
}

// nextSeq bumps and reads back this dictionary's counter. Must run on the
// same execer (and, when txn is non-nil, the same transaction) as the
// write it numbers, so a crash between the two is impossible to observe.
func (d *Dict[V]) nextSeq(ctx context.Context, e execer) (int64, error) {
	bump := dialect.BumpSequence(sequenceTable)
	if _, err := e.ExecContext(ctx, e.Rebind(bump), d.name); err != nil {
		return 0, fmt.Errorf("bump sequence: %w", err)
	}
	var seq int64
	q := fmt.Sprintf("SELECT value FROM %s WHERE name = ?", sequenceTable)
	if err := e.GetContext(ctx, &seq, e.Rebind(q), d.name); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

// TryGet looks up key, reporting whether it was present.
func (d *Dict[V]) TryGet(ctx context.Context, txn *Txn, key string) (V, bool, error) {
	var zero V
	e := d.exec(txn)

	var raw string
	q := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", d.table)
	err := e.GetContext(ctx, &raw, e.Rebind(q), key)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("store: get %s/%s: %w", d.name, key, err)
	}

	var v V
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, false, fmt.Errorf("store: decode %s/%s: %w", d.name, key, err)
	}
	return v, true, nil
}

// Set unconditionally writes key=value, creating or overwriting the row.
func (d *Dict[V]) Set(ctx context.Context, txn *Txn, key string, value V) error {
	e := d.exec(txn)
	seq, err := d.nextSeq(ctx, e)
	if err != nil {
		return fmt.Errorf("store: set %s/%s: %w", d.name, key, err)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", d.name, key, err)
	}

	q := dialect.UpsertKV(d.table)
	if _, err := e.ExecContext(ctx, e.Rebind(q), key, string(raw), seq); err != nil {
		return fmt.Errorf("store: set %s/%s: %w", d.name, key, err)
	}
	return nil
}

// AddOrUpdate writes zero for a missing key, or merge(existing) for a
// present one, atomically with respect to concurrent writers sharing the
// same txn/connection. Matches C1's add_or_update(k, v, merge_fn).
func (d *Dict[V]) AddOrUpdate(ctx context.Context, txn *Txn, key string, zero V, merge func(V) V) error {
	existing, ok, err := d.TryGet(ctx, txn, key)
	if err != nil {
		return err
	}
	next := zero
	if ok {
		next = merge(existing)
	}
	return d.Set(ctx, txn, key, next)
}

// Append assigns a dictionary-unique monotonic key (its decimal string
// form) and stores value under it. Queue-shaped dictionaries (the C3
// activity queue) use this instead of Set so callers never need to invent
// their own id: spec §9's "ambiguity: activity queue key" is resolved by
// keying each entry on the id the store assigns at append time.
func (d *Dict[V]) Append(ctx context.Context, txn *Txn, value V) (key string, err error) {
	e := d.exec(txn)
	seq, err := d.nextSeq(ctx, e)
	if err != nil {
		return "", fmt.Errorf("store: append %s: %w", d.name, err)
	}
	key = strconv.FormatInt(seq, 10)

	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("store: encode %s/%s: %w", d.name, key, err)
	}

	q := dialect.UpsertKV(d.table)
	if _, err := e.ExecContext(ctx, e.Rebind(q), key, string(raw), seq); err != nil {
		return "", fmt.Errorf("store: append %s: %w", d.name, err)
	}
	return key, nil
}

// TryRemove deletes key, reporting whether it had been present.
func (d *Dict[V]) TryRemove(ctx context.Context, txn *Txn, key string) (bool, error) {
	e := d.exec(txn)
	q := fmt.Sprintf("DELETE FROM %s WHERE key = ?", d.table)
	res, err := e.ExecContext(ctx, e.Rebind(q), key)
	if err != nil {
		return false, fmt.Errorf("store: remove %s/%s: %w", d.name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: remove %s/%s: %w", d.name, key, err)
	}
	return n > 0, nil
}

// Enumerate lists every entry in the dictionary. It always runs directly
// against the store, never against a caller's in-flight *Txn: per spec
// §4.1, "an enumeration opened inside a txn may not observe writes from
// the same txn". Rather than rely on engine-specific snapshot isolation to
// get this right, Enumerate's signature simply has no way to join a
// caller's transaction, so it only ever sees committed rows.
func (d *Dict[V]) Enumerate(ctx context.Context, mode EnumMode) ([]Entry[V], error) {
	q := fmt.Sprintf("SELECT key, value, seq FROM %s", d.table)
	if mode == Ordered {
		q += " ORDER BY seq ASC"
	}

	rows, err := d.store.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: enumerate %s: %w", d.name, err)
	}
	defer rows.Close()

	var out []Entry[V]
	for rows.Next() {
		var key, raw string
		var seq int64
		if err := rows.Scan(&key, &raw, &seq); err != nil {
			return nil, fmt.Errorf("store: enumerate %s: %w", d.name, err)
		}
		var v V
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("store: enumerate %s decode %s: %w", d.name, key, err)
		}
		out = append(out, Entry[V]{Key: key, Value: v, Seq: seq})
	}
	return out, rows.Err()
}
