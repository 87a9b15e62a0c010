package dialect

import "fmt"

// UpsertKV returns the INSERT ... ON CONFLICT statement used to write a
// dictionary row. Both engines accept the same ON CONFLICT syntax, so this
// exists as a single named fragment (rather than a per-engine branch) to
// keep every kv_<name> table write going through one place. An update keeps
// the row's original seq, so ordered enumeration stays in insertion order.
func UpsertKV(table string) string {
	return fmt.Sprintf(
		`INSERT INTO %s (key, value, seq) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		table,
	)
}

// BumpSequence returns the statement that advances a named counter by one.
// Caller must have inserted the zero row first (see EnsureSequenceRow).
func BumpSequence(table string) string {
	return fmt.Sprintf("UPDATE %s SET value = value + 1 WHERE name = ?", table)
}

// EnsureSequenceRow returns the statement that creates a counter row if
// absent, leaving an existing row untouched.
func EnsureSequenceRow(driver, table string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf(
			"INSERT INTO %s (name, value) VALUES (?, 0) ON CONFLICT (name) DO NOTHING",
			table,
		)
	}
	return fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (name, value) VALUES (?, 0)",
		table,
	)
}
