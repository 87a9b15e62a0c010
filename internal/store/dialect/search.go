package dialect

import "fmt"

// Like returns the SQL LIKE operator appropriate for the driver.
//
//	SQLite:   LIKE
//	Postgres: ILIKE (case-insensitive)
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// ListTablesQuery returns the query that lists user table names beginning
// with prefix (a raw SQL LIKE pattern with no escaping applied by caller).
//
//	SQLite:   sqlite_master
//	Postgres: information_schema.tables
func ListTablesQuery(driver string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf(
			"SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name %s ?",
			Like(driver),
		)
	}
	return fmt.Sprintf(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name %s ?",
		Like(driver),
	)
}
