// Package dialect keeps the session-store SQL portable between the
// SQLite default and the optional Postgres backend.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether driver is the Postgres (pgx) driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 integers the stores persist; SQLite
// has no native boolean column type.
func BoolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
