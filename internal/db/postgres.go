package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres pool sizing when the config leaves the knobs at zero. The
// session stores issue short point queries, so a modest pool suffices.
const (
	pgDefaultMaxConns = 25
	pgDefaultMinConns = 5
)

// OpenPostgres opens the shared Postgres connection for the session
// stores. Unlike SQLite there is no writer/reader split: database/sql
// pools connections and Postgres handles write concurrency itself.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres session store: %w", err)
	}

	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	if minConns <= 0 {
		minConns = pgDefaultMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres session store: %w", err)
	}
	return conn, nil
}
