package db

import (
	"github.com/jmoiron/sqlx"

	"github.com/agentdeck/agentdeck/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// OpenSQLitePool opens writer and reader SQLite connections for the given
// file and wraps them in a Pool.
func OpenSQLitePool(dbPath string) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{
		writer: sqlx.NewDb(writer, dialect.SQLite3),
		reader: sqlx.NewDb(reader, dialect.SQLite3),
	}, nil
}

// OpenPostgresPool opens a PostgreSQL connection and wraps it in a Pool.
// Reads and writes share the single pgx-managed pool.
func OpenPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	raw, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	shared := sqlx.NewDb(raw, dialect.PGX)
	return &Pool{writer: shared, reader: shared}, nil
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the writer's driver name for dialect helpers.
func (p *Pool) Driver() string { return p.writer.DriverName() }

// Close closes both the writer and reader pools. SQLite writers run
// PRAGMA optimize first so query planner statistics survive restarts.
func (p *Pool) Close() error {
	if !dialect.IsPostgres(p.writer.DriverName()) {
		_, _ = p.writer.Exec("PRAGMA optimize")
	}
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
