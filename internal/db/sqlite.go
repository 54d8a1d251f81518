package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeoutMs bounds how long a connection waits on the writer
	// lock before surfacing SQLITE_BUSY. Index upserts are small, so the
	// wait is normally microseconds; the bound covers WAL checkpoints.
	sqliteBusyTimeoutMs = 5000

	// sqliteReaderConns is the read-side pool size. WAL snapshots let the
	// listing and inbox queries run concurrently with indexer writes.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of the session store: a single
// connection in WAL mode, so metadata writes and indexer upserts
// serialize in the pool instead of contending for the file lock.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := stageSQLiteFile(dbPath)
	if err != nil {
		return nil, fmt.Errorf("prepare session store path: %w", err)
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "rwc",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
	))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only
// connections over the same file. journal_mode and synchronous are
// database-level settings the writer already applied.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		path = dbPath
	}
	conn, err := sql.Open("sqlite3", sqliteDSN(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("open session store reader: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

func sqliteDSN(path, mode string, extra ...string) string {
	params := append([]string{
		"_mode=" + mode,
		"_foreign_keys=on",
		fmt.Sprintf("_busy_timeout=%d", sqliteBusyTimeoutMs),
		"_cache=shared",
	}, extra...)
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&"))
}

// stageSQLiteFile resolves the path and creates the parent directory and
// an empty database file so the read-only pool can open before the first
// write lands.
func stageSQLiteFile(dbPath string) (string, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		path = dbPath
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, f.Close()
}
