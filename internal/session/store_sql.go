package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/db/dialect"
)

// SQLMetadataStore keeps session metadata in SQLite or PostgreSQL.
type SQLMetadataStore struct {
	pool     *db.Pool
	ownsPool bool
}

// NewSQLMetadataStore creates the store and its schema. When ownsPool is
// set, Close also closes the pool.
func NewSQLMetadataStore(pool *db.Pool, ownsPool bool) (*SQLMetadataStore, error) {
	s := &SQLMetadataStore{pool: pool, ownsPool: ownsPool}
	if err := s.initSchema(); err != nil {
		if ownsPool {
			_ = pool.Close()
		}
		return nil, fmt.Errorf("initialize metadata schema: %w", err)
	}
	return s, nil
}

func (s *SQLMetadataStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS session_metadata (
		session_id TEXT PRIMARY KEY,
		custom_title TEXT NOT NULL DEFAULT '',
		is_starred INTEGER NOT NULL DEFAULT 0,
		is_archived INTEGER NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// Get returns the metadata for a session, or a zero-value record when none
// has been written yet.
func (s *SQLMetadataStore) Get(ctx context.Context, sessionID string) (*Metadata, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT session_id, custom_title, is_starred, is_archived, last_seen_at, updated_at
		FROM session_metadata WHERE session_id = ?
	`), sessionID)

	meta, err := scanMetadata(row.Scan)
	if err == sql.ErrNoRows {
		return &Metadata{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// GetMany returns metadata for the given session ids in one query.
func (s *SQLMetadataStore) GetMany(ctx context.Context, sessionIDs []string) (map[string]*Metadata, error) {
	result := make(map[string]*Metadata, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`
		SELECT session_id, custom_title, is_starred, is_archived, last_seen_at, updated_at
		FROM session_metadata WHERE session_id IN (?)
	`, sessionIDs)
	if err != nil {
		return nil, err
	}

	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		meta, err := scanMetadata(rows.Scan)
		if err != nil {
			return nil, err
		}
		result[meta.SessionID] = meta
	}
	return result, rows.Err()
}

// Upsert writes the full metadata record.
func (s *SQLMetadataStore) Upsert(ctx context.Context, meta *Metadata) error {
	meta.UpdatedAt = time.Now().UTC()

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO session_metadata (session_id, custom_title, is_starred, is_archived, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			custom_title = excluded.custom_title,
			is_starred = excluded.is_starred,
			is_archived = excluded.is_archived,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
	`), meta.SessionID, meta.CustomTitle,
		dialect.BoolToInt(meta.IsStarred), dialect.BoolToInt(meta.IsArchived),
		meta.LastSeenAt, meta.UpdatedAt)
	return err
}

// Delete removes a session's metadata.
func (s *SQLMetadataStore) Delete(ctx context.Context, sessionID string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM session_metadata WHERE session_id = ?`), sessionID)
	return err
}

// Close closes the underlying pool when this store owns it.
func (s *SQLMetadataStore) Close() error {
	if !s.ownsPool {
		return nil
	}
	return s.pool.Close()
}

func scanMetadata(scan func(...any) error) (*Metadata, error) {
	var meta Metadata
	var starred, archived int
	var lastSeen sql.NullTime
	if err := scan(&meta.SessionID, &meta.CustomTitle, &starred, &archived, &lastSeen, &meta.UpdatedAt); err != nil {
		return nil, err
	}
	meta.IsStarred = starred != 0
	meta.IsArchived = archived != 0
	if lastSeen.Valid {
		t := lastSeen.Time
		meta.LastSeenAt = &t
	}
	return &meta, nil
}

// SQLIndexStore keeps session listing summaries in SQLite or PostgreSQL.
type SQLIndexStore struct {
	pool     *db.Pool
	ownsPool bool
}

// NewSQLIndexStore creates the store and its schema. When ownsPool is set,
// Close also closes the pool.
func NewSQLIndexStore(pool *db.Pool, ownsPool bool) (*SQLIndexStore, error) {
	s := &SQLIndexStore{pool: pool, ownsPool: ownsPool}
	if err := s.initSchema(); err != nil {
		if ownsPool {
			_ = pool.Close()
		}
		return nil, fmt.Errorf("initialize index schema: %w", err)
	}
	return s, nil
}

func (s *SQLIndexStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS session_index (
		session_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		auto_title TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_session_index_project ON session_index(project_id);
	CREATE INDEX IF NOT EXISTS idx_session_index_updated ON session_index(updated_at);
	`)
	return err
}

// Get returns the index entry for a session, or nil when unknown.
func (s *SQLIndexStore) Get(ctx context.Context, sessionID string) (*IndexEntry, error) {
	reader := s.pool.Reader()
	var entry IndexEntry
	err := reader.GetContext(ctx, &entry, reader.Rebind(`
		SELECT session_id, project_id, created_at, updated_at, message_count, auto_title
		FROM session_index WHERE session_id = ?
	`), sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Upsert writes the full index entry.
func (s *SQLIndexStore) Upsert(ctx context.Context, entry *IndexEntry) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO session_index (session_id, project_id, created_at, updated_at, message_count, auto_title)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_id = excluded.project_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			auto_title = excluded.auto_title
	`), entry.SessionID, entry.ProjectID, entry.CreatedAt.UTC(), entry.UpdatedAt.UTC(),
		entry.MessageCount, entry.AutoTitle)
	return err
}

// List returns entries matching the project/cursor constraints, newest-first.
// Limit is honored only when set; metadata-dependent constraints are applied
// by the service after the merge.
func (s *SQLIndexStore) List(ctx context.Context, filter ListFilter) ([]*IndexEntry, error) {
	query := `
		SELECT session_id, project_id, created_at, updated_at, message_count, auto_title
		FROM session_index WHERE 1=1`
	args := []any{}

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if !filter.After.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, filter.After.UTC())
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	reader := s.pool.Reader()
	var entries []*IndexEntry
	if err := reader.SelectContext(ctx, &entries, reader.Rebind(query), args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListRecent returns entries updated within the last N hours, newest-first.
func (s *SQLIndexStore) ListRecent(ctx context.Context, hours int) ([]*IndexEntry, error) {
	reader := s.pool.Reader()
	query := `
		SELECT session_id, project_id, created_at, updated_at, message_count, auto_title
		FROM session_index
		WHERE updated_at >= ` + dialect.NowMinusHours(s.pool.Driver(), "?") + `
		ORDER BY updated_at DESC`

	var entries []*IndexEntry
	if err := reader.SelectContext(ctx, &entries, reader.Rebind(query), hours); err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes a session's index entry.
func (s *SQLIndexStore) Delete(ctx context.Context, sessionID string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM session_index WHERE session_id = ?`), sessionID)
	return err
}

// Close closes the underlying pool when this store owns it.
func (s *SQLIndexStore) Close() error {
	if !s.ownsPool {
		return nil
	}
	return s.pool.Close()
}
