package session

import "context"

// MetadataStore persists user-set session metadata (titles, stars, archive
// flags, read cursors).
type MetadataStore interface {
	// Get returns the metadata for a session, or a zero-value record when
	// none has been written yet.
	Get(ctx context.Context, sessionID string) (*Metadata, error)

	// GetMany returns metadata for the given session ids. Sessions without
	// a record are absent from the result map.
	GetMany(ctx context.Context, sessionIDs []string) (map[string]*Metadata, error)

	// Upsert writes the full metadata record.
	Upsert(ctx context.Context, meta *Metadata) error

	// Delete removes a session's metadata.
	Delete(ctx context.Context, sessionID string) error

	Close() error
}

// IndexStore persists listing summaries derived from transcripts.
type IndexStore interface {
	// Get returns the index entry for a session, or nil when unknown.
	Get(ctx context.Context, sessionID string) (*IndexEntry, error)

	// Upsert writes the full index entry.
	Upsert(ctx context.Context, entry *IndexEntry) error

	// List returns entries matching the filter, newest-first. Query and
	// starred/archived constraints that live in the metadata store are
	// applied by the service after the merge.
	List(ctx context.Context, filter ListFilter) ([]*IndexEntry, error)

	// ListRecent returns entries updated within the last N hours,
	// newest-first.
	ListRecent(ctx context.Context, hours int) ([]*IndexEntry, error)

	// Delete removes a session's index entry.
	Delete(ctx context.Context, sessionID string) error

	Close() error
}
