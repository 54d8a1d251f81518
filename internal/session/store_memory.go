package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryMetadataStore provides in-memory metadata storage for tests and
// diskless runs.
type MemoryMetadataStore struct {
	records map[string]*Metadata
	mu      sync.RWMutex
}

var _ MetadataStore = (*MemoryMetadataStore)(nil)

// NewMemoryMetadataStore creates an empty in-memory metadata store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{records: make(map[string]*Metadata)}
}

// Get returns the metadata for a session, or a zero-value record.
func (m *MemoryMetadataStore) Get(ctx context.Context, sessionID string) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if meta, ok := m.records[sessionID]; ok {
		cp := *meta
		return &cp, nil
	}
	return &Metadata{SessionID: sessionID}, nil
}

// GetMany returns metadata for the given session ids.
func (m *MemoryMetadataStore) GetMany(ctx context.Context, sessionIDs []string) (map[string]*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Metadata, len(sessionIDs))
	for _, id := range sessionIDs {
		if meta, ok := m.records[id]; ok {
			cp := *meta
			result[id] = &cp
		}
	}
	return result, nil
}

// Upsert writes the full metadata record.
func (m *MemoryMetadataStore) Upsert(ctx context.Context, meta *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta.UpdatedAt = time.Now().UTC()
	cp := *meta
	m.records[meta.SessionID] = &cp
	return nil
}

// Delete removes a session's metadata.
func (m *MemoryMetadataStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryMetadataStore) Close() error {
	return nil
}

// MemoryIndexStore provides in-memory index storage for tests and diskless
// runs.
type MemoryIndexStore struct {
	entries map[string]*IndexEntry
	mu      sync.RWMutex
}

var _ IndexStore = (*MemoryIndexStore)(nil)

// NewMemoryIndexStore creates an empty in-memory index store.
func NewMemoryIndexStore() *MemoryIndexStore {
	return &MemoryIndexStore{entries: make(map[string]*IndexEntry)}
}

// Get returns the index entry for a session, or nil when unknown.
func (m *MemoryIndexStore) Get(ctx context.Context, sessionID string) (*IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if entry, ok := m.entries[sessionID]; ok {
		cp := *entry
		return &cp, nil
	}
	return nil, nil
}

// Upsert writes the full index entry.
func (m *MemoryIndexStore) Upsert(ctx context.Context, entry *IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.entries[entry.SessionID] = &cp
	return nil
}

// List returns entries matching the project/cursor constraints, newest-first.
func (m *MemoryIndexStore) List(ctx context.Context, filter ListFilter) ([]*IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*IndexEntry
	for _, entry := range m.entries {
		if filter.ProjectID != "" && entry.ProjectID != filter.ProjectID {
			continue
		}
		if !filter.After.IsZero() && !entry.UpdatedAt.Before(filter.After) {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListRecent returns entries updated within the last N hours, newest-first.
func (m *MemoryIndexStore) ListRecent(ctx context.Context, hours int) ([]*IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var result []*IndexEntry
	for _, entry := range m.entries {
		if entry.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// Delete removes a session's index entry.
func (m *MemoryIndexStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryIndexStore) Close() error {
	return nil
}
