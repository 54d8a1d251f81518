package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/db"
)

func createTestStores(t *testing.T) (*SQLMetadataStore, *SQLIndexStore, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	pool, err := db.OpenSQLitePool(dbPath)
	if err != nil {
		t.Fatalf("failed to open sqlite pool: %v", err)
	}

	meta, err := NewSQLMetadataStore(pool, false)
	if err != nil {
		t.Fatalf("failed to create metadata store: %v", err)
	}
	idx, err := NewSQLIndexStore(pool, false)
	if err != nil {
		t.Fatalf("failed to create index store: %v", err)
	}

	cleanup := func() {
		_ = pool.Close()
	}
	return meta, idx, cleanup
}

func TestSQLMetadataStore_GetUnknownReturnsZeroValue(t *testing.T) {
	meta, _, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	got, err := meta.Get(ctx, "never-written")
	if err != nil {
		t.Fatalf("failed to get metadata: %v", err)
	}
	if got.SessionID != "never-written" {
		t.Errorf("expected session id to be echoed, got %q", got.SessionID)
	}
	if got.CustomTitle != "" || got.IsStarred || got.IsArchived || got.LastSeenAt != nil {
		t.Errorf("expected zero-value metadata, got %+v", got)
	}
}

func TestSQLMetadataStore_UpsertRoundtrip(t *testing.T) {
	meta, _, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	seen := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	in := &Metadata{
		SessionID:   "sess-1",
		CustomTitle: "Refactor auth flow",
		IsStarred:   true,
		LastSeenAt:  &seen,
	}
	if err := meta.Upsert(ctx, in); err != nil {
		t.Fatalf("failed to upsert metadata: %v", err)
	}
	if in.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped on upsert")
	}

	got, err := meta.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get metadata: %v", err)
	}
	if got.CustomTitle != "Refactor auth flow" {
		t.Errorf("expected custom title to round-trip, got %q", got.CustomTitle)
	}
	if !got.IsStarred {
		t.Error("expected starred flag to round-trip")
	}
	if got.IsArchived {
		t.Error("expected archived flag to stay false")
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("expected lastSeenAt %v, got %v", seen, got.LastSeenAt)
	}

	// Second upsert replaces the row rather than inserting a duplicate.
	in.CustomTitle = "Renamed"
	in.IsArchived = true
	if err := meta.Upsert(ctx, in); err != nil {
		t.Fatalf("failed to re-upsert metadata: %v", err)
	}
	got, _ = meta.Get(ctx, "sess-1")
	if got.CustomTitle != "Renamed" || !got.IsArchived {
		t.Errorf("expected updated row, got %+v", got)
	}
}

func TestSQLMetadataStore_GetMany(t *testing.T) {
	meta, _, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := meta.Upsert(ctx, &Metadata{SessionID: id, CustomTitle: "title-" + id}); err != nil {
			t.Fatalf("failed to upsert %s: %v", id, err)
		}
	}

	got, err := meta.GetMany(ctx, []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("failed to get many: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got["a"].CustomTitle != "title-a" || got["c"].CustomTitle != "title-c" {
		t.Errorf("unexpected records: %+v", got)
	}
	if _, ok := got["missing"]; ok {
		t.Error("expected missing id to be absent from result")
	}

	empty, err := meta.GetMany(ctx, nil)
	if err != nil {
		t.Fatalf("failed on empty id list: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty result, got %d", len(empty))
	}
}

func TestSQLMetadataStore_Delete(t *testing.T) {
	meta, _, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	if err := meta.Upsert(ctx, &Metadata{SessionID: "gone", IsStarred: true}); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if err := meta.Delete(ctx, "gone"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	got, err := meta.Get(ctx, "gone")
	if err != nil {
		t.Fatalf("failed to get after delete: %v", err)
	}
	if got.IsStarred {
		t.Error("expected zero-value record after delete")
	}
}

func TestSQLIndexStore_GetUnknownReturnsNil(t *testing.T) {
	_, idx, cleanup := createTestStores(t)
	defer cleanup()

	got, err := idx.Get(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown session, got %+v", got)
	}
}

func TestSQLIndexStore_UpsertRoundtrip(t *testing.T) {
	_, idx, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	updated := created.Add(45 * time.Minute)
	in := &IndexEntry{
		SessionID:    "sess-1",
		ProjectID:    "-home-dev-app",
		CreatedAt:    created,
		UpdatedAt:    updated,
		MessageCount: 12,
		AutoTitle:    "Fix flaky watcher test",
	}
	if err := idx.Upsert(ctx, in); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	got, err := idx.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry")
	}
	if got.ProjectID != "-home-dev-app" || got.MessageCount != 12 {
		t.Errorf("unexpected entry: %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(updated) {
		t.Errorf("expected timestamps to round-trip, got created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}

	// Re-upsert updates in place.
	in.MessageCount = 13
	in.AutoTitle = "Fix flaky watcher test (again)"
	if err := idx.Upsert(ctx, in); err != nil {
		t.Fatalf("failed to re-upsert: %v", err)
	}
	got, _ = idx.Get(ctx, "sess-1")
	if got.MessageCount != 13 || got.AutoTitle != "Fix flaky watcher test (again)" {
		t.Errorf("expected updated entry, got %+v", got)
	}

	all, err := idx.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected a single row after re-upsert, got %d", len(all))
	}
}

func TestSQLIndexStore_List(t *testing.T) {
	_, idx, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []*IndexEntry{
		{SessionID: "old", ProjectID: "p1", CreatedAt: base, UpdatedAt: base},
		{SessionID: "mid", ProjectID: "p2", CreatedAt: base, UpdatedAt: base.Add(1 * time.Hour)},
		{SessionID: "new", ProjectID: "p1", CreatedAt: base, UpdatedAt: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("failed to upsert %s: %v", e.SessionID, err)
		}
	}

	// Newest-first ordering.
	all, err := idx.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].SessionID != "new" || all[1].SessionID != "mid" || all[2].SessionID != "old" {
		t.Errorf("unexpected order: %s, %s, %s", all[0].SessionID, all[1].SessionID, all[2].SessionID)
	}

	// Project filter.
	p1, err := idx.List(ctx, ListFilter{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("failed to list by project: %v", err)
	}
	if len(p1) != 2 || p1[0].SessionID != "new" || p1[1].SessionID != "old" {
		t.Errorf("unexpected project listing: %+v", p1)
	}

	// Cursor returns strictly older entries.
	older, err := idx.List(ctx, ListFilter{After: base.Add(1 * time.Hour)})
	if err != nil {
		t.Fatalf("failed to list with cursor: %v", err)
	}
	if len(older) != 1 || older[0].SessionID != "old" {
		t.Errorf("expected only the oldest entry past the cursor, got %+v", older)
	}

	// Limit caps the page.
	page, err := idx.List(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("failed to list with limit: %v", err)
	}
	if len(page) != 2 || page[0].SessionID != "new" {
		t.Errorf("unexpected limited page: %+v", page)
	}
}

func TestSQLIndexStore_ListRecent(t *testing.T) {
	_, idx, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	fresh := &IndexEntry{SessionID: "fresh", ProjectID: "p1", CreatedAt: now, UpdatedAt: now.Add(-1 * time.Hour)}
	stale := &IndexEntry{SessionID: "stale", ProjectID: "p1", CreatedAt: now, UpdatedAt: now.Add(-48 * time.Hour)}
	for _, e := range []*IndexEntry{fresh, stale} {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("failed to upsert %s: %v", e.SessionID, err)
		}
	}

	got, err := idx.ListRecent(ctx, 24)
	if err != nil {
		t.Fatalf("failed to list recent: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "fresh" {
		t.Errorf("expected only the fresh entry, got %+v", got)
	}
}

func TestSQLIndexStore_Delete(t *testing.T) {
	_, idx, cleanup := createTestStores(t)
	defer cleanup()
	ctx := context.Background()

	entry := &IndexEntry{SessionID: "gone", ProjectID: "p1", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := idx.Upsert(ctx, entry); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if err := idx.Delete(ctx, "gone"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	got, err := idx.Get(ctx, "gone")
	if err != nil {
		t.Fatalf("failed to get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}
