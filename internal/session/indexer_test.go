package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

func publishFileEvent(t *testing.T, b bus.EventBus, op, projectID, sessionID string) {
	t.Helper()
	event := bus.NewEvent(events.FileChanged, "watcher", map[string]any{
		events.DataKeyOp:        op,
		events.DataKeyProjectID: projectID,
		events.DataKeySessionID: sessionID,
	})
	require.NoError(t, b.Publish(context.Background(),
		events.BuildFileChangedSubject(events.FileKindSession), event))
}

func TestIndexer_ReindexOnFileEvents(t *testing.T) {
	f := newServiceFixture(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	ctx := context.Background()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	ix := NewIndexer(f.svc, eventBus, log)
	require.NoError(t, ix.Start())
	defer func() { _ = ix.Stop() }()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.writeTranscript(t, "sess-1",
		entryLine("u1", "user", "Wire up the uploader", base),
		entryLine("a1", "assistant", "On it.", base.Add(time.Second)),
	)
	publishFileEvent(t, eventBus, events.FileOpCreate, f.proj.ID, "sess-1")

	require.Eventually(t, func() bool {
		entry, err := f.index.Get(ctx, "sess-1")
		return err == nil && entry != nil && entry.MessageCount == 2
	}, 2*time.Second, 10*time.Millisecond, "index row appears after create event")

	entry, err := f.index.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Wire up the uploader", entry.AutoTitle)

	// A modify event refreshes the counts.
	f.writeTranscript(t, "sess-1",
		entryLine("u1", "user", "Wire up the uploader", base),
		entryLine("a1", "assistant", "On it.", base.Add(time.Second)),
		entryLine("u2", "user", "and resume support", base.Add(2*time.Second)),
	)
	publishFileEvent(t, eventBus, events.FileOpModify, f.proj.ID, "sess-1")

	require.Eventually(t, func() bool {
		entry, err := f.index.Get(ctx, "sess-1")
		return err == nil && entry != nil && entry.MessageCount == 3
	}, 2*time.Second, 10*time.Millisecond, "index row refreshes after modify event")

	// A delete event drops the row.
	publishFileEvent(t, eventBus, events.FileOpDelete, f.proj.ID, "sess-1")
	require.Eventually(t, func() bool {
		entry, err := f.index.Get(ctx, "sess-1")
		return err == nil && entry == nil
	}, 2*time.Second, 10*time.Millisecond, "index row dropped after delete event")
}

func TestIndexer_Backfill(t *testing.T) {
	f := newServiceFixture(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	ctx := context.Background()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.writeTranscript(t, "sess-1",
		entryLine("u1", "user", "Ship the inbox", base),
		entryLine("a1", "assistant", "Buckets first.", base.Add(time.Second)),
	)
	f.writeTranscript(t, "sess-2",
		entryLine("u1", "user", "Profile the reader", base.Add(time.Minute)),
	)

	ix := NewIndexer(f.svc, eventBus, log)
	require.NoError(t, ix.Backfill(ctx))

	entry, err := f.index.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.MessageCount)
	assert.Equal(t, "Ship the inbox", entry.AutoTitle)

	entry, err = f.index.Get(ctx, "sess-2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.MessageCount)

	// Rerun after a file changes on disk; the row refreshes.
	f.writeTranscript(t, "sess-2",
		entryLine("u1", "user", "Profile the reader", base.Add(time.Minute)),
		entryLine("a1", "assistant", "pprof attached.", base.Add(2*time.Minute)),
	)
	require.NoError(t, ix.Backfill(ctx))
	entry, err = f.index.Get(ctx, "sess-2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.MessageCount)
}

func TestIndexer_ModifyOfVanishedFileDropsRow(t *testing.T) {
	f := newServiceFixture(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	ctx := context.Background()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	ix := NewIndexer(f.svc, eventBus, log)
	require.NoError(t, ix.Start())
	defer func() { _ = ix.Stop() }()

	now := time.Now().UTC()
	require.NoError(t, f.index.Upsert(ctx, &IndexEntry{
		SessionID: "ghost", ProjectID: f.proj.ID, CreatedAt: now, UpdatedAt: now,
	}))

	// No transcript file exists for the session, so the reindex resolves to
	// a removal.
	publishFileEvent(t, eventBus, events.FileOpModify, f.proj.ID, "ghost")
	require.Eventually(t, func() bool {
		entry, err := f.index.Get(ctx, "ghost")
		return err == nil && entry == nil
	}, 2*time.Second, 10*time.Millisecond)
}
