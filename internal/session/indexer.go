package session

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// backfillConcurrency bounds how many projects reindex at once.
const backfillConcurrency = 4

// Indexer keeps the index store in sync with transcript files by consuming
// watcher events. List and inbox reads then never scan transcripts.
type Indexer struct {
	service *Service
	bus     bus.EventBus
	logger  *logger.Logger
	sub     bus.Subscription
}

// NewIndexer creates an Indexer over the session service.
func NewIndexer(svc *Service, eventBus bus.EventBus, log *logger.Logger) *Indexer {
	return &Indexer{
		service: svc,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "session-indexer")),
	}
}

// Start subscribes to session file events. The queue group keeps exactly one
// indexer re-deriving a row when several instances share a NATS bus.
func (ix *Indexer) Start() error {
	sub, err := ix.bus.QueueSubscribe(
		events.BuildFileChangedSubject(events.FileKindSession),
		"indexer",
		ix.handleFileEvent,
	)
	if err != nil {
		return err
	}
	ix.sub = sub
	return nil
}

// Stop detaches from the bus.
func (ix *Indexer) Stop() error {
	if ix.sub == nil {
		return nil
	}
	return ix.sub.Unsubscribe()
}

// Backfill reindexes every transcript on disk, a few projects at a time.
// Runs once at startup so listings are warm before the watcher takes over;
// sessions that changed while the server was down get fresh rows.
func (ix *Indexer) Backfill(ctx context.Context) error {
	projects, err := ix.service.scanner.ListProjects()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)
	for _, proj := range projects {
		proj := proj
		g.Go(func() error {
			return ix.backfillProject(ctx, proj)
		})
	}
	return g.Wait()
}

func (ix *Indexer) backfillProject(ctx context.Context, proj *project.Project) error {
	dirEntries, err := os.ReadDir(proj.SessionDirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sessionID := strings.TrimSuffix(de.Name(), ".jsonl")
		if _, err := ix.service.Reindex(ctx, proj.ID, sessionID); err != nil {
			ix.logger.Warn("Backfill reindex failed",
				zap.String("session_id", sessionID),
				zap.String("project_id", proj.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (ix *Indexer) handleFileEvent(ctx context.Context, event *bus.Event) error {
	sessionID, _ := event.Data[events.DataKeySessionID].(string)
	projectID, _ := event.Data[events.DataKeyProjectID].(string)
	op, _ := event.Data[events.DataKeyOp].(string)
	if sessionID == "" || projectID == "" {
		return nil
	}
	log := ix.logger.WithSessionID(sessionID)

	if op == events.FileOpDelete {
		if err := ix.service.RemoveSession(ctx, sessionID); err != nil {
			log.Error("Failed to drop deleted session from index", zap.Error(err))
		}
		return nil
	}

	if _, err := ix.service.Reindex(ctx, projectID, sessionID); err != nil {
		// The file can vanish between the event and the read.
		if wire.ErrorCode(err) == wire.CodeNotFound {
			return ix.service.RemoveSession(ctx, sessionID)
		}
		log.Error("Reindex failed",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
	return nil
}
