package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/common/stringutil"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// autoTitleMaxLen bounds the derived session title.
const autoTitleMaxLen = 80

// recentActivityHours is the inbox window for "touched recently".
const recentActivityHours = 1

// Service merges transcript reads, index summaries and user metadata into
// the persisted session view.
type Service struct {
	reader  *transcript.Reader
	scanner *project.Scanner
	meta    MetadataStore
	index   IndexStore
	logger  *logger.Logger
}

// NewService creates the session service.
func NewService(reader *transcript.Reader, scanner *project.Scanner, meta MetadataStore, index IndexStore, log *logger.Logger) *Service {
	return &Service{
		reader:  reader,
		scanner: scanner,
		meta:    meta,
		index:   index,
		logger:  log.WithFields(zap.String("component", "session-service")),
	}
}

// LoadSession returns the session view plus its ordered messages, filtered
// to those strictly after afterMessageID when supplied.
func (s *Service) LoadSession(ctx context.Context, projectID, sessionID, afterMessageID string) (*Session, []transcript.Message, error) {
	info, messages, err := s.reader.LoadSession(projectID, sessionID, afterMessageID)
	if err != nil {
		return nil, nil, err
	}

	sess, err := s.assembleOne(ctx, projectID, sessionID, info, messages)
	if err != nil {
		return nil, nil, err
	}
	return sess, messages, nil
}

// LoadAgentSession returns the messages of a subagent spawned by a Task tool
// call inside the given session.
func (s *Service) LoadAgentSession(ctx context.Context, projectID, sessionID, agentID, afterMessageID string) ([]transcript.Message, error) {
	_, messages, err := s.reader.LoadAgentSession(projectID, sessionID, agentID, afterMessageID)
	return messages, err
}

// ListAgentMappings returns the tool_use id to agent id links for a session.
func (s *Service) ListAgentMappings(projectID, sessionID string) ([]transcript.AgentMapping, error) {
	return s.reader.ListAgentMappings(projectID, sessionID)
}

// CreateSession mints a session without spawning an agent: an empty
// transcript file plus index and metadata rows. Used by the two-phase
// create flow.
func (s *Service) CreateSession(ctx context.Context, projectID string) (*Session, error) {
	proj, err := s.scanner.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	w, err := transcript.NewWriter(s.reader.SessionPath(proj.ID, sessionID))
	if err != nil {
		return nil, wire.Errf(wire.CodeWriteFailed, "create transcript: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, wire.Errf(wire.CodeWriteFailed, "create transcript: %v", err)
	}

	now := time.Now().UTC()
	entry := &IndexEntry{
		SessionID: sessionID,
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.index.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.meta.Upsert(ctx, &Metadata{SessionID: sessionID}); err != nil {
		return nil, err
	}

	s.logger.Info("Created session",
		zap.String("session_id", sessionID),
		zap.String("project_id", projectID))
	return merge(entry, &Metadata{SessionID: sessionID}), nil
}

// List returns sessions matching the filter, newest-first. Constraints that
// live in the metadata store (query over custom titles, starred, archived)
// are applied after the merge.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Session, error) {
	storeFilter := filter
	if filter.Query != "" || filter.Starred || !filter.IncludeArchived {
		// Post-merge filtering may discard rows, so the SQL limit would
		// underfill the page.
		storeFilter.Limit = 0
	}

	entries, err := s.index.List(ctx, storeFilter)
	if err != nil {
		return nil, err
	}

	sessions, err := s.mergeAll(ctx, entries)
	if err != nil {
		return nil, err
	}

	result := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		if !filter.IncludeArchived && sess.IsArchived {
			continue
		}
		if filter.Starred && !sess.IsStarred {
			continue
		}
		if filter.Query != "" && !matchesQuery(sess, filter.Query) {
			continue
		}
		result = append(result, sess)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// Inbox buckets sessions by urgency. live maps sessionID to the owning
// Process state for sessions that are currently running.
func (s *Service) Inbox(ctx context.Context, live map[string]string) (*Inbox, error) {
	entries, err := s.index.ListRecent(ctx, 24)
	if err != nil {
		return nil, err
	}

	sessions, err := s.mergeAll(ctx, entries)
	if err != nil {
		return nil, err
	}

	inbox := &Inbox{
		NeedsAttention: []*Session{},
		Active:         []*Session{},
		RecentActivity: []*Session{},
		Unread8h:       []*Session{},
		Unread24h:      []*Session{},
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(sessions))

	// Sessions whose Process waits on input outrank everything, even when
	// the transcript has not been touched in the window.
	for _, sess := range sessions {
		if sess.IsArchived {
			seen[sess.SessionID] = true
			continue
		}
		switch live[sess.SessionID] {
		case "waiting-input":
			inbox.NeedsAttention = append(inbox.NeedsAttention, sess)
			seen[sess.SessionID] = true
		case "starting", "running", "hold":
			inbox.Active = append(inbox.Active, sess)
			seen[sess.SessionID] = true
		}
	}

	for _, sess := range sessions {
		if seen[sess.SessionID] {
			continue
		}
		age := now.Sub(sess.UpdatedAt)
		switch {
		case age <= recentActivityHours*time.Hour:
			inbox.RecentActivity = append(inbox.RecentActivity, sess)
		case sess.HasUnread && age <= 8*time.Hour:
			inbox.Unread8h = append(inbox.Unread8h, sess)
		case sess.HasUnread && age <= 24*time.Hour:
			inbox.Unread24h = append(inbox.Unread24h, sess)
		}
	}

	return inbox, nil
}

// GetMetadata returns one session's merged view without loading messages.
func (s *Service) GetMetadata(ctx context.Context, sessionID string) (*Session, error) {
	entry, err := s.index.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, wire.Errf(wire.CodeNotFound, "session %s not found", sessionID)
	}
	meta, err := s.meta.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return merge(entry, meta), nil
}

// UpdateMetadata applies a partial metadata update. Archiving an already
// archived session fails with ALREADY_ARCHIVED.
func (s *Service) UpdateMetadata(ctx context.Context, sessionID string, patch MetadataPatch) (*Session, error) {
	entry, err := s.index.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, wire.Errf(wire.CodeNotFound, "session %s not found", sessionID)
	}

	meta, err := s.meta.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if patch.IsArchived != nil && *patch.IsArchived && meta.IsArchived {
		return nil, wire.Errf(wire.CodeAlreadyArchived, "session %s is already archived", sessionID)
	}

	if patch.CustomTitle != nil {
		meta.CustomTitle = *patch.CustomTitle
	}
	if patch.IsStarred != nil {
		meta.IsStarred = *patch.IsStarred
	}
	if patch.IsArchived != nil {
		meta.IsArchived = *patch.IsArchived
	}
	if patch.LastSeenAt != nil {
		t := patch.LastSeenAt.UTC()
		meta.LastSeenAt = &t
	}

	if err := s.meta.Upsert(ctx, meta); err != nil {
		// One retry covers transient write contention on the single-writer
		// pool; a second failure bubbles up.
		if err = s.meta.Upsert(ctx, meta); err != nil {
			s.logger.Error("Metadata write failed",
				zap.String("session_id", sessionID),
				zap.String("code", wire.CodeWriteFailed),
				zap.Error(err))
			return nil, wire.Errf(wire.CodeBadRequest, "metadata write failed: %v", err)
		}
	}
	return merge(entry, meta), nil
}

// MarkSeen stamps the read cursor to now.
func (s *Service) MarkSeen(ctx context.Context, sessionID string) (*Session, error) {
	now := time.Now().UTC()
	return s.UpdateMetadata(ctx, sessionID, MetadataPatch{LastSeenAt: &now})
}

// Reindex recomputes one session's index entry from its transcript. Used by
// the indexer on watcher events and by resume paths that need fresh counts.
func (s *Service) Reindex(ctx context.Context, projectID, sessionID string) (*IndexEntry, error) {
	info, messages, err := s.reader.LoadSession(projectID, sessionID, "")
	if err != nil {
		return nil, err
	}

	entry := &IndexEntry{
		SessionID:    sessionID,
		ProjectID:    projectID,
		CreatedAt:    firstTimestamp(messages, info.ModTime),
		UpdatedAt:    info.ModTime.UTC(),
		MessageCount: len(messages),
		AutoTitle:    deriveAutoTitle(messages),
	}

	existing, err := s.index.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.CreatedAt.IsZero() {
		entry.CreatedAt = existing.CreatedAt
	}

	if err := s.index.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RemoveSession drops a deleted session from both stores.
func (s *Service) RemoveSession(ctx context.Context, sessionID string) error {
	if err := s.index.Delete(ctx, sessionID); err != nil {
		return err
	}
	return s.meta.Delete(ctx, sessionID)
}

func (s *Service) assembleOne(ctx context.Context, projectID, sessionID string, info *transcript.SessionInfo, messages []transcript.Message) (*Session, error) {
	entry, err := s.index.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// First read before the indexer has caught up; derive in place.
		entry = &IndexEntry{
			SessionID:    sessionID,
			ProjectID:    projectID,
			CreatedAt:    firstTimestamp(messages, info.ModTime),
			UpdatedAt:    info.ModTime.UTC(),
			MessageCount: len(messages),
			AutoTitle:    deriveAutoTitle(messages),
		}
	}

	meta, err := s.meta.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return merge(entry, meta), nil
}

func (s *Service) mergeAll(ctx context.Context, entries []*IndexEntry) ([]*Session, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.SessionID)
	}

	metas, err := s.meta.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		meta := metas[e.SessionID]
		if meta == nil {
			meta = &Metadata{SessionID: e.SessionID}
		}
		sessions = append(sessions, merge(e, meta))
	}
	return sessions, nil
}

// merge builds the session view. hasUnread means the transcript moved after
// the user last looked; a never-seen session with messages counts as unread.
func merge(entry *IndexEntry, meta *Metadata) *Session {
	hasUnread := false
	if entry.MessageCount > 0 {
		if meta.LastSeenAt == nil {
			hasUnread = true
		} else {
			hasUnread = entry.UpdatedAt.After(*meta.LastSeenAt)
		}
	}

	return &Session{
		SessionID:    entry.SessionID,
		ProjectID:    entry.ProjectID,
		CreatedAt:    entry.CreatedAt,
		UpdatedAt:    entry.UpdatedAt,
		MessageCount: entry.MessageCount,
		AutoTitle:    entry.AutoTitle,
		CustomTitle:  meta.CustomTitle,
		IsStarred:    meta.IsStarred,
		IsArchived:   meta.IsArchived,
		HasUnread:    hasUnread,
		LastSeenAt:   meta.LastSeenAt,
	}
}

func matchesQuery(sess *Session, query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(sess.AutoTitle), q) ||
		strings.Contains(strings.ToLower(sess.CustomTitle), q)
}

// deriveAutoTitle takes the first line of the first user message.
func deriveAutoTitle(messages []transcript.Message) string {
	for i := range messages {
		if messages[i].Type != "user" || messages[i].IsSubagent {
			continue
		}
		text := strings.TrimSpace(messages[i].ContentText())
		if text == "" {
			continue
		}
		return stringutil.TruncateStringWithEllipsis(stringutil.FirstLine(text), autoTitleMaxLen)
	}
	return ""
}

func firstTimestamp(messages []transcript.Message, fallback time.Time) time.Time {
	if len(messages) > 0 && !messages[0].Timestamp.IsZero() {
		return messages[0].Timestamp.UTC()
	}
	return fallback.UTC()
}
