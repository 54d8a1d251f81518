// Package session assembles the persisted view of agent sessions: transcript
// summaries from the index store merged with user metadata, plus the service
// operations behind the REST surface.
package session

import "time"

// Session is the persisted view returned by list and load operations. The
// transcript file is the authority for messages; everything here is derived
// or user-set.
type Session struct {
	SessionID    string     `json:"sessionId"`
	ProjectID    string     `json:"projectId"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	MessageCount int        `json:"messageCount"`
	AutoTitle    string     `json:"autoTitle"`
	CustomTitle  string     `json:"customTitle,omitempty"`
	IsStarred    bool       `json:"isStarred"`
	IsArchived   bool       `json:"isArchived"`
	HasUnread    bool       `json:"hasUnread"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
}

// Title returns the custom title when set, else the auto title.
func (s *Session) Title() string {
	if s.CustomTitle != "" {
		return s.CustomTitle
	}
	return s.AutoTitle
}

// Metadata is the user-set state for one session, kept in the MetadataStore.
type Metadata struct {
	SessionID   string     `json:"sessionId" db:"session_id"`
	CustomTitle string     `json:"customTitle" db:"custom_title"`
	IsStarred   bool       `json:"isStarred" db:"is_starred"`
	IsArchived  bool       `json:"isArchived" db:"is_archived"`
	LastSeenAt  *time.Time `json:"lastSeenAt" db:"last_seen_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// MetadataPatch applies partial updates; nil fields are left unchanged.
type MetadataPatch struct {
	CustomTitle *string    `json:"customTitle"`
	IsStarred   *bool      `json:"isStarred"`
	IsArchived  *bool      `json:"isArchived"`
	LastSeenAt  *time.Time `json:"lastSeenAt"`
}

// IndexEntry is the listing summary for one session, kept in the IndexStore
// so list and inbox queries never scan transcripts.
type IndexEntry struct {
	SessionID    string    `json:"sessionId" db:"session_id"`
	ProjectID    string    `json:"projectId" db:"project_id"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
	MessageCount int       `json:"messageCount" db:"message_count"`
	AutoTitle    string    `json:"autoTitle" db:"auto_title"`
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	// ProjectID restricts to one project.
	ProjectID string
	// Query matches case-insensitively against auto and custom titles.
	Query string
	// After is a pagination cursor: only sessions updated strictly before
	// this instant are returned (listing is newest-first).
	After time.Time
	// Limit caps the result count; 0 means no cap.
	Limit int
	// IncludeArchived includes archived sessions.
	IncludeArchived bool
	// Starred restricts to starred sessions.
	Starred bool
}

// Inbox groups sessions by what the user should look at next. A session
// appears in at most one bucket, the most urgent one.
type Inbox struct {
	NeedsAttention []*Session `json:"needsAttention"`
	Active         []*Session `json:"active"`
	RecentActivity []*Session `json:"recentActivity"`
	Unread8h       []*Session `json:"unread8h"`
	Unread24h      []*Session `json:"unread24h"`
}
