// Package upload receives chunked file uploads from relay connections,
// staging bytes to storage and handing back file references that
// messages can attach.
package upload

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// FileRef identifies a completed upload.
type FileRef struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
}

type upload struct {
	id        string
	connID    string
	projectID string
	sessionID string
	filename  string
	mimeType  string
	declared  int64
	createdAt time.Time

	mu       sync.Mutex
	received int64
	staged   Staged
	closed   bool
}

// Manager tracks in-flight uploads. Upload ids are single-use: once an
// id has been started it can never be started again, even after the
// upload completes or is cancelled.
type Manager struct {
	storage Storage
	logger  *logger.Logger
	maxSize int64 // 0 = unlimited

	mu     sync.Mutex
	active map[string]*upload
	used   map[string]struct{}
}

func NewManager(storage Storage, maxSize int64, log *logger.Logger) *Manager {
	return &Manager{
		storage: storage,
		logger:  log.WithFields(zap.String("component", "upload")),
		maxSize: maxSize,
		active:  make(map[string]*upload),
		used:    make(map[string]struct{}),
	}
}

// Start registers a new upload and stages its destination.
func (m *Manager) Start(connID, uploadID, projectID, sessionID, filename string, size int64, mimeType string) error {
	if uploadID == "" {
		return wire.Errf(wire.CodeBadRequest, "uploadId is required")
	}
	if size < 0 {
		return wire.Errf(wire.CodeBadRequest, "negative upload size %d", size)
	}
	if m.maxSize > 0 && size > m.maxSize {
		return wire.Errf(wire.CodeBadRequest, "declared size %d exceeds limit %d", size, m.maxSize)
	}

	m.mu.Lock()
	if _, dup := m.used[uploadID]; dup {
		m.mu.Unlock()
		return wire.Errf(wire.CodeAlreadyInUse, "upload id %s already used", uploadID)
	}
	m.used[uploadID] = struct{}{}
	m.mu.Unlock()

	staged, err := m.storage.Stage(uploadID, filename)
	if err != nil {
		return wire.Errf(wire.CodeWriteFailed, "stage upload: %v", err)
	}

	u := &upload{
		id:        uploadID,
		connID:    connID,
		projectID: projectID,
		sessionID: sessionID,
		filename:  filename,
		mimeType:  mimeType,
		declared:  size,
		createdAt: time.Now(),
		staged:    staged,
	}
	m.mu.Lock()
	m.active[uploadID] = u
	m.mu.Unlock()

	m.logger.Debug("upload started",
		zap.String("upload_id", uploadID),
		zap.String("filename", filename),
		zap.Int64("size", size))
	return nil
}

// WriteChunk appends data at offset, which must equal the bytes received
// so far. Returns the new received total.
func (m *Manager) WriteChunk(uploadID string, offset int64, data []byte) (int64, error) {
	u, err := m.get(uploadID)
	if err != nil {
		return 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return u.received, wire.Errf(wire.CodeNotFound, "upload %s is closed", uploadID)
	}
	if offset != u.received {
		return u.received, wire.Errf(wire.CodeInvalidOffset,
			"chunk offset %d does not match received bytes %d", offset, u.received)
	}
	total := u.received + int64(len(data))
	if total > u.declared {
		return u.received, wire.Errf(wire.CodeBadRequest,
			"upload would reach %d bytes, %d declared", total, u.declared)
	}
	if _, err := u.staged.Write(data); err != nil {
		return u.received, wire.Errf(wire.CodeWriteFailed, "write chunk: %v", err)
	}
	u.received = total
	return u.received, nil
}

// Complete verifies the byte count and commits the staged file. A size
// mismatch is unrecoverable: the partial is discarded and the id stays
// burned.
func (m *Manager) Complete(uploadID string) (*FileRef, error) {
	u, err := m.take(uploadID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	if u.received != u.declared {
		_ = u.staged.Abort()
		return nil, wire.Errf(wire.CodeBadRequest,
			"received %d bytes, %d declared", u.received, u.declared)
	}
	path, err := u.staged.Commit()
	if err != nil {
		return nil, wire.Errf(wire.CodeWriteFailed, "finalize upload: %v", err)
	}
	m.logger.Info("upload complete",
		zap.String("upload_id", uploadID),
		zap.String("path", path),
		zap.Int64("size", u.received))
	return &FileRef{
		Path:     path,
		Name:     sanitizeFilename(u.filename),
		MimeType: u.mimeType,
		Size:     u.received,
	}, nil
}

// Cancel discards an in-flight upload and its partial data.
func (m *Manager) Cancel(uploadID string) error {
	u, err := m.take(uploadID)
	if err != nil {
		return err
	}
	m.discard(u)
	return nil
}

// CancelAllForConnection discards every upload a dropped connection left
// behind.
func (m *Manager) CancelAllForConnection(connID string) {
	m.mu.Lock()
	var doomed []*upload
	for id, u := range m.active {
		if u.connID == connID {
			doomed = append(doomed, u)
			delete(m.active, id)
		}
	}
	m.mu.Unlock()
	for _, u := range doomed {
		m.discard(u)
	}
}

func (m *Manager) get(uploadID string) (*upload, error) {
	m.mu.Lock()
	u, ok := m.active[uploadID]
	m.mu.Unlock()
	if !ok {
		return nil, wire.Errf(wire.CodeNotFound, "unknown upload %s", uploadID)
	}
	return u, nil
}

// take removes the upload from the active table; the caller owns its
// teardown.
func (m *Manager) take(uploadID string) (*upload, error) {
	m.mu.Lock()
	u, ok := m.active[uploadID]
	if ok {
		delete(m.active, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, wire.Errf(wire.CodeNotFound, "unknown upload %s", uploadID)
	}
	return u, nil
}

func (m *Manager) discard(u *upload) {
	u.mu.Lock()
	u.closed = true
	err := u.staged.Abort()
	u.mu.Unlock()
	if err != nil {
		m.logger.Warn("discard upload partial",
			zap.String("upload_id", u.id), zap.Error(err))
	} else {
		m.logger.Debug("upload cancelled", zap.String("upload_id", u.id))
	}
}
