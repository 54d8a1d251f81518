// Package watcher turns filesystem activity under the session root into bus
// events. The indexer, supervisor and activity subscriptions all consume
// these instead of polling the transcript tree.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

const defaultCoalesce = 50 * time.Millisecond

// Options configure what a Watcher observes.
type Options struct {
	// SessionRoot is watched recursively, including directories created
	// while the watcher runs.
	SessionRoot string

	// SettingsPath and CredentialsPath are watched through their parent
	// directories so atomic rename-into-place rewrites are still seen.
	SettingsPath    string
	CredentialsPath string

	// Coalesce merges events for the same path inside this window into a
	// single published event. Zero means the 50ms default.
	Coalesce time.Duration
}

// Watcher publishes classified file change events to the bus.
type Watcher struct {
	opts   Options
	bus    bus.EventBus
	logger *logger.Logger

	fsw *fsnotify.Watcher
	wg  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingChange
	stopped bool
}

// pendingChange is one coalescing window. The timer is anchored at the first
// event so a steady write stream still publishes once per window.
type pendingChange struct {
	timer *time.Timer
	op    string
}

// New creates a Watcher. Call Start to begin observing.
func New(opts Options, eventBus bus.EventBus, log *logger.Logger) *Watcher {
	if opts.Coalesce <= 0 {
		opts.Coalesce = defaultCoalesce
	}
	return &Watcher{
		opts:    opts,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "watcher")),
		pending: make(map[string]*pendingChange),
	}
}

// Start attaches the filesystem watches and begins publishing. The session
// root is created if it does not exist yet.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.opts.SessionRoot, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addDirectoryRecursive(w.opts.SessionRoot, false); err != nil {
		_ = fsw.Close()
		return err
	}
	for _, p := range []string{w.opts.SettingsPath, w.opts.CredentialsPath} {
		if p == "" {
			continue
		}
		if dir := filepath.Dir(p); dir != "" {
			if err := fsw.Add(dir); err != nil {
				w.logger.Warn("Cannot watch config directory",
					zap.String("dir", dir), zap.Error(err))
			}
		}
	}

	w.wg.Add(1)
	go w.loop()

	w.logger.Info("Watcher started",
		zap.String("session_root", w.opts.SessionRoot),
		zap.Duration("coalesce", w.opts.Coalesce))
	return nil
}

// Stop detaches the watches and drops any pending coalescing windows.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.stopped = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Filesystem watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Permission changes never alter transcript content.
	if event.Op == fsnotify.Chmod {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// Files may land inside the new directory before the watch
			// attaches, so the recursive add synthesizes their creates.
			if err := w.addDirectoryRecursive(event.Name, true); err != nil {
				w.logger.Debug("Cannot watch new directory",
					zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.schedule(event.Name, events.FileOpDelete)
	case event.Has(fsnotify.Create):
		w.schedule(event.Name, events.FileOpCreate)
	case event.Has(fsnotify.Write):
		w.schedule(event.Name, events.FileOpModify)
	}
}

// addDirectoryRecursive watches dir and every directory below it. With
// announceFiles set, files already present are scheduled as creates.
func (w *Watcher) addDirectoryRecursive(dir string, announceFiles bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.logger.Debug("Cannot watch directory",
					zap.String("dir", path), zap.Error(err))
			}
			return nil
		}
		if announceFiles {
			w.schedule(path, events.FileOpCreate)
		}
		return nil
	})
}

// schedule folds an operation into the path's coalescing window, opening one
// when none is active.
func (w *Watcher) schedule(path, op string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.op = mergeOps(p.op, op)
		return
	}
	p := &pendingChange{op: op}
	p.timer = time.AfterFunc(w.opts.Coalesce, func() { w.flush(path) })
	w.pending[path] = p
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.publish(path, p.op)
}

// mergeOps resolves the op for a window that saw more than one event.
func mergeOps(first, next string) string {
	switch {
	case next == events.FileOpDelete:
		return events.FileOpDelete
	case first == events.FileOpCreate:
		return events.FileOpCreate
	default:
		// Covers write bursts and delete-then-recreate replacements.
		return events.FileOpModify
	}
}

func (w *Watcher) publish(path, op string) {
	kind, projectID, sessionID := w.classify(path)
	subject := events.BuildFileChangedSubject(kind)

	data := map[string]any{
		events.DataKeyPath: path,
		events.DataKeyOp:   op,
	}
	if projectID != "" {
		data[events.DataKeyProjectID] = projectID
	}
	if sessionID != "" {
		data[events.DataKeySessionID] = sessionID
	}

	event := bus.NewEvent(subject, "watcher", data)
	if err := w.bus.Publish(context.Background(), subject, event); err != nil {
		w.logger.Error("Failed to publish file event",
			zap.String("path", path),
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	w.logger.Debug("File change",
		zap.String("path", path),
		zap.String("op", op),
		zap.String("kind", kind))
}

// classify maps a path to its file kind. Agent-session files report the
// parent session's id since that is the session whose activity they signal.
func (w *Watcher) classify(path string) (kind, projectID, sessionID string) {
	switch path {
	case w.opts.SettingsPath:
		return events.FileKindSettings, "", ""
	case w.opts.CredentialsPath:
		return events.FileKindCredentials, "", ""
	}

	rel, err := filepath.Rel(w.opts.SessionRoot, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return events.FileKindOther, "", ""
	}

	parts := strings.Split(rel, string(filepath.Separator))
	switch {
	case len(parts) == 2 && strings.HasSuffix(parts[1], ".jsonl"):
		return events.FileKindSession, parts[0], strings.TrimSuffix(parts[1], ".jsonl")
	case len(parts) == 4 && parts[2] == transcript.SubagentDirName && strings.HasSuffix(parts[3], ".jsonl"):
		return events.FileKindAgentSession, parts[0], parts[1]
	}
	return events.FileKindOther, "", ""
}
