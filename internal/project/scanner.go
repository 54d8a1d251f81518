// Package project enumerates the per-project transcript directories under
// the session root and resolves project ids to working-tree paths.
package project

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Project is a working tree the agent CLI has (or will) run in. The id is
// the absolute path with every separator replaced by "-", the same encoding
// the agent CLI uses for its per-project transcript directories.
type Project struct {
	ID             string `json:"id"`
	AbsolutePath   string `json:"absolutePath"`
	Name           string `json:"name"`
	SessionDirPath string `json:"sessionDirPath"`
}

// EncodeID converts an absolute path into its project id.
func EncodeID(absPath string) string {
	return strings.ReplaceAll(absPath, string(filepath.Separator), "-")
}

// Scanner caches path ↔ id both ways over the session root. Projects are
// immutable once discovered.
type Scanner struct {
	sessionRoot string
	logger      *logger.Logger

	mu     sync.RWMutex
	byID   map[string]*Project
	byPath map[string]string
}

// NewScanner creates a Scanner over sessionRoot.
func NewScanner(sessionRoot string, log *logger.Logger) *Scanner {
	return &Scanner{
		sessionRoot: sessionRoot,
		logger:      log.WithFields(zap.String("component", "project-scanner")),
		byID:        make(map[string]*Project),
		byPath:      make(map[string]string),
	}
}

// Scan discovers project directories under the session root. Already-known
// projects are left untouched.
func (s *Scanner) Scan() error {
	dirEntries, err := os.ReadDir(s.sessionRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan session root %s: %w", s.sessionRoot, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		id := de.Name()
		if _, known := s.byID[id]; known {
			continue
		}

		sessionDir := filepath.Join(s.sessionRoot, id)
		absPath := s.readProjectPath(sessionDir)
		if absPath == "" {
			// Best-effort decode. Directory names containing "-" are
			// ambiguous, which is why the transcript cwd wins when present.
			absPath = strings.ReplaceAll(id, "-", string(filepath.Separator))
		}

		p := &Project{
			ID:             id,
			AbsolutePath:   absPath,
			Name:           filepath.Base(absPath),
			SessionDirPath: sessionDir,
		}
		s.byID[id] = p
		s.byPath[absPath] = id
		s.logger.Debug("Discovered project",
			zap.String("project_id", id),
			zap.String("path", absPath))
	}

	return nil
}

// ListProjects rescans and returns every known project, sorted by name.
func (s *Scanner) ListProjects() ([]*Project, error) {
	if err := s.Scan(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := make([]*Project, 0, len(s.byID))
	for _, p := range s.byID {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Name != projects[j].Name {
			return projects[i].Name < projects[j].Name
		}
		return projects[i].ID < projects[j].ID
	})
	return projects, nil
}

// GetProject resolves a project id, rescanning once on a cache miss.
func (s *Scanner) GetProject(id string) (*Project, error) {
	s.mu.RLock()
	p, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	if err := s.Scan(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	p, ok = s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, wire.Errf(wire.CodeNotFound, "project %s not found", id)
	}
	return p, nil
}

// GetProjectByPath resolves a normalized absolute path to its project.
func (s *Scanner) GetProjectByPath(absPath string) (*Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[absPath]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// AddProject registers a working tree by path expression. The path may use
// "~" and trailing slashes; the directory must exist. Idempotent per path.
func (s *Scanner) AddProject(pathExpr string) (*Project, error) {
	absPath, err := NormalizePath(pathExpr)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return nil, wire.Errf(wire.CodeInvalidPath, "%s is not a directory", absPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPath[absPath]; ok {
		return s.byID[id], nil
	}

	id := EncodeID(absPath)
	sessionDir := filepath.Join(s.sessionRoot, id)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", sessionDir, err)
	}

	p := &Project{
		ID:             id,
		AbsolutePath:   absPath,
		Name:           filepath.Base(absPath),
		SessionDirPath: sessionDir,
	}
	s.byID[id] = p
	s.byPath[absPath] = id

	s.logger.Info("Added project",
		zap.String("project_id", id),
		zap.String("path", absPath))
	return p, nil
}

// NormalizePath expands "~", resolves to an absolute path and strips
// trailing slashes.
func NormalizePath(pathExpr string) (string, error) {
	path := strings.TrimSpace(pathExpr)
	if path == "" {
		return "", wire.Errf(wire.CodeInvalidPath, "empty path")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", wire.Errf(wire.CodeInvalidPath, "cannot resolve %s", pathExpr)
	}
	return filepath.Clean(abs), nil
}

// readProjectPath recovers the working-tree path from the cwd field agent
// CLIs record on transcript entries. Newest session files are tried first.
func (s *Scanner) readProjectPath(sessionDir string) string {
	dirEntries, err := os.ReadDir(sessionDir)
	if err != nil {
		return ""
	}

	type candidate struct {
		path  string
		mtime int64
	}
	var files []candidate
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{
			path:  filepath.Join(sessionDir, de.Name()),
			mtime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime > files[j].mtime })

	for _, f := range files {
		if cwd := readCwd(f.path); cwd != "" {
			return cwd
		}
	}
	return ""
}

// readCwd scans the head of one transcript file for a cwd field.
func readCwd(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	const maxLines = 100
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for i := 0; scanner.Scan() && i < maxLines; i++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e transcript.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		raw, ok := e.Extra["cwd"]
		if !ok {
			continue
		}
		var cwd string
		if err := json.Unmarshal(raw, &cwd); err == nil && cwd != "" {
			return cwd
		}
	}
	return ""
}
