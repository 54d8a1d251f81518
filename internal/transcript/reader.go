package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// SubagentDirName is the sidecar directory (named for the parent session)
// that holds per-subagent transcript files.
const SubagentDirName = "subagents"

// SessionInfo describes the transcript file behind a load.
type SessionInfo struct {
	SessionID    string
	Path         string
	ModTime      time.Time
	Size         int64
	MessageCount int
	SkippedLines int
}

// Reader loads transcript files under a session root. It keeps the last
// good parse per file so a read failure (partial write race, file locked)
// degrades to slightly stale data instead of an error.
type Reader struct {
	root     string
	dagOrder bool
	logger   *logger.Logger

	mu       sync.Mutex
	lastGood map[string]*parseResult
}

type parseResult struct {
	info     SessionInfo
	messages []Message
}

// NewReader creates a Reader rooted at sessionRoot. dagOrder enables
// parent-chain topological ordering for providers that link messages
// into a DAG.
func NewReader(sessionRoot string, dagOrder bool, log *logger.Logger) *Reader {
	return &Reader{
		root:     sessionRoot,
		dagOrder: dagOrder,
		logger:   log.WithFields(zap.String("component", "transcript-reader")),
		lastGood: make(map[string]*parseResult),
	}
}

// SessionPath returns the transcript file path for a session.
func (r *Reader) SessionPath(projectID, sessionID string) string {
	return filepath.Join(r.root, projectID, sessionID+".jsonl")
}

// LoadSession reads the main transcript for sessionID under projectID.
// afterMessageID trims the result to the messages after that id; an
// unknown id returns the full list and the caller dedupes.
func (r *Reader) LoadSession(projectID, sessionID, afterMessageID string) (*SessionInfo, []Message, error) {
	if !validPathComponent(projectID) || !validPathComponent(sessionID) {
		return nil, nil, wire.Errf(wire.CodeNotFound, "session %s not found", sessionID)
	}
	path := r.SessionPath(projectID, sessionID)
	res, err := r.loadFile(path, sessionID, false)
	if err != nil {
		return nil, nil, err
	}
	info := res.info
	return &info, afterMessage(res.messages, afterMessageID), nil
}

// LoadAgentSession reads a subagent transcript from the session's sidecar
// directory. Every returned message is marked as subagent output.
func (r *Reader) LoadAgentSession(projectID, sessionID, agentID, afterMessageID string) (*SessionInfo, []Message, error) {
	if !validPathComponent(projectID) || !validPathComponent(sessionID) || !validPathComponent(agentID) {
		return nil, nil, wire.Errf(wire.CodeNotFound, "agent session %s not found", agentID)
	}
	path := filepath.Join(r.root, projectID, sessionID, SubagentDirName, agentID+".jsonl")
	res, err := r.loadFile(path, agentID, true)
	if err != nil {
		return nil, nil, err
	}
	info := res.info
	return &info, afterMessage(res.messages, afterMessageID), nil
}

// ListAgentMappings pairs each subagent transcript with the Task tool_use
// id recorded in its first entry. Entries without the link still appear so
// callers can list every subagent file.
func (r *Reader) ListAgentMappings(projectID, sessionID string) ([]AgentMapping, error) {
	if !validPathComponent(projectID) || !validPathComponent(sessionID) {
		return nil, wire.Errf(wire.CodeNotFound, "session %s not found", sessionID)
	}
	dir := filepath.Join(r.root, projectID, sessionID, SubagentDirName)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var mappings []AgentMapping
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		agentID := strings.TrimSuffix(de.Name(), ".jsonl")
		first, ok := r.firstEntry(filepath.Join(dir, de.Name()))
		toolUseID := ""
		if ok {
			toolUseID = first.ParentToolUseID
		}
		mappings = append(mappings, AgentMapping{ToolUseID: toolUseID, AgentID: agentID})
	}
	return mappings, nil
}

// loadFile parses a transcript file, falling back to the last good parse
// on read failure.
func (r *Reader) loadFile(path, sessionID string, subagent bool) (*parseResult, error) {
	res, err := r.parseFile(path, sessionID, subagent)
	if err != nil {
		r.mu.Lock()
		cached, ok := r.lastGood[path]
		r.mu.Unlock()
		if ok {
			r.logger.Error("Transcript read failed, serving last good parse",
				zap.String("path", path),
				zap.String("code", wire.CodeReadFailed),
				zap.Error(err))
			return cached, nil
		}
		if os.IsNotExist(err) {
			return nil, wire.Errf(wire.CodeNotFound, "session %s not found", sessionID)
		}
		return nil, err
	}

	r.mu.Lock()
	r.lastGood[path] = res
	r.mu.Unlock()
	return res, nil
}

func (r *Reader) parseFile(path, sessionID string, subagent bool) (*parseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var (
		entries []Entry
		skipped int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Includes a truncated final line from a partial write;
			// the next load sees the completed line.
			skipped++
			continue
		}
		if err := e.Validate(); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if skipped > 0 {
		r.logger.Debug("Skipped transcript lines",
			zap.String("path", path),
			zap.Int("skipped", skipped))
	}

	order := orderEntries(entries, r.dagOrder)
	messages := make([]Message, 0, len(order))
	for _, idx := range order {
		m := entries[idx].ToMessage()
		if subagent {
			m.IsSubagent = true
		}
		messages = append(messages, m)
	}

	return &parseResult{
		info: SessionInfo{
			SessionID:    sessionID,
			Path:         path,
			ModTime:      stat.ModTime(),
			Size:         stat.Size(),
			MessageCount: len(messages),
			SkippedLines: skipped,
		},
		messages: messages,
	}, nil
}

// firstEntry returns the first parseable entry of a transcript file.
func (r *Reader) firstEntry(path string) (*Entry, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if err := e.Validate(); err != nil {
			continue
		}
		return &e, true
	}
	return nil, false
}

// orderEntries returns entry indices in delivery order: file order, then a
// stable topological pass over the parentUuid chain when dag is set.
// Orphans (parent never seen) keep file order at the tail. The walk works
// on an arena of indices so identical input bytes always produce the same
// order.
func orderEntries(entries []Entry, dag bool) []int {
	n := len(entries)
	order := make([]int, 0, n)

	if !dag {
		for i := 0; i < n; i++ {
			order = append(order, i)
		}
		return order
	}

	indexByID := make(map[string]int, n)
	for i := 0; i < n; i++ {
		if _, dup := indexByID[entries[i].UUID]; !dup {
			indexByID[entries[i].UUID] = i
		}
	}

	children := make(map[int][]int, n)
	var roots, orphans []int
	for i := 0; i < n; i++ {
		parent := entries[i].ParentUUID
		if parent == "" {
			roots = append(roots, i)
			continue
		}
		pi, ok := indexByID[parent]
		if !ok || pi == i {
			orphans = append(orphans, i)
			continue
		}
		children[pi] = append(children[pi], i)
	}

	visited := make([]bool, n)
	stack := make([]int, 0, n)
	visit := func(start int) {
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[i] {
				continue
			}
			visited[i] = true
			order = append(order, i)
			kids := children[i]
			for k := len(kids) - 1; k >= 0; k-- {
				stack = append(stack, kids[k])
			}
		}
	}

	for _, root := range roots {
		visit(root)
	}
	for _, orphan := range orphans {
		visit(orphan)
	}
	// Cycles in malformed input: whatever is left keeps file order.
	for i := 0; i < n; i++ {
		if !visited[i] {
			visit(i)
		}
	}

	return order
}

// afterMessage trims messages to those after the given id. Unknown id
// returns the full slice.
func afterMessage(messages []Message, afterID string) []Message {
	if afterID == "" {
		return messages
	}
	for i, m := range messages {
		if m.ID == afterID {
			return messages[i+1:]
		}
	}
	return messages
}

// validPathComponent rejects ids that could escape the session root.
func validPathComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}
