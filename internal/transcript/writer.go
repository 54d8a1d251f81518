package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends entries to a transcript file. One entry per line, one
// O_APPEND write per entry so concurrent writers never interleave bytes
// within a line. Real agents write their own transcript; this writer backs
// the mock agent and tests.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewWriter opens (creating if needed) the transcript file at path.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	return &Writer{f: f, path: path}, nil
}

// Path returns the transcript file path.
func (w *Writer) Path() string {
	return w.path
}

// Append validates and writes one entry as a single JSONL line.
func (w *Writer) Append(e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("transcript writer closed")
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file. Append fails afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
