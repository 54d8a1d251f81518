package main

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

// workspace samples real files from the child's working directory so mock
// tool calls read, grep and edit things that actually exist. Discovery runs
// once, lazily.
type workspace struct {
	root string

	once  sync.Once
	files []sampleFile
}

type sampleFile struct {
	abs string
	rel string
}

// textExtensions marks files worth sampling for mock tool output.
var textExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".css": true, ".html": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".txt": true, ".sh": true, ".sql": true,
	".proto": true, ".xml": true, ".env": true, ".gitignore": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".next": true,
	"dist": true, "build": true, "bin": true, "__pycache__": true,
	".cache": true, "coverage": true,
}

const (
	maxSampleFiles = 200
	maxSampleSize  = 100 * 1024
)

func (w *workspace) all() []sampleFile {
	w.once.Do(func() {
		_ = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if skipDirs[info.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if len(w.files) >= maxSampleFiles {
				return filepath.SkipAll
			}
			ext := strings.ToLower(filepath.Ext(info.Name()))
			if !textExtensions[ext] && !textExtensions[info.Name()] {
				return nil
			}
			if info.Size() > maxSampleSize {
				return nil
			}
			rel, _ := filepath.Rel(w.root, path)
			w.files = append(w.files, sampleFile{abs: path, rel: rel})
			return nil
		})
	})
	return w.files
}

// pick returns a random sampled file, or a placeholder in an empty tree.
func (w *workspace) pick() sampleFile {
	files := w.all()
	if len(files) == 0 {
		return sampleFile{abs: "/workspace/example.txt", rel: "example.txt"}
	}
	return files[rand.Intn(len(files))]
}

// pickExcluding prefers a file outside the exclude set so multi-tool turns
// touch distinct files.
func (w *workspace) pickExcluding(exclude map[string]bool) sampleFile {
	files := w.all()
	if len(files) == 0 {
		return sampleFile{abs: "/workspace/example.txt", rel: "example.txt"}
	}
	for attempt := 0; attempt < 20; attempt++ {
		f := files[rand.Intn(len(files))]
		if !exclude[f.abs] {
			return f
		}
	}
	return files[rand.Intn(len(files))]
}

// paths returns up to n distinct relative paths for fake search results.
func (w *workspace) paths(n int) []string {
	files := w.all()
	if len(files) == 0 {
		return []string{"example.txt"}
	}
	if n > len(files) {
		n = len(files)
	}
	perm := rand.Perm(len(files))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = files[perm[i]].rel
	}
	return out
}

// fileSnippet reads up to maxLines lines from a file for a Read result.
func fileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "// (file not readable)\n"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}

// editFragment picks a line from the file and mutates one word, giving an
// Edit tool call a plausible old_string/new_string pair.
func editFragment(path string) (oldStr, newStr string) {
	f, err := os.Open(path)
	if err != nil {
		return "hello", "hello_mock"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var candidates []string
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 10 && len(trimmed) <= 120 && utf8.ValidString(trimmed) {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return "original", "modified"
	}

	line := candidates[rand.Intn(len(candidates))]
	words := strings.Fields(line)
	var editable []int
	for i, w := range words {
		if len(w) > 2 {
			editable = append(editable, i)
		}
	}
	if len(editable) == 0 {
		return line, line + " // mock-edited"
	}
	idx := editable[rand.Intn(len(editable))]
	next := make([]string, len(words))
	copy(next, words)
	next[idx] = words[idx] + "_mock"
	return line, strings.Join(next, " ")
}
