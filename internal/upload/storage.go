package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Staged is one in-flight upload destination. Bytes land in a staging
// location and only become visible at Commit.
type Staged interface {
	io.Writer
	// Commit finalizes the upload and returns the stored path.
	Commit() (string, error)
	// Abort discards partial data.
	Abort() error
}

// Storage persists upload bytes.
type Storage interface {
	Stage(uploadID, filename string) (Staged, error)
}

// DiskStorage stages uploads as hidden temp files in the target
// directory and renames them into place on commit, so readers never
// observe partial files.
type DiskStorage struct {
	root string
}

func NewDiskStorage(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskStorage{root: root}, nil
}

func (d *DiskStorage) Stage(uploadID, filename string) (Staged, error) {
	final := filepath.Join(d.root, uploadID+"-"+sanitizeFilename(filename))
	f, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return nil, err
	}
	return &diskStaged{file: f, final: final}, nil
}

type diskStaged struct {
	file  *os.File
	final string
}

func (s *diskStaged) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *diskStaged) Commit() (string, error) {
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.file.Name())
		return "", err
	}
	if err := os.Rename(s.file.Name(), s.final); err != nil {
		_ = os.Remove(s.file.Name())
		return "", err
	}
	return s.final, nil
}

func (s *diskStaged) Abort() error {
	_ = s.file.Close()
	if err := os.Remove(s.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitizeFilename strips any path components a client smuggled into the
// declared filename.
func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == "/" || base == "" {
		return "upload"
	}
	return base
}
