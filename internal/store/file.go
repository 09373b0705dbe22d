package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	// corruptSuffix is appended to a snapshot file that failed to decode.
	corruptSuffix = ".corrupt"
)

// FileStore persists snapshots as YAML.
//
// Save writes a temporary file in the same directory, syncs it and renames
// it over the target, so a crash leaves either the old or the new snapshot.
// Unknown fields are ignored on load, so files written by newer versions
// stay readable.
type FileStore struct {
	path   string
	logger vdc.Logger
	mu     sync.Mutex
}

// NewFileStore creates a FileStore for path. Nothing is touched on disk
// until Load or Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, logger: noopLogger{}}
}

// SetLogger sets the logger used to report recovered corruption.
func (s *FileStore) SetLogger(logger vdc.Logger) {
	s.logger = logger
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

// Check verifies the snapshot path can be written. A missing directory is
// fine because Save creates it.
func (s *FileStore) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if info, err := os.Stat(filepath.Dir(s.path)); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrUnavailable, filepath.Dir(s.path))
	}
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case !info.Mode().IsRegular():
		return fmt.Errorf("%w: %s is not a regular file", ErrUnavailable, s.path)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot and a
// nil error. An undecodable file is renamed to <path>.corrupt and an empty
// snapshot is returned together with ErrCorrupt.
func (s *FileStore) Load(ctx context.Context) (vdc.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return vdc.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return vdc.Snapshot{}, nil
	}
	if err != nil {
		return vdc.Snapshot{}, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return vdc.Snapshot{}, nil
	}

	var snap vdc.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		aside := s.path + corruptSuffix
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.Warn("could not move corrupt snapshot aside", "path", s.path, "error", renameErr)
		} else {
			s.logger.Warn("corrupt snapshot moved aside", "path", s.path, "moved_to", aside)
		}
		return vdc.Snapshot{}, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.path, err)
	}
	return snap, nil
}

// Save atomically replaces the snapshot file.
func (s *FileStore) Save(ctx context.Context, snap vdc.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()        //nolint:errcheck // Cleanup on error path
			os.Remove(tmpName) //nolint:errcheck // Cleanup on error path
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// syncDir makes the rename durable. Not every platform supports syncing a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()  //nolint:errcheck // Unsupported on some platforms
	_ = d.Close() //nolint:errcheck // Read-only handle
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
