package proxyrotator

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the fleet in a plain-text record file, one proxy per line.
type FileStore struct {
	path            string
	includeDisabled bool
	now             func() time.Time
}

// NewFileStore creates a FileStore for path. Inactive records are dropped from
// the file on persist unless includeDisabled is set.
func NewFileStore(path string, includeDisabled bool) *FileStore {
	return &FileStore{
		path:            path,
		includeDisabled: includeDisabled,
		now:             time.Now,
	}
}

// Path returns the record file location.
func (fs *FileStore) Path() string {
	return fs.path
}

// Load reads the record file. A missing file is a configuration error.
func (fs *FileStore) Load() (*Fleet, error) {
	var file, err = os.Open(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: proxy record file %s not found", ErrConfig, fs.path)
		}
		return nil, fmt.Errorf("failed to open proxy record file: %w", err)
	}
	defer file.Close()

	fleet, err := LoadFleet(file, fs.now)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", fs.path, err)
	}
	return fleet, nil
}

// Persist atomically replaces the record file with the fleet's records.
func (fs *FileStore) Persist(fleet *Fleet) error {
	var buf bytes.Buffer
	if err := fleet.Persist(&buf, fs.includeDisabled); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	if err := writeFileAtomic(fs.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// writeFileAtomic writes data next to path and renames it into place so a
// crash never leaves a truncated file behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	var tmp, err = os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	var tmpName = tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// MemoryStore keeps the persisted fleet in memory. Dry runs use it so they
// never touch the real record file.
type MemoryStore struct {
	mu              sync.Mutex
	data            []byte
	includeDisabled bool
	now             func() time.Time
}

// NewMemoryStore seeds a MemoryStore with a copy of fleet (which may be nil).
func NewMemoryStore(fleet *Fleet) (*MemoryStore, error) {
	var ms = &MemoryStore{now: time.Now}
	if fleet == nil {
		return ms, nil
	}
	if err := ms.Persist(fleet); err != nil {
		return nil, err
	}
	return ms, nil
}

// Load parses the last persisted records.
func (ms *MemoryStore) Load() (*Fleet, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return LoadFleet(bytes.NewReader(ms.data), ms.now)
}

// Persist stores the fleet's records.
func (ms *MemoryStore) Persist(fleet *Fleet) error {
	var buf bytes.Buffer
	if err := fleet.Persist(&buf, ms.includeDisabled); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.data = buf.Bytes()
	return nil
}

// Bytes returns the last persisted records verbatim.
func (ms *MemoryStore) Bytes() []byte {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]byte(nil), ms.data...)
}
