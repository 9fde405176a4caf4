// Package disk provides the content-addressed local store. Blobs live in
// one directory, named by their content hash, next to a records.json
// sidecar holding the image record table.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yaleman/memesync/internal/models"
	"github.com/yaleman/memesync/internal/store"
)

const recordsFile = "records.json"

// Store implements store.BlobStore on a local directory with atomic
// writes (temp file then rename).
type Store struct {
	dir string

	mu sync.Mutex // serializes sidecar writes
}

// New creates a disk store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory path.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) blobPath(key string) string {
	return filepath.Join(s.dir, key)
}

// Get reads the blob for a key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, &store.TransportError{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Put writes blob bytes atomically: temp file in the same directory,
// then rename, so a crash mid-write never leaves a partial blob visible
// under its final name.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	return s.writeAtomic(s.blobPath(key), data)
}

// Delete removes the blob for a key. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.blobPath(key))
	if err != nil && !os.IsNotExist(err) {
		return &store.TransportError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// List returns info for every blob in the directory. The sidecar and
// leftover temp files are skipped. Hash is recomputed from the file
// contents, not assumed from the name, so a blob mutated on disk is
// detectable against its content-addressed key.
func (s *Store) List(_ context.Context) ([]store.ObjectInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &store.TransportError{Op: "list", Err: err}
	}

	infos := make([]store.ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == recordsFile || strings.HasSuffix(name, ".tmp") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		hash, err := s.hashFile(name)
		if err != nil {
			continue
		}
		infos = append(infos, store.ObjectInfo{
			Key:      name,
			Hash:     hash,
			Size:     fi.Size(),
			Modified: fi.ModTime(),
		})
	}
	return infos, nil
}

func (s *Store) hashFile(key string) (string, error) {
	f, err := os.Open(s.blobPath(key))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadRecords reads the record table from the sidecar. A missing
// sidecar yields an empty table.
func (s *Store) LoadRecords() (map[string]models.ImageRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, recordsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]models.ImageRecord), nil
		}
		return nil, fmt.Errorf("read records: %w", err)
	}

	var records map[string]models.ImageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	if records == nil {
		records = make(map[string]models.ImageRecord)
	}
	return records, nil
}

// SaveRecords persists the record table to the sidecar atomically.
func (s *Store) SaveRecords(records map[string]models.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	return s.writeAtomic(filepath.Join(s.dir, recordsFile), data)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".memesync-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}
