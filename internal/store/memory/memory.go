// Package memory provides a map-backed blob store, used by tests and
// as an offline backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/yaleman/memesync/internal/store"
)

type entry struct {
	data     []byte
	modified time.Time
}

// Store is an in-memory store.BlobStore implementation.
type Store struct {
	mu      sync.RWMutex
	objects map[string]entry

	// failNext makes the next N operations fail with a transient
	// TransportError. Used to exercise retry paths.
	failNext int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]entry)}
}

// FailNext makes the next n operations fail transiently.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *Store) injectFault(op, key string) error {
	if s.failNext > 0 {
		s.failNext--
		return &store.TransportError{Op: op, Key: key, Err: context.DeadlineExceeded, Timeout: true}
	}
	return nil
}

// Get returns a copy of the stored bytes.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFault("get", key); err != nil {
		return nil, err
	}

	e, ok := s.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return data, nil
}

// Put stores a copy of data under key.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFault("put", key); err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = entry{data: buf, modified: time.Now()}
	return nil
}

// Delete removes an object. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFault("delete", key); err != nil {
		return err
	}

	delete(s.objects, key)
	return nil
}

// List returns info for all stored objects.
func (s *Store) List(_ context.Context) ([]store.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFault("list", ""); err != nil {
		return nil, err
	}

	infos := make([]store.ObjectInfo, 0, len(s.objects))
	for key, e := range s.objects {
		infos = append(infos, store.ObjectInfo{
			Key:      key,
			Hash:     key,
			Size:     int64(len(e.data)),
			Modified: e.modified,
		})
	}
	return infos, nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
