// Package store defines the BlobStore interface for image byte storage
// and the typed failures shared by all backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is unknown to the store.
var ErrNotFound = errors.New("object not found")

// TransportError marks a transient network or I/O failure. Operations
// failing with a TransportError are eligible for retry with backoff.
type TransportError struct {
	Op      string // operation name ("get", "put", "delete", "list")
	Key     string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport returns true if err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ObjectInfo describes one stored object without its bytes. Key is the
// content hash, so listing is enough to reconcile inventories.
type ObjectInfo struct {
	Key      string    `json:"key"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// BlobStore is the interface for image byte storage backends.
// Metadata (the image record table) is handled separately by the syncer.
type BlobStore interface {
	// Get retrieves the full object bytes for a key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores object bytes under a key.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns info for every stored object.
	List(ctx context.Context) ([]ObjectInfo, error)
}
