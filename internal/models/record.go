// Package models contains data types shared across the engine.
package models

import "time"

// SyncState describes where an image currently lives relative to the
// remote bucket.
type SyncState string

const (
	// StateLocal means the image is present on disk and believed to be
	// in sync with (or ahead of) the remote bucket.
	StateLocal SyncState = "local"

	// StateRemoteOnly means the image exists in the bucket but has not
	// been downloaded yet.
	StateRemoteOnly SyncState = "remote_only"

	// StateSyncing means a transfer for the image is in flight.
	StateSyncing SyncState = "syncing"

	// StateConflict means local and remote disagree on content for the
	// same identifier. Never resolved automatically.
	StateConflict SyncState = "conflict"

	// StateDeleted is a tombstone: the local copy was deleted and the
	// deletion still has to propagate to the bucket.
	StateDeleted SyncState = "deleted"
)

// ImageRecord is the metadata row for one image. The record table is
// owned by the syncer; everyone else sees copies.
type ImageRecord struct {
	ID       string    `json:"id"`
	Size     int64     `json:"size"`
	Hash     string    `json:"hash"`
	Modified time.Time `json:"modified"`
	State    SyncState `json:"state"`
}
