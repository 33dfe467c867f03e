// Package remote defines the narrow contract the sync engine consumes to
// exchange items and resource blobs with the single remote store.
// Implementations live in the webdav and s3 subpackages.
package remote

import (
	"context"
	"time"
)

// Item is the wire representation of a synchronized item. Payload is
// ciphertext when EncryptionApplied is set; ContentHash always digests the
// plaintext so replicas can compare content without sharing keys with the
// server.
type Item struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Payload           []byte `json:"payload"`
	ContentHash       string `json:"content_hash"`
	EncryptionApplied bool   `json:"encryption_applied"`
	Deleted           bool   `json:"deleted"`
	UpdatedTime       int64  `json:"updated_time"`
	SchemaVersion     int    `json:"schema_version"`

	// Rev is the opaque revision token assigned by the remote. Tokens are
	// compared by equality only, never ordered.
	Rev string `json:"-"`
}

// Change is one entry of a pull listing.
type Change struct {
	ID  string
	Rev string
}

// ChangePage is a page of the pull listing.
type ChangePage struct {
	Changes    []Change
	NextCursor string
	HasMore    bool
}

// Meta is the remote meta record: the encryption key identifier and the
// last committed sync time.
type Meta struct {
	KeyIdentifier string `json:"key_identifier,omitempty"`
	LastSyncTime  int64  `json:"last_sync_time,omitempty"`
}

// Adapter performs the physical exchange with the remote store.
//
// Writes are conditional on the remote's current revision matching
// expectedRev (optimistic concurrency); a mismatch yields
// common.ErrRevisionConflict. An empty expectedRev means "create only":
// the write fails with a revision conflict if the id already exists.
//
// Transport timeouts are the adapter's responsibility; the engine treats a
// timeout like any other per-item failure.
type Adapter interface {
	// Upload upserts one item and returns the new revision token.
	Upload(ctx context.Context, item *Item, expectedRev string) (string, error)

	// Delete removes one item. Deleting an id that is already absent
	// succeeds (the desired state holds either way).
	Delete(ctx context.Context, id, expectedRev string) error

	// Get fetches the current remote version of one item.
	Get(ctx context.Context, id string) (*Item, error)

	// ListChangedSince pages through items changed after the opaque cursor.
	// An empty cursor lists everything.
	ListChangedSince(ctx context.Context, cursor string) (*ChangePage, error)

	// DownloadResource fetches an attachment blob (ciphertext).
	DownloadResource(ctx context.Context, resourceID string) ([]byte, error)

	// AcquireLock takes the remote sync lock for this device. A live lock
	// held by another device yields common.ErrRemoteLocked; expired locks
	// are broken.
	AcquireLock(ctx context.Context, deviceID string, ttl time.Duration) error

	// ReleaseLock drops the lock if this device still holds it.
	ReleaseLock(ctx context.Context, deviceID string) error

	// GetMeta reads the remote meta record. A missing record returns an
	// empty Meta, not an error.
	GetMeta(ctx context.Context) (*Meta, error)

	// PutMeta writes the remote meta record.
	PutMeta(ctx context.Context, meta *Meta) error
}
