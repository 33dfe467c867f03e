// Package syncmeta persists small key/value sync bookkeeping: the pull
// cursor, the last cycle time, and similar markers.
package syncmeta

import "context"

// Well-known keys.
const (
	KeySyncCursor   = "sync_cursor"
	KeyLastSyncTime = "last_sync_time"
	KeyDeviceID     = "device_id"
	KeyKeySalt      = "key_salt"
)

// Repository is a durable string-keyed blob map.
type Repository interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set inserts or replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
