// Package items persists the local item store: the single source of truth
// for on-device state.
package items

import (
	"context"

	"github.com/dmitrijs2005/keepsync/internal/models"
)

// Repository is row-level CRUD over the items table plus the scans the sync
// engine needs. Every write is one transaction per item; readers never see a
// half-written row.
type Repository interface {
	// CreateOrUpdate upserts the full item row.
	CreateOrUpdate(ctx context.Context, item *models.Item) error

	// GetByID returns one item (tombstones included) or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.Item, error)

	// ScanByStatus lists all items currently in the given status.
	ScanByStatus(ctx context.Context, status models.SyncStatus) ([]*models.Item, error)

	// MarkSyncing flips modified/deleted → syncing for the duration of a
	// network call. Returns common.ErrNotFound if the row is gone.
	MarkSyncing(ctx context.Context, id string) error

	// MarkSynced records a confirmed remote revision. The status becomes
	// clean only if the row is still syncing at the same local revision the
	// push was based on; a racing local edit keeps its modified status.
	MarkSynced(ctx context.Context, id string, baseLocalRev int64, remoteRev string) error

	// SetStatus overwrites the sync status unconditionally.
	SetStatus(ctx context.Context, id string, status models.SyncStatus) error

	// RevertSyncing flips every syncing row back to modified. Called when a
	// cycle is cancelled so no item is left stuck.
	RevertSyncing(ctx context.Context) (int64, error)

	// ListTombstones returns soft-deleted clean items whose deletion is
	// older than the cutoff (candidates for physical purge).
	ListTombstones(ctx context.Context, deletedBefore int64) ([]*models.Item, error)

	// Purge physically removes a row. Only tombstone cleanup calls this.
	Purge(ctx context.Context, id string) error
}
