// Package resources persists the resource cache table mapping remote
// resource identifiers to cached local blob locations.
package resources

import (
	"context"

	"github.com/dmitrijs2005/keepsync/internal/models"
)

// Repository is row-level CRUD over the resource cache.
type Repository interface {
	// Upsert inserts or replaces a cache entry.
	Upsert(ctx context.Context, entry *models.ResourceCacheEntry) error

	// GetByID returns one entry or common.ErrNotFound.
	GetByID(ctx context.Context, resourceID string) (*models.ResourceCacheEntry, error)

	// TouchAccess bumps last_accessed_at for a cache hit.
	TouchAccess(ctx context.Context, resourceID string, accessedAt int64) error

	// Delete removes an entry row.
	Delete(ctx context.Context, resourceID string) error

	// ListByLastAccess returns all entries, least recently accessed first.
	ListByLastAccess(ctx context.Context) ([]*models.ResourceCacheEntry, error)

	// TotalSize returns the aggregate cached bytes.
	TotalSize(ctx context.Context) (int64, error)
}
