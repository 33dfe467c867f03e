package resources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/dbx"
	"github.com/dmitrijs2005/keepsync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, e *models.ResourceCacheEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resource_cache (resource_id, local_path, size_bytes, downloaded_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			local_path = excluded.local_path,
			size_bytes = excluded.size_bytes,
			downloaded_at = excluded.downloaded_at,
			last_accessed_at = excluded.last_accessed_at`,
		e.ResourceID, e.LocalPath, e.SizeBytes, e.DownloadedAt, e.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert resource entry: %v", common.ErrStorageFailure, err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, resourceID string) (*models.ResourceCacheEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT resource_id, local_path, size_bytes, downloaded_at, last_accessed_at
		FROM resource_cache WHERE resource_id = ?`, resourceID)

	e := &models.ResourceCacheEntry{}
	err := row.Scan(&e.ResourceID, &e.LocalPath, &e.SizeBytes, &e.DownloadedAt, &e.LastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource entry %s: %w", resourceID, err)
	}
	return e, nil
}

func (r *SQLiteRepository) TouchAccess(ctx context.Context, resourceID string, accessedAt int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE resource_cache SET last_accessed_at = ? WHERE resource_id = ?`,
		accessedAt, resourceID)
	if err != nil {
		return fmt.Errorf("%w: failed to touch resource entry: %v", common.ErrStorageFailure, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, resourceID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM resource_cache WHERE resource_id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete resource entry: %v", common.ErrStorageFailure, err)
	}
	return nil
}

func (r *SQLiteRepository) ListByLastAccess(ctx context.Context) ([]*models.ResourceCacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT resource_id, local_path, size_bytes, downloaded_at, last_accessed_at
		FROM resource_cache ORDER BY last_accessed_at, resource_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list resource entries: %v", common.ErrStorageFailure, err)
	}
	defer rows.Close()

	var result []*models.ResourceCacheEntry
	for rows.Next() {
		e := &models.ResourceCacheEntry{}
		if err := rows.Scan(&e.ResourceID, &e.LocalPath, &e.SizeBytes, &e.DownloadedAt, &e.LastAccessedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM resource_cache`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to sum resource sizes: %v", common.ErrStorageFailure, err)
	}
	return total.Int64, nil
}
