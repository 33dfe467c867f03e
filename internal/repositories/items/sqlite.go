package items

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

const itemColumns = `id, type, created_time, updated_time, deleted_time, payload,
	content_hash, sync_status, local_rev, remote_rev, encryption_applied, schema_version`

func scanItem(row interface{ Scan(...any) error }) (*models.Item, error) {
	it := &models.Item{}
	var encrypted int
	err := row.Scan(&it.ID, &it.Type, &it.CreatedTime, &it.UpdatedTime, &it.DeletedTime,
		&it.Payload, &it.ContentHash, &it.SyncStatus, &it.LocalRev, &it.RemoteRev,
		&encrypted, &it.SchemaVersion)
	if err != nil {
		return nil, err
	}
	it.EncryptionApplied = encrypted != 0
	if err := it.SyncStatus.Validate(); err != nil {
		return nil, fmt.Errorf("item %s: %w", it.ID, err)
	}
	return it, nil
}

func (r *SQLiteRepository) CreateOrUpdate(ctx context.Context, item *models.Item) error {
	if err := item.SyncStatus.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_time = excluded.updated_time,
			deleted_time = excluded.deleted_time,
			payload = excluded.payload,
			content_hash = excluded.content_hash,
			sync_status = excluded.sync_status,
			local_rev = excluded.local_rev,
			remote_rev = excluded.remote_rev,
			encryption_applied = excluded.encryption_applied,
			schema_version = excluded.schema_version`
	encrypted := 0
	if item.EncryptionApplied {
		encrypted = 1
	}
	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.Type, item.CreatedTime, item.UpdatedTime, item.DeletedTime,
		item.Payload, item.ContentHash, item.SyncStatus, item.LocalRev, item.RemoteRev,
		encrypted, item.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert item: %v", common.ErrStorageFailure, err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Item, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return it, nil
}

func (r *SQLiteRepository) ScanByStatus(ctx context.Context, status models.SyncStatus) ([]*models.Item, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE sync_status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan items by status: %v", common.ErrStorageFailure, err)
	}
	defer rows.Close()

	var result []*models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) MarkSyncing(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET sync_status = ? WHERE id = ? AND sync_status IN (?, ?)`,
		models.StatusSyncing, id, models.StatusModified, models.StatusDeleted)
	if err != nil {
		return fmt.Errorf("%w: failed to mark item syncing: %v", common.ErrStorageFailure, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, id string, baseLocalRev int64, remoteRev string) error {
	// The remote revision is always recorded; the status only becomes clean
	// when no local edit raced with the network call.
	query := `UPDATE items SET
			remote_rev = ?,
			sync_status = CASE
				WHEN sync_status = ? AND local_rev = ? THEN ?
				ELSE sync_status
			END
		WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		remoteRev, models.StatusSyncing, baseLocalRev, models.StatusClean, id)
	if err != nil {
		return fmt.Errorf("%w: failed to mark item synced: %v", common.ErrStorageFailure, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status models.SyncStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE items SET sync_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("%w: failed to set item status: %v", common.ErrStorageFailure, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) RevertSyncing(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET sync_status = CASE WHEN deleted_time > 0 THEN ? ELSE ? END WHERE sync_status = ?`,
		models.StatusDeleted, models.StatusModified, models.StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to revert syncing items: %v", common.ErrStorageFailure, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) ListTombstones(ctx context.Context, deletedBefore int64) ([]*models.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE deleted_time > 0 AND deleted_time < ? AND sync_status = ?`,
		deletedBefore, models.StatusClean)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list tombstones: %v", common.ErrStorageFailure, err)
	}
	defer rows.Close()

	var result []*models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) Purge(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to purge item: %v", common.ErrStorageFailure, err)
	}
	return nil
}
