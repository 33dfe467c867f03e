package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Enqueue(ctx context.Context, itemID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_queue (item_id, enqueued_at) VALUES (?, ?)
		 ON CONFLICT(item_id) DO NOTHING`,
		itemID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: failed to enqueue item %s: %v", common.ErrStorageFailure, itemID, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT item_id FROM sync_queue ORDER BY enqueued_at, item_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list queue: %v", common.ErrStorageFailure, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *SQLiteRepository) Remove(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(itemIDs)), ",")
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE item_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("%w: failed to remove queue entries: %v", common.ErrStorageFailure, err)
	}
	return nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count queue: %v", common.ErrStorageFailure, err)
	}
	return n, nil
}
