// Package queue implements the offline queue manager: a durable, ordered,
// deduplicated record of item ids that need a push, independent of the item
// store's own dirty flags. A restart mid-sync loses no pending work.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/keepsync/internal/dbx"
	queuerepo "github.com/dmitrijs2005/keepsync/internal/repositories/queue"
)

// Manager coordinates durable queue access. Drain is atomic with respect to
// concurrent Enqueue calls: ids enqueued after the drain transaction commits
// survive to the next drain.
type Manager struct {
	db   *sql.DB
	repo queuerepo.Repository
}

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db, repo: queuerepo.NewSQLiteRepository(db)}
}

// Enqueue records that an item needs a push. Idempotent. Fails loudly on
// storage errors; the caller must not drop the mutation silently (the item
// row itself is durable, so a lost entry is recoverable by rescanning
// non-clean items).
func (m *Manager) Enqueue(ctx context.Context, itemID string) error {
	if itemID == "" {
		return fmt.Errorf("enqueue: empty item id")
	}
	return m.repo.Enqueue(ctx, itemID)
}

// Drain returns a snapshot of the currently queued ids and removes exactly
// those ids in the same transaction. Entries re-queued while the push phase
// runs are left for the next drain.
func (m *Manager) Drain(ctx context.Context) ([]string, error) {
	var ids []string
	err := dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := queuerepo.NewSQLiteRepository(tx)
		var err error
		ids, err = repo.List(ctx)
		if err != nil {
			return err
		}
		return repo.Remove(ctx, ids)
	})
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	return ids, nil
}

// PendingCount reports the queued id count without mutating anything.
// Used for UI badges; not sync-critical.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.repo.Count(ctx)
}
