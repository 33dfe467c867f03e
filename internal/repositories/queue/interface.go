// Package queue persists the offline mutation queue: the durable set of
// item ids awaiting a push.
package queue

import "context"

// Repository is the storage surface of the offline queue. The queue holds a
// set, not a multiset: enqueueing an already-queued id is a no-op.
type Repository interface {
	// Enqueue records that an item needs a push. Idempotent.
	Enqueue(ctx context.Context, itemID string) error

	// List returns the currently queued ids in enqueue order.
	List(ctx context.Context) ([]string, error)

	// Remove deletes the given ids from the queue.
	Remove(ctx context.Context, itemIDs []string) error

	// Count returns the number of queued ids without mutating anything.
	Count(ctx context.Context) (int, error)
}
