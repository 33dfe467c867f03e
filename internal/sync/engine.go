// Package sync implements the synchronization engine: four-phase cycles
// (push, conflict detection, pull, tombstone cleanup) reconciling the local
// item store with the remote store, plus the scheduler that drives them.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/cryptox"
	"github.com/dmitrijs2005/keepsync/internal/logging"
	"github.com/dmitrijs2005/keepsync/internal/models"
	"github.com/dmitrijs2005/keepsync/internal/queue"
	"github.com/dmitrijs2005/keepsync/internal/remote"
	itemsrepo "github.com/dmitrijs2005/keepsync/internal/repositories/items"
	syncmetarepo "github.com/dmitrijs2005/keepsync/internal/repositories/syncmeta"
)

// Resolution picks the surviving side of a conflicted item.
type Resolution string

const (
	KeepLocal  Resolution = "local"
	KeepRemote Resolution = "remote"
)

// Options tunes engine behavior.
type Options struct {
	// DeviceID identifies this replica in the remote sync lock.
	DeviceID string

	// LockTTL bounds how long a crashed replica can block others.
	LockTTL time.Duration

	// TombstoneRetention is how long confirmed-deleted tombstones are kept
	// before physical purge.
	TombstoneRetention time.Duration
}

func (o *Options) withDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.TombstoneRetention <= 0 {
		o.TombstoneRetention = 7 * 24 * time.Hour
	}
}

// Engine runs sync cycles. Cycles are fully serialized: a trigger arriving
// while a cycle is in flight is coalesced into one re-run after the current
// cycle instead of a concurrent cycle.
type Engine struct {
	items  itemsrepo.Repository
	meta   syncmetarepo.Repository
	queue  *queue.Manager
	remote remote.Adapter
	crypto *cryptox.Engine
	log    logging.Logger
	opts   Options

	mu         stdsync.Mutex
	running    bool
	rerun      bool
	lastReport *CycleReport
}

func NewEngine(items itemsrepo.Repository, meta syncmetarepo.Repository, q *queue.Manager,
	adapter remote.Adapter, crypto *cryptox.Engine, opts Options, log logging.Logger) *Engine {
	opts.withDefaults()
	return &Engine{
		items:  items,
		meta:   meta,
		queue:  q,
		remote: adapter,
		crypto: crypto,
		log:    log.With("component", "sync"),
		opts:   opts,
	}
}

// PendingCount reports how many items wait in the offline queue.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// LastReport returns the report of the most recently finished cycle, or nil.
func (e *Engine) LastReport() *CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// RunCycle runs one sync cycle to convergence. If a cycle is already in
// flight the call returns (nil, nil) and the running cycle re-runs once more
// after it finishes.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return nil, nil
	}
	e.running = true
	e.mu.Unlock()

	for {
		report, err := e.runOnce(ctx)

		e.mu.Lock()
		if report != nil {
			e.lastReport = report
		}
		if e.rerun && err == nil && ctx.Err() == nil {
			e.rerun = false
			e.mu.Unlock()
			continue
		}
		e.running = false
		e.rerun = false
		e.mu.Unlock()
		return report, err
	}
}

func (e *Engine) runOnce(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{StartedAt: time.Now()}
	defer func() { report.FinishedAt = time.Now() }()

	if err := e.verifyKeyIdentifier(ctx); err != nil {
		return report, err
	}

	if err := e.remote.AcquireLock(ctx, e.opts.DeviceID, e.opts.LockTTL); err != nil {
		return report, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		if err := e.remote.ReleaseLock(context.WithoutCancel(ctx), e.opts.DeviceID); err != nil {
			e.log.Warn(ctx, "release sync lock failed", "error", err)
		}
	}()

	if err := e.pushPhase(ctx, report); err != nil {
		e.cancelCleanup(ctx)
		return report, err
	}
	if err := e.pullPhase(ctx, report); err != nil {
		e.cancelCleanup(ctx)
		return report, err
	}
	if err := e.cleanupPhase(ctx, report); err != nil {
		return report, err
	}
	if err := e.commitMeta(ctx); err != nil {
		return report, err
	}

	e.log.Info(ctx, "sync cycle finished",
		"pushed", report.Pushed, "pulled", report.Pulled,
		"conflicted", report.Conflicted, "failed", report.Failed,
		"purged", report.Purged)
	return report, nil
}

// cancelCleanup reverts items stuck in syncing after a cancelled or aborted
// cycle so they are retried instead of lost.
func (e *Engine) cancelCleanup(ctx context.Context) {
	reverted, err := e.items.RevertSyncing(context.WithoutCancel(ctx))
	if err != nil {
		e.log.Error(ctx, "revert syncing items failed", "error", err)
		return
	}
	if reverted > 0 {
		e.log.Info(ctx, "reverted in-flight items after aborted cycle", "count", reverted)
	}
}

// verifyKeyIdentifier refuses to push ciphertext another replica cannot
// read: the local key identifier must match the remote meta record (an empty
// remote record is claimed at commit time instead).
func (e *Engine) verifyKeyIdentifier(ctx context.Context) error {
	if !e.crypto.HasMasterKey() {
		return nil
	}
	kid, err := e.crypto.KeyIdentifier()
	if err != nil {
		return err
	}
	meta, err := e.remote.GetMeta(ctx)
	if err != nil {
		return fmt.Errorf("get remote meta: %w", err)
	}
	if meta.KeyIdentifier != "" && meta.KeyIdentifier != kid {
		return fmt.Errorf("remote encrypted with a different master key: %w", common.ErrKeyMismatch)
	}
	return nil
}

func (e *Engine) commitMeta(ctx context.Context) error {
	now := time.Now().UnixMilli()

	meta := &remote.Meta{LastSyncTime: now}
	if e.crypto.HasMasterKey() {
		kid, err := e.crypto.KeyIdentifier()
		if err != nil {
			return err
		}
		meta.KeyIdentifier = kid
	}
	if err := e.remote.PutMeta(ctx, meta); err != nil {
		return fmt.Errorf("put remote meta: %w", err)
	}
	if err := e.meta.Set(ctx, syncmetarepo.KeyLastSyncTime, []byte(strconv.FormatInt(now, 10))); err != nil {
		return err
	}
	return nil
}

// pushPhase uploads local work: queued ids plus a reconciling scan of
// modified and tombstoned items. Per-item failures are isolated; storage
// failures and cancellation abort the phase.
func (e *Engine) pushPhase(ctx context.Context, report *CycleReport) error {
	ids, err := e.queue.Drain(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, status := range []models.SyncStatus{models.StatusModified, models.StatusDeleted} {
		scanned, err := e.items.ScanByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, it := range scanned {
			if !seen[it.ID] {
				seen[it.ID] = true
				ids = append(ids, it.ID)
			}
		}
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.pushItem(ctx, id, report); err != nil {
			return err
		}
	}
	return nil
}

// pushItem pushes one item. The returned error is non-nil only for failures
// that must abort the cycle (storage failure); everything else is folded
// into the report.
func (e *Engine) pushItem(ctx context.Context, id string, report *CycleReport) error {
	it, err := e.items.GetByID(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil // purged since it was queued
	}
	if err != nil {
		return err
	}

	switch it.SyncStatus {
	case models.StatusModified, models.StatusDeleted:
	default:
		// clean needs no push; conflict stays parked until resolved.
		return nil
	}

	if err := e.items.MarkSyncing(ctx, id); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}

	if it.IsTombstone() {
		return e.pushDelete(ctx, it, report)
	}
	return e.pushUpload(ctx, it, report)
}

func (e *Engine) pushDelete(ctx context.Context, it *models.Item, report *CycleReport) error {
	err := e.remote.Delete(ctx, it.ID, it.RemoteRev)
	switch {
	case err == nil:
		report.Pushed++
		return e.items.MarkSynced(ctx, it.ID, it.LocalRev, it.RemoteRev)

	case errors.Is(err, common.ErrRevisionConflict):
		rit, gerr := e.remote.Get(ctx, it.ID)
		if gerr == nil && rit.Deleted {
			// Both sides deleted it; adopt the remote's tombstone revision.
			report.Pushed++
			return e.items.MarkSynced(ctx, it.ID, it.LocalRev, rit.Rev)
		}
		report.Conflicted++
		e.log.Warn(ctx, "delete conflicts with a newer remote edit", "item_id", it.ID)
		return e.items.SetStatus(ctx, it.ID, models.StatusConflict)

	case errors.Is(err, common.ErrStorageFailure), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err

	default:
		report.fail(it.ID, err)
		if serr := e.items.SetStatus(ctx, it.ID, models.StatusDeleted); serr != nil {
			return serr
		}
		return e.queue.Enqueue(ctx, it.ID)
	}
}

func (e *Engine) pushUpload(ctx context.Context, it *models.Item, report *CycleReport) error {
	wire, err := e.toWire(it)
	if err != nil {
		report.fail(it.ID, err)
		return e.items.SetStatus(ctx, it.ID, models.StatusModified)
	}

	newRev, err := e.remote.Upload(ctx, wire, it.RemoteRev)
	switch {
	case err == nil:
		report.Pushed++
		return e.items.MarkSynced(ctx, it.ID, it.LocalRev, newRev)

	case errors.Is(err, common.ErrRevisionConflict):
		return e.detectConflict(ctx, it, report)

	case errors.Is(err, common.ErrStorageFailure), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err

	default:
		report.fail(it.ID, err)
		if serr := e.items.SetStatus(ctx, it.ID, models.StatusModified); serr != nil {
			return serr
		}
		return e.queue.Enqueue(ctx, it.ID)
	}
}

// detectConflict classifies a rejected push: identical plaintext on both
// sides is a benign race and collapses cleanly; different content parks the
// item as conflict for explicit resolution.
func (e *Engine) detectConflict(ctx context.Context, it *models.Item, report *CycleReport) error {
	rit, err := e.remote.Get(ctx, it.ID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		report.fail(it.ID, err)
		if serr := e.items.SetStatus(ctx, it.ID, models.StatusModified); serr != nil {
			return serr
		}
		return e.queue.Enqueue(ctx, it.ID)
	}

	if err == nil && rit.ContentHash == it.ContentHash {
		report.Pushed++
		e.log.Debug(ctx, "benign race collapsed by content hash", "item_id", it.ID)
		return e.items.MarkSynced(ctx, it.ID, it.LocalRev, rit.Rev)
	}

	report.Conflicted++
	e.log.Warn(ctx, "push rejected, item conflicted", "item_id", it.ID)
	return e.items.SetStatus(ctx, it.ID, models.StatusConflict)
}

// toWire builds the wire form of a live item, encrypting the payload when a
// master key is loaded and the stored payload is still plaintext.
func (e *Engine) toWire(it *models.Item) (*remote.Item, error) {
	payload := it.Payload
	encrypted := it.EncryptionApplied
	if !encrypted && e.crypto.HasMasterKey() {
		ciphertext, err := e.crypto.Encrypt(it.Payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		payload = ciphertext
		encrypted = true
	}
	return &remote.Item{
		ID:                it.ID,
		Type:              string(it.Type),
		Payload:           payload,
		ContentHash:       it.ContentHash,
		EncryptionApplied: encrypted,
		UpdatedTime:       it.UpdatedTime,
		SchemaVersion:     it.SchemaVersion,
	}, nil
}

// pullPhase applies remote changes newer than the persisted cursor. Items
// with unconfirmed local state are deferred, never overwritten.
func (e *Engine) pullPhase(ctx context.Context, report *CycleReport) error {
	cursorBytes, err := e.meta.Get(ctx, syncmetarepo.KeySyncCursor)
	if err != nil {
		return err
	}
	cursor := string(cursorBytes)

	for {
		page, err := e.remote.ListChangedSince(ctx, cursor)
		if err != nil {
			// Transient listing failure; the cursor stays put and the next
			// cycle resumes from the same point.
			report.fail("", err)
			return nil
		}

		for _, change := range page.Changes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.pullItem(ctx, change, report); err != nil {
				return err
			}
		}

		cursor = page.NextCursor
		if err := e.meta.Set(ctx, syncmetarepo.KeySyncCursor, []byte(cursor)); err != nil {
			return err
		}
		if !page.HasMore {
			return nil
		}
	}
}

func (e *Engine) pullItem(ctx context.Context, change remote.Change, report *CycleReport) error {
	local, err := e.items.GetByID(ctx, change.ID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}

	if local != nil {
		if local.RemoteRev == change.Rev {
			return nil // our own push echoed back
		}
		if local.SyncStatus != models.StatusClean {
			// Unconfirmed local state; the next push phase reconciles it.
			return nil
		}
	}

	rit, err := e.remote.Get(ctx, change.ID)
	if errors.Is(err, common.ErrNotFound) {
		return nil // listed then deleted; the deletion shows up next cycle
	}
	if err != nil {
		report.fail(change.ID, err)
		return nil
	}

	if rit.Deleted {
		if local == nil {
			return nil
		}
		now := time.Now().UnixMilli()
		local.DeletedTime = now
		local.UpdatedTime = now
		local.SyncStatus = models.StatusClean
		local.RemoteRev = rit.Rev
		if err := e.items.CreateOrUpdate(ctx, local); err != nil {
			return err
		}
		report.Pulled++
		return nil
	}

	payload := rit.Payload
	encrypted := rit.EncryptionApplied
	if encrypted && e.crypto.HasMasterKey() {
		plaintext, derr := e.crypto.Decrypt(rit.Payload)
		if derr != nil {
			report.fail(change.ID, derr)
			if local != nil {
				if serr := e.items.SetStatus(ctx, change.ID, models.StatusConflict); serr != nil {
					return serr
				}
				report.Conflicted++
			}
			return nil
		}
		payload = plaintext
		encrypted = false
	}

	item := &models.Item{
		ID:                rit.ID,
		Type:              models.ItemType(rit.Type),
		Payload:           payload,
		ContentHash:       rit.ContentHash,
		EncryptionApplied: encrypted,
		UpdatedTime:       rit.UpdatedTime,
		SchemaVersion:     rit.SchemaVersion,
		SyncStatus:        models.StatusClean,
		RemoteRev:         rit.Rev,
		LocalRev:          1,
		CreatedTime:       rit.UpdatedTime,
	}
	if local != nil {
		item.LocalRev = local.LocalRev
		item.CreatedTime = local.CreatedTime
	}

	if err := e.items.CreateOrUpdate(ctx, item); err != nil {
		return err
	}
	report.Pulled++
	return nil
}

// cleanupPhase purges tombstones whose remote deletion is confirmed (clean)
// and older than the retention window.
func (e *Engine) cleanupPhase(ctx context.Context, report *CycleReport) error {
	cutoff := time.Now().Add(-e.opts.TombstoneRetention).UnixMilli()
	tombstones, err := e.items.ListTombstones(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, it := range tombstones {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.items.Purge(ctx, it.ID); err != nil {
			return err
		}
		report.Purged++
	}
	return nil
}

// ListConflicts enumerates items parked in the conflict state.
func (e *Engine) ListConflicts(ctx context.Context) ([]*models.Item, error) {
	return e.items.ScanByStatus(ctx, models.StatusConflict)
}

// Resolve settles a conflicted item by keeping one side. Keeping local
// adopts the current remote revision as the base and re-enters the item as a
// fresh modified push; keeping remote overwrites local state with the
// current remote version. Neither path discards the other side silently:
// resolution is always an explicit caller decision.
func (e *Engine) Resolve(ctx context.Context, id string, keep Resolution) error {
	it, err := e.items.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if it.SyncStatus != models.StatusConflict {
		return fmt.Errorf("item %s is not conflicted: %w", id, common.ErrInvalidSyncStatus)
	}

	switch keep {
	case KeepLocal:
		rit, err := e.remote.Get(ctx, id)
		switch {
		case errors.Is(err, common.ErrNotFound):
			it.RemoteRev = "" // remote side gone; next push recreates it
		case err != nil:
			return err
		default:
			it.RemoteRev = rit.Rev
		}
		it.LocalRev++
		it.UpdatedTime = time.Now().UnixMilli()
		it.SyncStatus = models.StatusModified
		if it.IsTombstone() {
			it.SyncStatus = models.StatusDeleted
		}
		if err := e.items.CreateOrUpdate(ctx, it); err != nil {
			return err
		}
		return e.queue.Enqueue(ctx, id)

	case KeepRemote:
		rit, err := e.remote.Get(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			// Remote deleted it; accept the deletion locally.
			now := time.Now().UnixMilli()
			it.DeletedTime = now
			it.UpdatedTime = now
			it.SyncStatus = models.StatusClean
			return e.items.CreateOrUpdate(ctx, it)
		}
		if err != nil {
			return err
		}
		report := &CycleReport{}
		if err := e.items.SetStatus(ctx, id, models.StatusClean); err != nil {
			return err
		}
		return e.pullItem(ctx, remote.Change{ID: id, Rev: rit.Rev}, report)

	default:
		return fmt.Errorf("unknown resolution %q", keep)
	}
}
