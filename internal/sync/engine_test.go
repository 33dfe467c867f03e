package sync

import (
	"context"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/cryptox"
	"github.com/dmitrijs2005/keepsync/internal/logging"
	"github.com/dmitrijs2005/keepsync/internal/models"
	"github.com/dmitrijs2005/keepsync/internal/queue"
	"github.com/dmitrijs2005/keepsync/internal/remote"
	"github.com/dmitrijs2005/keepsync/internal/storage"
)

// storedItem is one item held by the fake remote, tagged with its revision
// token and a monotonic change sequence driving ListChangedSince.
type storedItem struct {
	item remote.Item
	rev  string
	seq  int64
}

type fakeLock struct {
	deviceID  string
	expiresAt time.Time
}

// fakeRemote is an in-memory remote store with real conditional-write
// semantics: opaque revision tokens, create-only writes, a sync lock, and a
// sequence-based change feed.
type fakeRemote struct {
	mu       stdsync.Mutex
	items    map[string]*storedItem
	seq      int64
	lock     *fakeLock
	meta     remote.Meta
	metaPuts int

	uploadHook func(id string) error // runs before each upload when set
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{items: make(map[string]*storedItem)}
}

func (f *fakeRemote) nextRev() string {
	f.seq++
	return fmt.Sprintf("rev-%d", f.seq)
}

func (f *fakeRemote) Upload(ctx context.Context, item *remote.Item, expectedRev string) (string, error) {
	if f.uploadHook != nil {
		if err := f.uploadHook(item.ID); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existing := f.items[item.ID]
	if expectedRev == "" && existing != nil {
		return "", common.ErrRevisionConflict
	}
	if expectedRev != "" && (existing == nil || existing.rev != expectedRev) {
		return "", common.ErrRevisionConflict
	}

	rev := f.nextRev()
	copied := *item
	f.items[item.ID] = &storedItem{item: copied, rev: rev, seq: f.seq}
	return rev, nil
}

func (f *fakeRemote) Delete(ctx context.Context, id, expectedRev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing := f.items[id]
	if existing == nil {
		return nil
	}
	if expectedRev != "" && existing.rev != expectedRev {
		return common.ErrRevisionConflict
	}
	delete(f.items, id)
	return nil
}

func (f *fakeRemote) Get(ctx context.Context, id string) (*remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing := f.items[id]
	if existing == nil {
		return nil, common.ErrNotFound
	}
	copied := existing.item
	copied.Rev = existing.rev
	return &copied, nil
}

func (f *fakeRemote) ListChangedSince(ctx context.Context, cursor string) (*remote.ChangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var since int64
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &since)
	}

	page := &remote.ChangePage{NextCursor: cursor}
	maxSeen := since
	for id, stored := range f.items {
		if stored.seq <= since {
			continue
		}
		if stored.seq > maxSeen {
			maxSeen = stored.seq
		}
		page.Changes = append(page.Changes, remote.Change{ID: id, Rev: stored.rev})
	}
	if maxSeen > since {
		page.NextCursor = fmt.Sprintf("%d", maxSeen)
	}
	return page, nil
}

func (f *fakeRemote) DownloadResource(ctx context.Context, resourceID string) ([]byte, error) {
	return nil, common.ErrNotFound
}

func (f *fakeRemote) AcquireLock(ctx context.Context, deviceID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lock != nil && f.lock.deviceID != deviceID && time.Now().Before(f.lock.expiresAt) {
		return common.ErrRemoteLocked
	}
	f.lock = &fakeLock{deviceID: deviceID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (f *fakeRemote) ReleaseLock(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lock != nil && f.lock.deviceID == deviceID {
		f.lock = nil
	}
	return nil
}

func (f *fakeRemote) GetMeta(ctx context.Context) (*remote.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := f.meta
	return &copied, nil
}

func (f *fakeRemote) PutMeta(ctx context.Context, meta *remote.Meta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta = *meta
	f.metaPuts++
	return nil
}

// replica bundles one device: its own database, queue, crypto engine, and
// sync engine, all sharing the fake remote.
type replica struct {
	repos  *storage.Repositories
	queue  *queue.Manager
	crypto *cryptox.Engine
	engine *Engine
}

func newReplica(t *testing.T, fake *fakeRemote, deviceID string) *replica {
	t.Helper()

	repos, err := storage.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	crypto := cryptox.NewEngine()
	require.NoError(t, crypto.SetMasterKey(make([]byte, cryptox.KeyLength)))

	q := queue.NewManager(repos.DB)
	engine := NewEngine(repos.Items, repos.SyncMeta, q, fake, crypto, Options{
		DeviceID: deviceID,
		LockTTL:  time.Minute,
	}, &logging.NopLogger{})

	return &replica{repos: repos, queue: q, crypto: crypto, engine: engine}
}

// create writes a new local item and queues it for push.
func (r *replica) create(t *testing.T, payload []byte) *models.Item {
	t.Helper()
	it := models.NewItem(models.ItemTypeNote, payload)
	require.NoError(t, r.repos.Items.CreateOrUpdate(context.Background(), it))
	require.NoError(t, r.queue.Enqueue(context.Background(), it.ID))
	return it
}

// edit applies a local payload mutation and queues it.
func (r *replica) edit(t *testing.T, id string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	it, err := r.repos.Items.GetByID(ctx, id)
	require.NoError(t, err)
	it.Touch(payload)
	require.NoError(t, r.repos.Items.CreateOrUpdate(ctx, it))
	require.NoError(t, r.queue.Enqueue(ctx, id))
}

func (r *replica) mustGet(t *testing.T, id string) *models.Item {
	t.Helper()
	it, err := r.repos.Items.GetByID(context.Background(), id)
	require.NoError(t, err)
	return it
}

func (r *replica) runCycle(t *testing.T) *CycleReport {
	t.Helper()
	report, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func TestRunCycle_PushPullRoundTrip(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	b := newReplica(t, fake, "device-b")

	it := a.create(t, []byte("hello from a"))
	report := a.runCycle(t)
	assert.Equal(t, 1, report.Pushed)
	assert.Zero(t, report.Conflicted)
	assert.Zero(t, report.Failed)

	// The wire carries ciphertext, never the plaintext payload.
	fake.mu.Lock()
	stored := fake.items[it.ID]
	fake.mu.Unlock()
	require.NotNil(t, stored)
	assert.True(t, stored.item.EncryptionApplied)
	assert.NotEqual(t, []byte("hello from a"), stored.item.Payload)

	report = b.runCycle(t)
	assert.Equal(t, 1, report.Pulled)

	got := b.mustGet(t, it.ID)
	assert.Equal(t, []byte("hello from a"), got.Payload, "pulled payload is decrypted")
	assert.Equal(t, models.StatusClean, got.SyncStatus)
	assert.Equal(t, a.mustGet(t, it.ID).RemoteRev, got.RemoteRev)
}

func TestRunCycle_Idempotent(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")

	a.create(t, []byte("x"))
	a.runCycle(t)

	report := a.runCycle(t)
	assert.Zero(t, report.Pushed, "no spurious pushes")
	assert.Zero(t, report.Pulled, "no spurious pulls")
	assert.Zero(t, report.Conflicted)
	assert.Zero(t, report.Failed)
}

func TestRunCycle_TwoReplicaConvergence(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	b := newReplica(t, fake, "device-b")

	itA := a.create(t, []byte("written on a"))
	itB := b.create(t, []byte("written on b"))

	a.runCycle(t)
	b.runCycle(t) // pushes b's item, pulls a's
	a.runCycle(t) // pulls b's item

	for _, id := range []string{itA.ID, itB.ID} {
		onA := a.mustGet(t, id)
		onB := b.mustGet(t, id)
		assert.Equal(t, onA.Payload, onB.Payload, "payload converges for %s", id)
		assert.Equal(t, onA.RemoteRev, onB.RemoteRev, "revision converges for %s", id)
		assert.Equal(t, models.StatusClean, onA.SyncStatus)
		assert.Equal(t, models.StatusClean, onB.SyncStatus)
	}
}

func TestRunCycle_ConflictHasExactlyOneWinner(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	b := newReplica(t, fake, "device-b")

	it := a.create(t, []byte("base"))
	a.runCycle(t)
	b.runCycle(t)

	// Both edit the same item from the same confirmed revision.
	a.edit(t, it.ID, []byte("edit from a"))
	b.edit(t, it.ID, []byte("edit from b"))

	reportA := a.runCycle(t)
	assert.Equal(t, 1, reportA.Pushed)

	reportB := b.runCycle(t)
	assert.Equal(t, 1, reportB.Conflicted, "the losing push conflicts")
	assert.Zero(t, reportB.Pushed)

	onB := b.mustGet(t, it.ID)
	assert.Equal(t, models.StatusConflict, onB.SyncStatus)
	assert.Equal(t, []byte("edit from b"), onB.Payload, "conflicted item keeps its own payload")

	// The conflicted item is parked: another cycle must not touch it.
	reportB = b.runCycle(t)
	assert.Zero(t, reportB.Conflicted)
	assert.Equal(t, models.StatusConflict, b.mustGet(t, it.ID).SyncStatus)
}

func TestRunCycle_BenignRaceCollapsesByContentHash(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	b := newReplica(t, fake, "device-b")

	it := a.create(t, []byte("base"))
	a.runCycle(t)
	b.runCycle(t)

	// Identical content on both sides; ciphertext differs (fresh nonces) but
	// the plaintext hash matches.
	a.edit(t, it.ID, []byte("same content"))
	b.edit(t, it.ID, []byte("same content"))

	a.runCycle(t)
	reportB := b.runCycle(t)
	assert.Zero(t, reportB.Conflicted, "identical content is not a conflict")

	onA := a.mustGet(t, it.ID)
	onB := b.mustGet(t, it.ID)
	assert.Equal(t, models.StatusClean, onA.SyncStatus)
	assert.Equal(t, models.StatusClean, onB.SyncStatus)
	assert.Equal(t, onA.RemoteRev, onB.RemoteRev, "both adopt the same winning revision")
}

func TestRunCycle_SoftDeleteThenCleanup(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	a.engine.opts.TombstoneRetention = time.Millisecond
	ctx := context.Background()

	it := a.create(t, []byte("doomed"))
	a.runCycle(t)

	got := a.mustGet(t, it.ID)
	got.SoftDelete()
	require.NoError(t, a.repos.Items.CreateOrUpdate(ctx, got))
	require.NoError(t, a.queue.Enqueue(ctx, it.ID))

	report := a.runCycle(t)
	assert.Equal(t, 1, report.Pushed)

	fake.mu.Lock()
	_, stillThere := fake.items[it.ID]
	fake.mu.Unlock()
	assert.False(t, stillThere, "remote copy is deleted")

	// Past the retention window the tombstone is physically purged.
	time.Sleep(5 * time.Millisecond)
	a.runCycle(t)

	_, err := a.repos.Items.GetByID(ctx, it.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
	for _, status := range []models.SyncStatus{
		models.StatusClean, models.StatusModified, models.StatusSyncing,
		models.StatusDeleted, models.StatusConflict,
	} {
		scanned, err := a.repos.Items.ScanByStatus(ctx, status)
		require.NoError(t, err)
		assert.Empty(t, scanned, "purged item absent from %s scan", status)
	}
}

func TestRunCycle_NetworkErrorIsolatedAndRetried(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")

	bad := a.create(t, []byte("flaky"))
	good := a.create(t, []byte("fine"))

	fake.uploadHook = func(id string) error {
		if id == bad.ID {
			return common.ErrNetworkUnavailable
		}
		return nil
	}

	report := a.runCycle(t)
	assert.Equal(t, 1, report.Pushed, "other items still push")
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], common.ErrNetworkUnavailable)

	assert.Equal(t, models.StatusModified, a.mustGet(t, bad.ID).SyncStatus, "failed item reverts to modified")
	assert.Equal(t, models.StatusClean, a.mustGet(t, good.ID).SyncStatus)

	n, err := a.engine.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed item is re-queued")

	fake.uploadHook = nil
	report = a.runCycle(t)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, models.StatusClean, a.mustGet(t, bad.ID).SyncStatus)
}

func TestRunCycle_KeyMismatchAbortsCycle(t *testing.T) {
	fake := newFakeRemote()
	fake.meta.KeyIdentifier = "someone-elses-key"
	a := newReplica(t, fake, "device-a")

	a.create(t, []byte("x"))
	_, err := a.engine.RunCycle(context.Background())
	require.ErrorIs(t, err, common.ErrKeyMismatch)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.items, "nothing is uploaded under a mismatched key")
}

func TestRunCycle_RemoteLockedAbortsCycle(t *testing.T) {
	fake := newFakeRemote()
	fake.lock = &fakeLock{deviceID: "device-z", expiresAt: time.Now().Add(time.Hour)}
	a := newReplica(t, fake, "device-a")

	_, err := a.engine.RunCycle(context.Background())
	require.ErrorIs(t, err, common.ErrRemoteLocked)
}

func TestRunCycle_CancellationLeavesNoItemStuck(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	ctx, cancel := context.WithCancel(context.Background())

	first := a.create(t, []byte("1"))
	second := a.create(t, []byte("2"))

	// Cancel mid-cycle, during the first network call.
	fake.uploadHook = func(id string) error {
		cancel()
		return ctx.Err()
	}

	_, err := a.engine.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)

	for _, id := range []string{first.ID, second.ID} {
		status := a.mustGet(t, id).SyncStatus
		assert.NotEqual(t, models.StatusSyncing, status, "item %s must not be left syncing", id)
		assert.Equal(t, models.StatusModified, status)
	}

	// The interrupted work is retried on the next cycle.
	fake.uploadHook = nil
	report := a.runCycle(t)
	assert.Equal(t, 2, report.Pushed)
}

func TestRunCycle_CoalescedRetrigger(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")

	gate := make(chan struct{})
	var once stdsync.Once
	fake.uploadHook = func(id string) error {
		once.Do(func() { <-gate })
		return nil
	}
	a.create(t, []byte("x"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := a.engine.RunCycle(context.Background())
		assert.NoError(t, err)
	}()

	// Wait until the first cycle is blocked inside the upload, then trigger
	// again: the trigger must coalesce, not run concurrently.
	time.Sleep(50 * time.Millisecond)
	report, err := a.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report, "overlapping trigger coalesces")

	close(gate)
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.metaPuts, "the coalesced trigger runs exactly one extra cycle")
}

func TestResolve_KeepLocalWinsNextCycle(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	b := newReplica(t, fake, "device-b")

	it := a.create(t, []byte("base"))
	a.runCycle(t)
	b.runCycle(t)

	a.edit(t, it.ID, []byte("edit from a"))
	b.edit(t, it.ID, []byte("edit from b"))
	a.runCycle(t)
	b.runCycle(t) // b conflicts

	conflicts, err := b.engine.ListConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, it.ID, conflicts[0].ID)

	require.NoError(t, b.engine.Resolve(context.Background(), it.ID, KeepLocal))
	report := b.runCycle(t)
	assert.Equal(t, 1, report.Pushed)

	a.runCycle(t)
	assert.Equal(t, []byte("edit from b"), a.mustGet(t, it.ID).Payload, "resolved content propagates")
	assert.Equal(t, []byte("edit from b"), b.mustGet(t, it.ID).Payload)
	assert.Equal(t, models.StatusClean, b.mustGet(t, it.ID).SyncStatus)
}

func TestResolve_KeepRemoteAdoptsRemoteVersion(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")
	b := newReplica(t, fake, "device-b")

	it := a.create(t, []byte("base"))
	a.runCycle(t)
	b.runCycle(t)

	a.edit(t, it.ID, []byte("edit from a"))
	b.edit(t, it.ID, []byte("edit from b"))
	a.runCycle(t)
	b.runCycle(t) // b conflicts

	require.NoError(t, b.engine.Resolve(context.Background(), it.ID, KeepRemote))

	onB := b.mustGet(t, it.ID)
	assert.Equal(t, []byte("edit from a"), onB.Payload)
	assert.Equal(t, models.StatusClean, onB.SyncStatus)
	assert.Equal(t, a.mustGet(t, it.ID).RemoteRev, onB.RemoteRev)
}

func TestResolve_RejectsNonConflictedItem(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")

	it := a.create(t, []byte("x"))
	err := a.engine.Resolve(context.Background(), it.ID, KeepLocal)
	require.ErrorIs(t, err, common.ErrInvalidSyncStatus)

	err = a.engine.Resolve(context.Background(), "missing", KeepLocal)
	require.ErrorIs(t, err, common.ErrNotFound)
}
