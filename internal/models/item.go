// Package models defines the synchronizable item, its sync state machine,
// and the resource cache entry.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/cryptox"
)

// ItemType classifies an item kind. Immutable after creation.
type ItemType string

const (
	ItemTypeNote       ItemType = "note"
	ItemTypeTodo       ItemType = "todo"
	ItemTypeBookmark   ItemType = "bookmark"
	ItemTypeVaultEntry ItemType = "vault_entry"
	ItemTypeFolder     ItemType = "folder"
)

// SyncStatus is the closed five-state enumeration of an item's sync state.
//
//	clean → modified → syncing → {clean | conflict}
//
// conflict leaves only via explicit resolution; deleted is orthogonal and
// set on soft-delete.
type SyncStatus string

const (
	StatusClean    SyncStatus = "clean"
	StatusModified SyncStatus = "modified"
	StatusSyncing  SyncStatus = "syncing"
	StatusDeleted  SyncStatus = "deleted"
	StatusConflict SyncStatus = "conflict"
)

// Validate rejects statuses outside the closed enumeration. The on-disk
// column is free-form text, so every read goes through this check.
func (s SyncStatus) Validate() error {
	switch s {
	case StatusClean, StatusModified, StatusSyncing, StatusDeleted, StatusConflict:
		return nil
	}
	return fmt.Errorf("%w: %q", common.ErrInvalidSyncStatus, string(s))
}

// CurrentSchemaVersion tags payloads for forward-compatible evolution.
const CurrentSchemaVersion = 1

// Item is the unit of synchronization.
//
// Payload is opaque to the sync engine except for ContentHash, a SHA-256
// digest of the plaintext payload. LocalRev only ever increases; RemoteRev
// holds the last revision token confirmed by the remote and is never
// invented locally.
type Item struct {
	ID                string
	Type              ItemType
	CreatedTime       int64
	UpdatedTime       int64
	DeletedTime       int64 // 0 while live; set once on soft-delete
	Payload           []byte
	ContentHash       string
	SyncStatus        SyncStatus
	LocalRev          int64
	RemoteRev         string // empty until first successful sync
	EncryptionApplied bool
	SchemaVersion     int
}

// NewItem constructs a freshly created local item. It has never been
// confirmed remote, so its initial status is modified and its revision
// counter starts at 1.
func NewItem(t ItemType, payload []byte) *Item {
	now := time.Now().UnixMilli()
	return &Item{
		ID:            uuid.NewString(),
		Type:          t,
		CreatedTime:   now,
		UpdatedTime:   now,
		Payload:       payload,
		ContentHash:   cryptox.ContentHash(payload),
		SyncStatus:    StatusModified,
		LocalRev:      1,
		SchemaVersion: CurrentSchemaVersion,
	}
}

// Touch applies a local payload mutation: bumps UpdatedTime and LocalRev,
// refreshes the content hash, and marks the item modified.
func (i *Item) Touch(payload []byte) {
	i.Payload = payload
	i.ContentHash = cryptox.ContentHash(payload)
	i.UpdatedTime = time.Now().UnixMilli()
	i.LocalRev++
	i.SyncStatus = StatusModified
	i.EncryptionApplied = false
}

// SoftDelete turns the item into a tombstone. The tombstone is retained
// until the remote delete is confirmed and the retention window elapses.
func (i *Item) SoftDelete() {
	if i.DeletedTime != 0 {
		return
	}
	now := time.Now().UnixMilli()
	i.DeletedTime = now
	i.UpdatedTime = now
	i.LocalRev++
	i.SyncStatus = StatusDeleted
}

// IsTombstone reports whether the item has been soft-deleted.
func (i *Item) IsTombstone() bool {
	return i.DeletedTime != 0
}

// ResourceCacheEntry maps a remote resource identifier to its cached local
// plaintext copy. LastAccessedAt drives LRU eviction.
type ResourceCacheEntry struct {
	ResourceID     string
	LocalPath      string
	SizeBytes      int64
	DownloadedAt   int64
	LastAccessedAt int64
}
