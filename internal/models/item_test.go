package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/keepsync/internal/common"
)

func TestSyncStatus_Validate(t *testing.T) {
	tests := []struct {
		status  SyncStatus
		wantErr bool
	}{
		{StatusClean, false},
		{StatusModified, false},
		{StatusSyncing, false},
		{StatusDeleted, false},
		{StatusConflict, false},
		{SyncStatus(""), true},
		{SyncStatus("dirty"), true},
		{SyncStatus("CLEAN"), true},
	}

	for _, tc := range tests {
		err := tc.status.Validate()
		if tc.wantErr {
			require.ErrorIs(t, err, common.ErrInvalidSyncStatus, "status %q", tc.status)
		} else {
			require.NoError(t, err, "status %q", tc.status)
		}
	}
}

func TestNewItem_InitialState(t *testing.T) {
	it := NewItem(ItemTypeNote, []byte("hello"))

	require.NotEmpty(t, it.ID)
	assert.Equal(t, ItemTypeNote, it.Type)
	assert.Equal(t, StatusModified, it.SyncStatus)
	assert.EqualValues(t, 1, it.LocalRev)
	assert.Empty(t, it.RemoteRev)
	assert.NotEmpty(t, it.ContentHash)
	assert.False(t, it.IsTombstone())
	assert.Equal(t, CurrentSchemaVersion, it.SchemaVersion)
}

func TestItem_Touch(t *testing.T) {
	it := NewItem(ItemTypeTodo, []byte("v1"))
	oldHash := it.ContentHash
	oldRev := it.LocalRev

	it.SyncStatus = StatusClean
	it.Touch([]byte("v2"))

	assert.Equal(t, StatusModified, it.SyncStatus)
	assert.Equal(t, oldRev+1, it.LocalRev)
	assert.NotEqual(t, oldHash, it.ContentHash)
	assert.False(t, it.EncryptionApplied)
}

func TestItem_SoftDelete_SetOnce(t *testing.T) {
	it := NewItem(ItemTypeBookmark, []byte("x"))

	it.SoftDelete()
	require.True(t, it.IsTombstone())
	assert.Equal(t, StatusDeleted, it.SyncStatus)

	deletedAt := it.DeletedTime
	rev := it.LocalRev
	it.SoftDelete()
	assert.Equal(t, deletedAt, it.DeletedTime, "second soft-delete is a no-op")
	assert.Equal(t, rev, it.LocalRev)
}
