package cli

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/keepsync/internal/storage"
)

func setupRepos(t *testing.T) *storage.Repositories {
	t.Helper()
	repos, err := storage.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })
	return repos
}

func TestEnsureDeviceID_AssignedOnceAndHex(t *testing.T) {
	repos := setupRepos(t)
	ctx := context.Background()

	id, err := ensureDeviceID(ctx, repos.SyncMeta)
	require.NoError(t, err)
	require.Len(t, id, 2*deviceIDLength)
	_, err = hex.DecodeString(id)
	require.NoError(t, err, "device id is hex")

	again, err := ensureDeviceID(ctx, repos.SyncMeta)
	require.NoError(t, err)
	assert.Equal(t, id, again, "id is stable across restarts")
}

func TestEnsureKeySalt_PersistedOnce(t *testing.T) {
	repos := setupRepos(t)
	ctx := context.Background()

	salt, err := ensureKeySalt(ctx, repos.SyncMeta)
	require.NoError(t, err)
	require.Len(t, salt, keySaltLength)

	again, err := ensureKeySalt(ctx, repos.SyncMeta)
	require.NoError(t, err)
	assert.Equal(t, salt, again)
}
