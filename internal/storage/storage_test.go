package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/keepsync/internal/models"

	_ "modernc.org/sqlite"
)

func TestInitDatabase_MigratesAndBundlesRepos(t *testing.T) {
	ctx := context.Background()

	repos, err := InitDatabase(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	// Every table from the migration must be usable.
	it := models.NewItem(models.ItemTypeNote, []byte("hello"))
	require.NoError(t, repos.Items.CreateOrUpdate(ctx, it))

	require.NoError(t, repos.Queue.Enqueue(ctx, it.ID))
	n, err := repos.Queue.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, repos.SyncMeta.Set(ctx, "k", []byte("v")))

	total, err := repos.Resources.TotalSize(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, total)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()

	repos, err := InitDatabase(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	require.NoError(t, RunMigrations(ctx, repos.DB))
}
