package filex

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureDir_CreatesDirectory(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "cache", "resources")

	require.NoError(t, EnsureDir(dir))

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, fi.IsDir(), "should create a directory")

	if runtime.GOOS != "windows" {
		perm := fi.Mode().Perm()
		require.Equal(t, os.FileMode(0o700), perm&0o700)
	}
}

func TestEnsureDir_Idempotent(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "cache")

	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, fi.IsDir())
}

func TestEnsureDir_FailsIfFileWithSameNameExists(t *testing.T) {
	tmp := t.TempDir()
	name := filepath.Join(tmp, "cache")
	require.NoError(t, os.WriteFile(name, []byte("x"), 0o660))

	require.Error(t, EnsureDir(name), "should fail when a file exists with the same name")
}

func TestWriteFileAtomic_WritesContent(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "blobs", "abc")

	require.NoError(t, WriteFileAtomic(path, []byte("payload")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestWriteFileAtomic_OverwritesExisting(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "blob")

	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), got)
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "blob")

	require.NoError(t, WriteFileAtomic(path, []byte("x")))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
