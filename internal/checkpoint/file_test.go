package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), 7))
	page, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, page)

	require.NoError(t, store.Save(context.Background(), 8))
	page, err = store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, page)
}

func TestFileStoreMissingFileIsZero(t *testing.T) {
	t.Parallel()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	page, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Zero(t, page)
}

func TestFileStoreCorruptMarkerIsError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o644))

	store, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	require.Error(t, err)
}

func TestFileStoreRejectsNegativePage(t *testing.T) {
	t.Parallel()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "crawl.checkpoint"))
	require.NoError(t, err)
	require.Error(t, store.Save(context.Background(), -1))
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "crawl.checkpoint"))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), 3))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "crawl.checkpoint", entries[0].Name())
}
