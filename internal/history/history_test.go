package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/shardget/internal/history"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenOnDirectoryFails(t *testing.T) {
	_, err := history.Open(t.TempDir())
	assert.Error(t, err)
}

func TestSaveNilEntry(t *testing.T) {
	assert.EqualError(t, openStore(t).Save(nil), "cannot save nil entry")
}

func TestSaveGetUpdate(t *testing.T) {
	store := openStore(t)
	entry := &history.Entry{URL: "https://example.com/a.iso", Output: "a.iso", Status: history.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, store.Save(entry))
	require.NotEqual(t, uuid.Nil, entry.ID)

	entry.Status = history.StatusFailed
	entry.FailedShard = 3
	entry.FailedOffset = 7500
	require.NoError(t, store.Save(entry))

	got, err := store.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, got.Status)
	assert.Equal(t, 3, got.FailedShard)
	assert.Equal(t, int64(7500), got.FailedOffset)

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListNewestFirst(t *testing.T) {
	store := openStore(t)
	base := time.Now()
	for i, url := range []string{"first", "second", "third"} {
		require.NoError(t, store.Save(&history.Entry{URL: url, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "third", list[0].URL)
	assert.Equal(t, "first", list[2].URL)
}

func TestDeleteAndClear(t *testing.T) {
	store := openStore(t)
	entry := &history.Entry{URL: "x"}
	require.NoError(t, store.Save(entry))
	require.NoError(t, store.Save(&history.Entry{URL: "y"}))

	require.NoError(t, store.Delete(entry.ID))
	assert.ErrorIs(t, store.Delete(entry.ID), history.ErrEntryNotFound)
	_, err := store.Get(entry.ID)
	assert.ErrorIs(t, err, history.ErrEntryNotFound)

	removed, err := store.Clear()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
