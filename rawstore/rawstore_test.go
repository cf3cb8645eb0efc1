package rawstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	key, err := store.Save("http://example.com/a", []byte("hello world"), "text/html", 200, nil)
	require.NoError(t, err)
	assert.Equal(t, Key("http://example.com/a"), key)

	body, meta, err := store.Load("http://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, 200, meta.StatusCode)
	assert.Equal(t, "text/html", meta.ContentType)
}

func TestExists(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	assert.False(t, store.Exists("http://example.com/x"))
	_, err = store.Save("http://example.com/x", []byte("x"), "text/plain", 200, nil)
	require.NoError(t, err)
	assert.True(t, store.Exists("http://example.com/x"))
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	_, err = store.Save("http://example.com/y", []byte("persisted"), "text/plain", 200, nil)
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	body, _, err := reopened.Load("http://example.com/y")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(body))
}

func TestDeleteRemovesEntryAndBody(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	_, err = store.Save("http://example.com/z", []byte("gone soon"), "text/plain", 200, nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete("http://example.com/z"))
	assert.False(t, store.Exists("http://example.com/z"))

	_, err = os.Stat(filepath.Join(dir, Key("http://example.com/z")+".body"))
	assert.True(t, os.IsNotExist(err), "expected body file removed from disk")
}

func TestNoTempFilesLeftBehindAfterSave(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	_, err = store.Save("http://example.com/atomic", []byte("content"), "text/plain", 200, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("expected no leftover temp file, found %s", e.Name())
		}
	}
}

func TestGetStatsAggregatesSize(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = store.Save("http://example.com/1", []byte("abc"), "text/plain", 200, nil)
	require.NoError(t, err)
	_, err = store.Save("http://example.com/2", []byte("de"), "text/plain", 200, nil)
	require.NoError(t, err)

	stats := store.GetStats()
	assert.Equal(t, 2, stats.Count)
	assert.EqualValues(t, 5, stats.TotalSize)
}
