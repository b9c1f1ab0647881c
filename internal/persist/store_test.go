package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamops/lookout/internal/models"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.json")
	store := NewStore(path)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	streams := []models.Stream{
		{ID: "s1", Name: "Main Feed", ManifestURL: "https://cdn.example.com/live/main.m3u8", CreatedAt: created},
		{ID: "s2", Name: "Backup", ManifestURL: "https://cdn.example.com/live/backup.m3u8", CreatedAt: created.Add(time.Minute)},
	}
	require.NoError(t, store.Save(streams))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, streams, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "streams.json"))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewStore(path).Load()
	assert.Error(t, err)
}

func TestSaveCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "streams.json")
	store := NewStore(path)

	require.NoError(t, store.Save([]models.Stream{{ID: "s1", Name: "a", ManifestURL: "https://x/a.m3u8"}}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestSaveEmptyRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.json")
	store := NewStore(path)

	require.NoError(t, store.Save([]models.Stream{
		{ID: "s1", Name: "a", ManifestURL: "https://x/a.m3u8"},
	}))
	require.NoError(t, store.Save(nil))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streams.json")
	store := NewStore(path)

	require.NoError(t, store.Save([]models.Stream{{ID: "s1", Name: "a", ManifestURL: "https://x/a.m3u8"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "streams.json", entries[0].Name())
}
