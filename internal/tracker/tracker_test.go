package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func currentFile(t *testing.T, dir, name string) CurrentFile {
	t.Helper()
	abs := filepath.Join(dir, name)
	info, err := os.Stat(abs)
	require.NoError(t, err)
	return CurrentFile{Path: name, AbsPath: abs, Size: info.Size(), ModTime: info.ModTime()}
}

func TestTrackerSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	trk := New(dir)
	trk.UpdateFile("a.go", "hash-a", 10, 0, 2)
	trk.UpdateFile("b.go", "hash-b", 20, 0, 3)
	require.NoError(t, trk.Save())

	reloaded := New(dir)
	assert.Equal(t, 2, reloaded.FileCount())
	assert.Equal(t, 5, reloaded.TotalChunks())

	fs, ok := reloaded.GetFileState("a.go")
	require.True(t, ok)
	assert.Equal(t, "hash-a", fs.FileHash)
	assert.Equal(t, 2, fs.ChunkCount)
	assert.NotEmpty(t, reloaded.LastUpdated())
}

func TestTrackerManifestSchema(t *testing.T) {
	dir := t.TempDir()

	trk := New(dir)
	trk.UpdateFile("pkg/x.go", "deadbeef", 42, 0, 1)
	require.NoError(t, trk.Save())

	data, err := os.ReadFile(filepath.Join(dir, "file_tracker.json"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 1, raw["version"])
	assert.NotEmpty(t, raw["last_updated"])

	files := raw["files"].(map[string]any)
	entry := files["pkg/x.go"].(map[string]any)
	assert.Equal(t, "deadbeef", entry["file_hash"])
	assert.EqualValues(t, 42, entry["file_size"])
	assert.EqualValues(t, 1, entry["chunk_count"])
}

func TestTrackerAtomicSaveNoPartialFile(t *testing.T) {
	dir := t.TempDir()

	trk := New(dir)
	trk.UpdateFile("a.go", "h1", 1, 0, 1)
	require.NoError(t, trk.Save())

	// Every save leaves a parseable manifest; temp files never linger.
	for i := 0; i < 5; i++ {
		trk.UpdateFile("a.go", "h2", 2, 0, 2)
		require.NoError(t, trk.Save())

		data, err := os.ReadFile(filepath.Join(dir, "file_tracker.json"))
		require.NoError(t, err)
		var state State
		require.NoError(t, json.Unmarshal(data, &state))
	}

	entries, err := filepath.Glob(filepath.Join(dir, "file_tracker_*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}

func TestTrackerCorruptManifestDiscarded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file_tracker.json", "{not json")

	trk := New(dir)
	assert.Zero(t, trk.FileCount())
}

func TestChangedFilesDetectsNewAndModified(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "original content")
	writeFile(t, dir, "b.txt", "other content")

	trk := New(t.TempDir())

	files := []CurrentFile{currentFile(t, dir, "a.txt"), currentFile(t, dir, "b.txt")}

	// All new on first run.
	changed, err := trk.ChangedFiles(files)
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	// Track both, then modify one.
	for _, f := range files {
		hash, err := HashFile(f.AbsPath)
		require.NoError(t, err)
		trk.UpdateFile(f.Path, hash, f.Size, f.ModTime.UnixMilli(), 1)
	}

	time.Sleep(5 * time.Millisecond)
	writeFile(t, dir, "a.txt", "modified content!")
	files = []CurrentFile{currentFile(t, dir, "a.txt"), currentFile(t, dir, "b.txt")}

	changed, err = trk.ChangedFiles(files)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "a.txt", changed[0].Path)
}

func TestChangedFilesFastPathSkipsHashing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "stable content")
	f := currentFile(t, dir, "a.txt")

	trk := New(t.TempDir())
	hash, err := HashFile(f.AbsPath)
	require.NoError(t, err)
	trk.UpdateFile(f.Path, hash, f.Size, f.ModTime.UnixMilli(), 1)

	// Unchanged stat: fast path reports no change even with a stale
	// tracked hash (hashing is skipped entirely).
	trk.UpdateFile(f.Path, "bogus-but-stat-matches", f.Size, f.ModTime.UnixMilli(), 1)

	changed, err := trk.ChangedFiles([]CurrentFile{f})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestDeletedFiles(t *testing.T) {
	trk := New(t.TempDir())
	trk.UpdateFile("keep.go", "h", 1, 0, 1)
	trk.UpdateFile("gone.go", "h", 1, 0, 1)

	deleted := trk.DeletedFiles([]CurrentFile{{Path: "keep.go"}})
	require.Len(t, deleted, 1)
	assert.Equal(t, "gone.go", deleted[0])
}

func TestTrackerReset(t *testing.T) {
	dir := t.TempDir()
	trk := New(dir)
	trk.UpdateFile("a.go", "h", 1, 0, 1)
	require.NoError(t, trk.Save())

	trk.Reset()
	assert.Zero(t, trk.FileCount())
	_, err := os.Stat(filepath.Join(dir, "file_tracker.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestChunkID(t *testing.T) {
	assert.Equal(t, "src/a.go#0", ChunkID("src/a.go", 0))
	assert.Equal(t, "docs/readme.md#12", ChunkID("docs/readme.md", 12))
}
