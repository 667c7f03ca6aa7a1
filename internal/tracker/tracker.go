// Package tracker maintains the on-disk manifest of indexed files.
// The indexer consults it to decide which files changed since the last run
// and owns all mutations; saves are atomic (temp file, fsync, rename)
// under an advisory lock.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	verrors "github.com/vection-dev/vection/internal/errors"
)

// ManifestVersion is the current tracker schema version.
const ManifestVersion = 1

// FileState is the tracked state of one indexed file.
type FileState struct {
	Path       string `json:"path"`
	FileHash   string `json:"file_hash"`
	IndexedAt  string `json:"indexed_at"`
	FileSize   int64  `json:"file_size"`
	MtimeMs    int64  `json:"mtime_ms,omitempty"`
	ChunkCount int    `json:"chunk_count"`
}

// State is the persistent tracker state.
type State struct {
	Version     int                  `json:"version"`
	LastUpdated string               `json:"last_updated"`
	Files       map[string]FileState `json:"files"`
}

// Tracker tracks file states for incremental indexing.
type Tracker struct {
	dir  string
	path string
	lock *flock.Flock

	state State
}

// New creates a tracker persisting to <dir>/file_tracker.json and loads
// any existing state. A corrupt manifest is discarded with a warning.
func New(dir string) *Tracker {
	t := &Tracker{
		dir:  dir,
		path: filepath.Join(dir, "file_tracker.json"),
		lock: flock.New(filepath.Join(dir, ".file_tracker.lock")),
		state: State{
			Version: ManifestVersion,
			Files:   make(map[string]FileState),
		},
	}
	t.load()
	return t
}

// load reads tracker state from disk.
func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("tracker_load_failed",
			slog.String("path", t.path),
			slog.String("error", err.Error()))
		return
	}
	if state.Files == nil {
		state.Files = make(map[string]FileState)
	}
	if state.Version == 0 {
		state.Version = ManifestVersion
	}
	t.state = state
}

// GetFileState returns the tracked state for a path, if any.
func (t *Tracker) GetFileState(path string) (FileState, bool) {
	fs, ok := t.state.Files[path]
	return fs, ok
}

// UpdateFile records a successful index of a file.
func (t *Tracker) UpdateFile(path, fileHash string, fileSize int64, mtimeMs int64, chunkCount int) {
	t.state.Files[path] = FileState{
		Path:       path,
		FileHash:   fileHash,
		IndexedAt:  time.Now().UTC().Format(time.RFC3339),
		FileSize:   fileSize,
		MtimeMs:    mtimeMs,
		ChunkCount: chunkCount,
	}
}

// RemoveFile forgets a tracked file.
func (t *Tracker) RemoveFile(path string) {
	delete(t.state.Files, path)
}

// TrackedPaths returns all tracked relative paths.
func (t *Tracker) TrackedPaths() []string {
	paths := make([]string, 0, len(t.state.Files))
	for p := range t.state.Files {
		paths = append(paths, p)
	}
	return paths
}

// FileCount returns the number of tracked files.
func (t *Tracker) FileCount() int {
	return len(t.state.Files)
}

// TotalChunks returns the sum of tracked chunk counts.
func (t *Tracker) TotalChunks() int {
	total := 0
	for _, fs := range t.state.Files {
		total += fs.ChunkCount
	}
	return total
}

// LastUpdated returns the timestamp of the last save.
func (t *Tracker) LastUpdated() string {
	return t.state.LastUpdated
}

// CurrentFile describes a file found by the scanner, used for change
// detection.
type CurrentFile struct {
	Path    string // repo-relative, forward slashes
	AbsPath string
	Size    int64
	ModTime time.Time
}

// ChangedFiles returns files whose content differs from the tracked state
// (hash mismatch or new). A (size, mtime) fast path skips hashing files
// whose stat is unchanged since the last index.
func (t *Tracker) ChangedFiles(files []CurrentFile) ([]CurrentFile, error) {
	var changed []CurrentFile

	for _, f := range files {
		tracked, ok := t.state.Files[f.Path]
		if !ok {
			changed = append(changed, f)
			continue
		}

		mtimeMs := f.ModTime.UnixMilli()
		if tracked.MtimeMs != 0 && tracked.FileSize == f.Size && tracked.MtimeMs == mtimeMs {
			continue // fast path: stat unchanged
		}

		hash, err := HashFile(f.AbsPath)
		if err != nil {
			// Unreadable now; treat as changed so the indexer surfaces it.
			changed = append(changed, f)
			continue
		}
		if hash != tracked.FileHash {
			changed = append(changed, f)
		} else {
			// Content identical, refresh the stat fast path.
			tracked.FileSize = f.Size
			tracked.MtimeMs = mtimeMs
			t.state.Files[f.Path] = tracked
		}
	}

	return changed, nil
}

// DeletedFiles returns tracked paths absent from the current walk.
func (t *Tracker) DeletedFiles(files []CurrentFile) []string {
	current := make(map[string]struct{}, len(files))
	for _, f := range files {
		current[f.Path] = struct{}{}
	}

	var deleted []string
	for path := range t.state.Files {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	return deleted
}

// Save persists the tracker state atomically: write temp, fsync, rename.
// An advisory flock serializes concurrent savers on platforms that
// support it.
func (t *Tracker) Save() error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return verrors.New(verrors.ErrCodeTrackerSave, "cannot create tracker directory", err)
	}

	if err := t.lock.Lock(); err == nil {
		defer func() { _ = t.lock.Unlock() }()
	}

	t.state.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(&t.state, "", "  ")
	if err != nil {
		return verrors.New(verrors.ErrCodeTrackerSave, "cannot encode tracker state", err)
	}

	tmp, err := os.CreateTemp(t.dir, "file_tracker_*.tmp")
	if err != nil {
		return verrors.New(verrors.ErrCodeTrackerSave, "cannot create tracker temp file", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return verrors.New(verrors.ErrCodeTrackerSave, "cannot write tracker state", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return verrors.New(verrors.ErrCodeTrackerSave, "cannot sync tracker state", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return verrors.New(verrors.ErrCodeTrackerSave, "cannot close tracker temp file", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		cleanup()
		return verrors.New(verrors.ErrCodeTrackerSave, "cannot replace tracker manifest", err)
	}
	return nil
}

// Reset clears all tracked state and deletes the manifest.
func (t *Tracker) Reset() {
	t.state = State{
		Version: ManifestVersion,
		Files:   make(map[string]FileState),
	}
	_ = os.Remove(t.path)
}

// Path returns the manifest location.
func (t *Tracker) Path() string {
	return t.path
}

// HashFile computes the hex SHA-256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the hex SHA-256 of in-memory content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ChunkID forms the stable chunk identifier "<path>#<index>".
func ChunkID(path string, index int) string {
	return fmt.Sprintf("%s#%d", path, index)
}
