package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vection-dev/vection/internal/chunker"
	"github.com/vection-dev/vection/internal/embed"
	"github.com/vection-dev/vection/internal/scanner"
	"github.com/vection-dev/vection/internal/tracker"
	"github.com/vection-dev/vection/internal/vectorstore"
)

// testRepo writes a small repository: a few tiny files and a set of
// larger code/markdown files.
func testRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write("README.md", "# Demo\n\nThis repository demonstrates the RAG engine over a small corpus of files used in tests.\n")
	write("notes.txt", strings.Repeat("short prose paragraph for the indexer. ", 4))
	write("config.yaml", "name: demo\nmode: local\nretries: 3\nfeatures:\n  hybrid: true\n  rerank: false\n")

	for i := 0; i < 5; i++ {
		var b strings.Builder
		fmt.Fprintf(&b, "package pkg%d\n\n", i)
		for j := 0; j < 6; j++ {
			fmt.Fprintf(&b, "func Handler%d%d() {\n", i, j)
			for k := 0; k < 8; k++ {
				fmt.Fprintf(&b, "\tstep%d := process(step%d) // stage %d of the pipeline\n", k, k, k)
			}
			b.WriteString("}\n\n")
		}
		write(fmt.Sprintf("pkg%d/handler.go", i), b.String())
	}

	return root
}

func newTestIndexer(t *testing.T, root string, em embed.Embedder) (*Indexer, vectorstore.Store, *tracker.Tracker) {
	t.Helper()
	store := vectorstore.NewMemoryStore()
	trk := tracker.New(t.TempDir())
	ix := New(store, em, nil, trk, chunker.New(chunker.Config{
		ChunkSize:    400,
		ChunkOverlap: 50,
		MinChunkSize: 30,
		MaxChunkSize: 600,
	}), Config{Root: root, EmbedBatch: 8, MaxConcurrent: 2})
	return ix, store, trk
}

func storeState(t *testing.T, store vectorstore.Store) map[string]string {
	t.Helper()
	state := make(map[string]string)
	offset := 0
	for {
		page, err := store.All(context.Background(), offset, 100)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			state[rec.ID] = rec.Document
		}
		offset += len(page)
	}
	return state
}

func TestColdIndex(t *testing.T) {
	root := testRepo(t)
	ix, store, trk := newTestIndexer(t, root, embed.NewStaticEmbedder(64))
	ctx := context.Background()

	report, err := ix.Update(ctx)
	require.NoError(t, err)

	assert.Equal(t, 8, report.FilesProcessed)
	assert.GreaterOrEqual(t, report.ChunksCreated, 8)
	assert.Zero(t, report.ChunksFailed)
	assert.Positive(t, report.BytesRead)
	assert.Positive(t, report.Duration)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.ChunksCreated, count)

	dim, err := store.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64, dim)

	assert.Equal(t, 8, trk.FileCount())
	assert.Equal(t, report.ChunksCreated, trk.TotalChunks())
}

func TestNoOpIncremental(t *testing.T) {
	root := testRepo(t)
	ix, store, trk := newTestIndexer(t, root, embed.NewStaticEmbedder(64))
	ctx := context.Background()

	_, err := ix.Update(ctx)
	require.NoError(t, err)
	firstUpdated := trk.LastUpdated()
	countBefore, err := store.Count(ctx)
	require.NoError(t, err)

	report, err := ix.Update(ctx)
	require.NoError(t, err)

	assert.Zero(t, report.FilesProcessed)
	assert.Zero(t, report.ChunksCreated)

	countAfter, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, countBefore, countAfter)
	assert.GreaterOrEqual(t, trk.LastUpdated(), firstUpdated, "tracker save stamp advances")
}

func TestIndexIdempotent(t *testing.T) {
	root := testRepo(t)
	ix, store, _ := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	ctx := context.Background()

	_, err := ix.Update(ctx)
	require.NoError(t, err)
	first := storeState(t, store)

	_, err = ix.Update(ctx)
	require.NoError(t, err)
	second := storeState(t, store)

	assert.Equal(t, first, second, "unchanged inputs yield identical store contents")
}

func TestRebuildMatchesIncremental(t *testing.T) {
	root := testRepo(t)
	ix, store, _ := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	ctx := context.Background()

	_, err := ix.Update(ctx)
	require.NoError(t, err)
	incremental := storeState(t, store)

	_, err = ix.FullBuild(ctx, true)
	require.NoError(t, err)
	rebuilt := storeState(t, store)

	assert.Equal(t, incremental, rebuilt, "rebuild produces the same (id, text) multiset")
}

func TestSingleFileModification(t *testing.T) {
	root := testRepo(t)
	ix, store, trk := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	ctx := context.Background()

	_, err := ix.Update(ctx)
	require.NoError(t, err)
	before := storeState(t, store)

	// Add a new top-level function to one file.
	target := filepath.Join(root, "pkg0", "handler.go")
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	modified := string(content) + "\nfunc Added() {\n\textra := 1\n\tconsume(extra)\n\tconsume(extra)\n\tconsume(extra)\n}\n"
	require.NoError(t, os.WriteFile(target, []byte(modified), 0o644))

	report, err := ix.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesProcessed)

	after := storeState(t, store)

	// Other files' chunks are untouched.
	for id, doc := range before {
		if !strings.HasPrefix(id, "pkg0/handler.go#") {
			assert.Equal(t, doc, after[id], "chunk %s must be unchanged", id)
		}
	}

	// The modified file's hash reflects the new content.
	fs, ok := trk.GetFileState("pkg0/handler.go")
	require.True(t, ok)
	newHash := tracker.HashBytes([]byte(modified))
	assert.Equal(t, newHash, fs.FileHash)

	// Tracker chunk count matches the store's chunks for that path.
	n := 0
	for id := range after {
		if strings.HasPrefix(id, "pkg0/handler.go#") {
			n++
		}
	}
	assert.Equal(t, fs.ChunkCount, n)
}

func TestDeletedFileRemoved(t *testing.T) {
	root := testRepo(t)
	ix, store, trk := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	ctx := context.Background()

	_, err := ix.Update(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "notes.txt")))

	report, err := ix.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesDeleted)

	_, ok := trk.GetFileState("notes.txt")
	assert.False(t, ok)

	for id := range storeState(t, store) {
		assert.False(t, strings.HasPrefix(id, "notes.txt#"), "deleted file's chunks must be gone")
	}
}

func TestTrackerChunkCountMatchesStore(t *testing.T) {
	root := testRepo(t)
	ix, store, trk := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	ctx := context.Background()

	_, err := ix.Update(ctx)
	require.NoError(t, err)

	perPath := make(map[string]int)
	for id := range storeState(t, store) {
		path := id[:strings.LastIndex(id, "#")]
		perPath[path]++
	}

	paths := trk.TrackedPaths()
	sort.Strings(paths)
	for _, path := range paths {
		fs, ok := trk.GetFileState(path)
		require.True(t, ok)
		assert.Equal(t, fs.ChunkCount, perPath[path], "path %s", path)
	}
}

func TestDimensionMismatchRecovery(t *testing.T) {
	root := testRepo(t)
	ctx := context.Background()

	store := vectorstore.NewMemoryStore()
	trkDir := t.TempDir()

	ix384 := New(store, embed.NewStaticEmbedder(384), nil, tracker.New(trkDir),
		chunker.New(chunker.DefaultConfig()), Config{Root: root, EmbedBatch: 8, MaxConcurrent: 1})
	_, err := ix384.Update(ctx)
	require.NoError(t, err)

	dim, err := store.Dimension(ctx)
	require.NoError(t, err)
	require.Equal(t, 384, dim)

	// Swap to a 768-dim provider: store must be reset and fully rebuilt.
	ix768 := New(store, embed.NewStaticEmbedder(768), nil, tracker.New(trkDir),
		chunker.New(chunker.DefaultConfig()), Config{Root: root, EmbedBatch: 8, MaxConcurrent: 1})
	report, err := ix768.Update(ctx)
	require.NoError(t, err)

	assert.Positive(t, report.FilesProcessed)

	dim, err = store.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 768, dim)
}

func TestTruncationLadder(t *testing.T) {
	root := t.TempDir()
	// One chunk-sized block that exceeds a tiny provider context (700
	// chars) but fits after truncation to 600.
	big := strings.Repeat("words and more words in a single paragraph block ", 20)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644))

	em := embed.NewStaticEmbedderWithContext(32, 700)
	store := vectorstore.NewMemoryStore()
	ix := New(store, em, nil, tracker.New(t.TempDir()),
		chunker.New(chunker.Config{ChunkSize: 900, ChunkOverlap: 50, MinChunkSize: 30, MaxChunkSize: 1000}),
		Config{Root: root, EmbedBatch: 4, MaxConcurrent: 1})

	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.ChunksFailed, "truncation ladder must recover oversized chunks")
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestTruncationExhaustedFallsBack(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("x", 900)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644))

	// Context below the smallest ladder rung: primary always fails.
	primary := embed.NewStaticEmbedderWithContext(32, 100)
	fallback := embed.NewStaticEmbedder(32)

	store := vectorstore.NewMemoryStore()
	ix := New(store, primary, fallback, tracker.New(t.TempDir()),
		chunker.New(chunker.Config{ChunkSize: 950, ChunkOverlap: 50, MinChunkSize: 30, MaxChunkSize: 1000}),
		Config{Root: root, EmbedBatch: 4, MaxConcurrent: 1})

	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.ChunksFailed, "fallback provider must rescue the chunk")
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestTruncationExhaustedNoFallbackSkips(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("x", 900)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644))

	primary := embed.NewStaticEmbedderWithContext(32, 100)

	store := vectorstore.NewMemoryStore()
	ix := New(store, primary, nil, tracker.New(t.TempDir()),
		chunker.New(chunker.Config{ChunkSize: 950, ChunkOverlap: 50, MinChunkSize: 30, MaxChunkSize: 1000}),
		Config{Root: root, EmbedBatch: 4, MaxConcurrent: 1})

	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Positive(t, report.ChunksFailed)
	assert.Positive(t, report.SkipReasons["embedding_failed"])
}

func TestScannerSkipsReported(t *testing.T) {
	root := testRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "binary.bin"), []byte{0, 1, 2}, 0o644))

	ix, _, _ := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Positive(t, report.FilesSkipped)
	assert.Positive(t, report.SkipReasons[scanner.SkipBinaryExt])
}

func TestFileSubsetRestriction(t *testing.T) {
	root := testRepo(t)

	store := vectorstore.NewMemoryStore()
	ix := New(store, embed.NewStaticEmbedder(32), nil, tracker.New(t.TempDir()),
		chunker.New(chunker.DefaultConfig()),
		Config{Root: root, EmbedBatch: 8, MaxConcurrent: 1, Files: []string{"README.md"}})

	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesProcessed)
	for id := range storeState(t, store) {
		assert.True(t, strings.HasPrefix(id, "README.md#"))
	}
}

func TestQualityThresholdSkipsDegenerateFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "good.md"),
		[]byte("# Real documentation\n\nA varied sentence with many distinct words describing behavior.\n"), 0o644))
	// Low variety and control bytes drive the score down.
	junk := strings.Repeat("\x01\x02aaa ", 200)
	require.NoError(t, os.WriteFile(filepath.Join(root, "junk.txt"), []byte(junk), 0o644))

	store := vectorstore.NewMemoryStore()
	ix := New(store, embed.NewStaticEmbedder(32), nil, tracker.New(t.TempDir()),
		chunker.New(chunker.Config{ChunkSize: 400, ChunkOverlap: 50, MinChunkSize: 30, MaxChunkSize: 600}),
		Config{Root: root, EmbedBatch: 8, MaxConcurrent: 1, QualityThreshold: 0.6})

	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesProcessed)
	assert.Positive(t, report.SkipReasons["low_quality"])
}

func TestTinyFileStillIndexed(t *testing.T) {
	root := t.TempDir()
	// Well below MinChunkSize: must be indexed, not skipped.
	require.NoError(t, os.WriteFile(filepath.Join(root, "tiny.txt"), []byte("ok"), 0o644))

	ix, store, trk := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesProcessed)
	assert.Equal(t, 1, report.ChunksCreated)
	assert.Zero(t, report.SkipReasons["empty_after_chunking"])

	state := storeState(t, store)
	require.Len(t, state, 1)
	assert.Equal(t, "ok", state["tiny.txt#0"])

	fs, ok := trk.GetFileState("tiny.txt")
	require.True(t, ok)
	assert.Equal(t, 1, fs.ChunkCount)
}

func TestBlankFileSkipped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blank.txt"), []byte("  \n\n \n"), 0o644))

	ix, _, trk := newTestIndexer(t, root, embed.NewStaticEmbedder(32))
	report, err := ix.Update(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.FilesProcessed)
	assert.Equal(t, 1, report.SkipReasons["empty_after_chunking"])
	_, ok := trk.GetFileState("blank.txt")
	assert.False(t, ok)
}
