// Package indexer walks a repository, detects changes against the file
// tracker, chunks and embeds content in batches, and upserts the results
// into the vector store. Both full builds and incremental updates are
// idempotent, and the tracker is only advanced for a file after all of its
// chunks have landed in the store.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vection-dev/vection/internal/chunker"
	"github.com/vection-dev/vection/internal/embed"
	verrors "github.com/vection-dev/vection/internal/errors"
	"github.com/vection-dev/vection/internal/scanner"
	"github.com/vection-dev/vection/internal/tracker"
	"github.com/vection-dev/vection/internal/vectorstore"
)

// Batching constants.
const (
	// UpsertBatchSize bounds one store Add call.
	UpsertBatchSize = 100

	// DefaultEmbedBatchSize is the default embedding batch size.
	DefaultEmbedBatchSize = 32
)

// truncationLadder is the sequence of progressively shorter truncations
// applied when a chunk exceeds the embedding provider's context.
var truncationLadder = []int{2000, 1000, 600}

// Config configures the indexer.
type Config struct {
	Root          string
	StoreDir      string
	EmbedBatch    int
	MaxConcurrent int
	ExcludeDirs   []string
	IncludeExts   []string

	// Files restricts the run to these repo-relative paths (empty = all).
	Files []string

	// QualityThreshold in [0,1] skips files whose content quality score
	// falls below it. 0 disables the filter.
	QualityThreshold float64
}

// Indexer coordinates scanning, chunking, embedding, and persistence.
type Indexer struct {
	store    vectorstore.Store
	embedder embed.Embedder
	fallback embed.Embedder // optional secondary provider
	tracker  *tracker.Tracker
	chunker  *chunker.Chunker
	cfg      Config
}

// New creates an indexer. The fallback embedder may be nil.
func New(store vectorstore.Store, embedder embed.Embedder, fallback embed.Embedder,
	trk *tracker.Tracker, chk *chunker.Chunker, cfg Config) *Indexer {
	if cfg.EmbedBatch <= 0 {
		cfg.EmbedBatch = DefaultEmbedBatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		fallback: fallback,
		tracker:  trk,
		chunker:  chk,
		cfg:      cfg,
	}
}

// FullBuild indexes every accepted file, optionally resetting store and
// tracker first.
func (ix *Indexer) FullBuild(ctx context.Context, rebuild bool) (*Report, error) {
	report := newReport()
	defer report.finish()

	if rebuild {
		if err := ix.store.Reset(ctx); err != nil {
			return report, verrors.New(verrors.ErrCodeIndexFailed, "store reset failed", err)
		}
		ix.tracker.Reset()
	}

	if err := ix.ensureDimension(ctx); err != nil {
		return report, err
	}

	scanned, err := ix.scan()
	if err != nil {
		return report, err
	}
	report.absorbSkips(scanned.SkipReasons)

	if err := ix.indexFiles(ctx, scanned.Files, report); err != nil {
		return report, err
	}

	if err := ix.tracker.Save(); err != nil {
		return report, err
	}

	slog.Info("index_complete",
		slog.String("mode", "full"),
		slog.Int("files_processed", report.FilesProcessed),
		slog.Int("chunks_created", report.ChunksCreated),
		slog.Int("chunks_failed", report.ChunksFailed),
		slog.Duration("duration", time.Since(report.startedAt)))

	return report, nil
}

// Update performs an incremental index: changed files are re-chunked and
// re-embedded, deleted files are purged from store and tracker. When the
// store's recorded dimension disagrees with the embedding provider, the
// store is reset and a full build runs instead.
func (ix *Indexer) Update(ctx context.Context) (*Report, error) {
	reset, err := ix.dimensionMismatch(ctx)
	if err != nil {
		return nil, err
	}
	if reset {
		slog.Warn("dimension_mismatch",
			slog.Int("provider_dim", ix.embedder.Dimension()),
			slog.String("action", "reset and full rebuild"))
		return ix.FullBuild(ctx, true)
	}

	report := newReport()
	defer report.finish()

	scanned, err := ix.scan()
	if err != nil {
		return report, err
	}
	report.absorbSkips(scanned.SkipReasons)

	current := make([]tracker.CurrentFile, len(scanned.Files))
	byPath := make(map[string]scanner.FileInfo, len(scanned.Files))
	for i, f := range scanned.Files {
		current[i] = tracker.CurrentFile{
			Path:    f.Path,
			AbsPath: f.AbsPath,
			Size:    f.Size,
			ModTime: f.ModTime,
		}
		byPath[f.Path] = f
	}

	// Deletions first so a rename never leaves stale chunks behind.
	for _, path := range ix.tracker.DeletedFiles(current) {
		if err := ix.store.Delete(ctx, nil, vectorstore.PathFilter(path)); err != nil {
			return report, verrors.New(verrors.ErrCodeIndexFailed,
				fmt.Sprintf("cannot delete chunks for %s", path), err)
		}
		ix.tracker.RemoveFile(path)
		report.FilesDeleted++
	}

	changed, err := ix.tracker.ChangedFiles(current)
	if err != nil {
		return report, err
	}

	files := make([]scanner.FileInfo, 0, len(changed))
	for _, c := range changed {
		files = append(files, byPath[c.Path])
	}

	if err := ix.indexFiles(ctx, files, report); err != nil {
		return report, err
	}

	if err := ix.tracker.Save(); err != nil {
		return report, err
	}

	slog.Info("index_complete",
		slog.String("mode", "incremental"),
		slog.Int("files_processed", report.FilesProcessed),
		slog.Int("files_deleted", report.FilesDeleted),
		slog.Int("chunks_created", report.ChunksCreated),
		slog.Duration("duration", time.Since(report.startedAt)))

	return report, nil
}

// scan runs file discovery with the indexer's exclusions, restricted to
// the configured file subset when one is given.
func (ix *Indexer) scan() (*scanner.Result, error) {
	result, err := scanner.Scan(scanner.Options{
		Root:        ix.cfg.Root,
		ExcludeDirs: ix.cfg.ExcludeDirs,
		IncludeExts: ix.cfg.IncludeExts,
		StoreDir:    ix.cfg.StoreDir,
	})
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeIndexFailed, "repository walk failed", err)
	}

	if len(ix.cfg.Files) > 0 {
		wanted := make(map[string]bool, len(ix.cfg.Files))
		for _, f := range ix.cfg.Files {
			wanted[f] = true
		}
		kept := result.Files[:0]
		for _, f := range result.Files {
			if wanted[f.Path] {
				kept = append(kept, f)
			}
		}
		result.Files = kept
	}
	return result, nil
}

// qualityScore rates file content in [0,1]: mostly-printable text with
// some word variety scores high, binary-ish or degenerate content low.
func qualityScore(content []byte) float64 {
	if len(content) == 0 {
		return 0
	}

	printable := 0
	for _, b := range content {
		if b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) || b >= 0x80 {
			printable++
		}
	}
	printableRatio := float64(printable) / float64(len(content))

	words := make(map[string]bool)
	total := 0
	for _, w := range splitWords(content) {
		words[w] = true
		total++
		if total >= 500 {
			break
		}
	}
	variety := 0.0
	if total > 0 {
		variety = float64(len(words)) / float64(total)
	}

	return printableRatio*0.7 + variety*0.3
}

// splitWords tokenizes content on whitespace for the quality score.
func splitWords(content []byte) []string {
	var words []string
	start := -1
	for i, b := range content {
		isSpace := b == ' ' || b == '\n' || b == '\t' || b == '\r'
		if isSpace {
			if start >= 0 {
				words = append(words, string(content[start:i]))
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, string(content[start:]))
	}
	return words
}

// dimensionMismatch reports whether the non-empty store disagrees with the
// embedding provider's dimension.
func (ix *Indexer) dimensionMismatch(ctx context.Context) (bool, error) {
	storeDim, err := ix.store.Dimension(ctx)
	if err != nil {
		return false, err
	}
	return storeDim != 0 && storeDim != ix.embedder.Dimension(), nil
}

// ensureDimension resets the store when its recorded dimension disagrees
// with the embedding provider (full-build path).
func (ix *Indexer) ensureDimension(ctx context.Context) error {
	mismatch, err := ix.dimensionMismatch(ctx)
	if err != nil {
		return err
	}
	if mismatch {
		slog.Warn("dimension_mismatch",
			slog.Int("provider_dim", ix.embedder.Dimension()),
			slog.String("action", "store reset"))
		if err := ix.store.Reset(ctx); err != nil {
			return verrors.New(verrors.ErrCodeIndexFailed, "store reset failed", err)
		}
		ix.tracker.Reset()
	}
	return nil
}

// pendingChunk is one chunk awaiting embedding and upsert.
type pendingChunk struct {
	id        string
	text      string
	meta      vectorstore.Metadata
	embedding []float32
	failed    bool
}

// pendingFile groups a file's chunks for atomic per-file upsert.
type pendingFile struct {
	path    string
	hash    string
	size    int64
	mtimeMs int64
	chunks  []*pendingChunk
}

// indexFiles chunks, embeds, and upserts the given files. Per-file: all
// chunks land before the tracker entry is written, so a cancelled or
// failed run leaves unprocessed files "changed" for the next run.
func (ix *Indexer) indexFiles(ctx context.Context, files []scanner.FileInfo, report *Report) error {
	if len(files) == 0 {
		return nil
	}

	pending := make([]*pendingFile, 0, len(files))
	var allChunks []*pendingChunk

	for _, f := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		content, err := os.ReadFile(f.AbsPath)
		if err != nil {
			report.skip(scanner.SkipUnreadable)
			slog.Warn("file_read_failed", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		report.BytesRead += int64(len(content))

		if ix.cfg.QualityThreshold > 0 {
			if score := qualityScore(content); score < ix.cfg.QualityThreshold {
				report.skip("low_quality")
				slog.Debug("file_low_quality",
					slog.String("path", f.Path),
					slog.Float64("score", score))
				continue
			}
		}

		// The chunker guarantees at least one chunk for any non-blank
		// content, so this skip only fires for whitespace-only files.
		chunks := ix.chunker.ChunkFile(string(content), f.Path)
		if len(chunks) == 0 {
			report.skip("empty_after_chunking")
			continue
		}

		pf := &pendingFile{
			path:    f.Path,
			hash:    tracker.HashBytes(content),
			size:    f.Size,
			mtimeMs: f.ModTime.UnixMilli(),
		}
		indexedAt := time.Now().UTC().Format(time.RFC3339)
		for i, ch := range chunks {
			pc := &pendingChunk{
				id:   tracker.ChunkID(f.Path, i),
				text: ch.Content,
				meta: vectorstore.Metadata{
					vectorstore.KeyPath:       vectorstore.String(f.Path),
					vectorstore.KeyChunkIndex: vectorstore.Int(int64(i)),
					vectorstore.KeyType:       vectorstore.String(ch.Type),
					vectorstore.KeyFileSize:   vectorstore.Int(f.Size),
					vectorstore.KeyFileHash:   vectorstore.String(pf.hash),
					vectorstore.KeyStartLine:  vectorstore.Int(int64(ch.StartLine)),
					vectorstore.KeyEndLine:    vectorstore.Int(int64(ch.EndLine)),
					vectorstore.KeyIndexedAt:  vectorstore.String(indexedAt),
				},
			}
			pf.chunks = append(pf.chunks, pc)
			allChunks = append(allChunks, pc)
		}
		pending = append(pending, pf)
	}

	if err := ix.embedAll(ctx, allChunks, report); err != nil {
		return err
	}

	for _, pf := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := ix.upsertFile(ctx, pf, report); err != nil {
			return err
		}
	}
	return nil
}

// embedAll embeds pending chunks in batches with bounded concurrency.
// A failed batch degrades to per-chunk embedding with the truncation
// ladder; chunks that still fail are marked and skipped.
func (ix *Indexer) embedAll(ctx context.Context, chunks []*pendingChunk, report *Report) error {
	if len(chunks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.MaxConcurrent)

	for start := 0; start < len(chunks); start += ix.cfg.EmbedBatch {
		end := min(start+ix.cfg.EmbedBatch, len(chunks))
		batch := chunks[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, pc := range batch {
				texts[i] = pc.text
			}

			embeddings, err := ix.embedder.EmbedBatch(gctx, texts)
			if err == nil {
				for i, pc := range batch {
					pc.embedding = embeddings[i]
				}
				return nil
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}

			// Batch failed: isolate the offending chunk(s) one by one.
			for _, pc := range batch {
				if err := ix.embedOne(gctx, pc); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, pc := range chunks {
		if pc.failed {
			report.ChunksFailed++
			report.SkipReasons["embedding_failed"]++
		}
	}
	return nil
}

// embedOne embeds one chunk, walking the truncation ladder on context-
// length errors and trying the fallback provider before giving up.
func (ix *Indexer) embedOne(ctx context.Context, pc *pendingChunk) error {
	vec, err := ix.embedder.Embed(ctx, pc.text)
	if err == nil {
		pc.embedding = vec
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if verrors.IsCode(err, verrors.ErrCodeContextLengthExceeded) {
		for _, limit := range truncationLadder {
			if len(pc.text) <= limit {
				continue
			}
			vec, err = ix.embedder.Embed(ctx, pc.text[:limit])
			if err == nil {
				pc.embedding = vec
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !verrors.IsCode(err, verrors.ErrCodeContextLengthExceeded) {
				break
			}
		}
	}

	if ix.fallback != nil {
		if vec, ferr := ix.fallback.Embed(ctx, pc.text); ferr == nil {
			pc.embedding = vec
			return nil
		}
	}

	slog.Warn("chunk_embedding_failed",
		slog.String("chunk_id", pc.id),
		slog.Int("text_len", len(pc.text)),
		slog.String("error", err.Error()))
	pc.failed = true
	return nil
}

// upsertFile deletes a file's previous chunks, inserts the new ones in
// sub-batches, and only then writes the tracker entry.
func (ix *Indexer) upsertFile(ctx context.Context, pf *pendingFile, report *Report) error {
	if err := ix.store.Delete(ctx, nil, vectorstore.PathFilter(pf.path)); err != nil {
		return verrors.New(verrors.ErrCodeIndexFailed,
			fmt.Sprintf("cannot delete stale chunks for %s", pf.path), err)
	}

	good := make([]*pendingChunk, 0, len(pf.chunks))
	for _, pc := range pf.chunks {
		if !pc.failed && pc.embedding != nil {
			good = append(good, pc)
		}
	}

	for start := 0; start < len(good); start += UpsertBatchSize {
		end := min(start+UpsertBatchSize, len(good))
		batch := good[start:end]

		ids := make([]string, len(batch))
		docs := make([]string, len(batch))
		embeddings := make([][]float32, len(batch))
		metas := make([]vectorstore.Metadata, len(batch))
		for i, pc := range batch {
			ids[i] = pc.id
			docs[i] = pc.text
			embeddings[i] = pc.embedding
			metas[i] = pc.meta
		}

		if err := ix.store.Add(ctx, ids, docs, embeddings, metas); err != nil {
			return verrors.New(verrors.ErrCodeIndexFailed,
				fmt.Sprintf("cannot upsert chunks for %s", pf.path), err)
		}
	}

	ix.tracker.UpdateFile(pf.path, pf.hash, pf.size, pf.mtimeMs, len(good))
	report.FilesProcessed++
	report.ChunksCreated += len(good)
	return nil
}
