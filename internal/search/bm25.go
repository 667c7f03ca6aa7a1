// Package search provides hybrid retrieval: a BM25 keyword index over the
// vector store's documents fused with dense nearest-neighbor results via
// Reciprocal Rank Fusion, plus rerankers and the bounded query cache.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/vection-dev/vection/internal/vectorstore"
)

// BM25 index tuning.
const (
	// countTTL bounds how often the index re-checks the store count.
	countTTL = 30 * time.Second

	// rebuildPageSize is the store scan page size during rebuilds of
	// large stores.
	rebuildPageSize = 1000

	// largeStoreThreshold switches rebuilds to paged scanning.
	largeStoreThreshold = 10000
)

// bleveDoc is the document shape indexed into bleve.
type bleveDoc struct {
	Content string `json:"content"`
}

// SparseResult is one BM25 hit.
type SparseResult struct {
	ID    string
	Score float64
}

// BM25Index is a lazily built keyword index over the store's documents.
// It rebuilds itself when the observed store count changes; a short TTL
// cache keeps count checks off the per-query path.
type BM25Index struct {
	store vectorstore.Store

	mu          sync.Mutex
	index       bleve.Index
	docs        map[string]string               // id -> document text
	metas       map[string]vectorstore.Metadata // id -> metadata
	builtCount  int
	lastCountAt time.Time
	cachedCount int
}

// NewBM25Index creates an index bound to a store. Nothing is built until
// the first search.
func NewBM25Index(store vectorstore.Store) *BM25Index {
	return &BM25Index{
		store: store,
		docs:  make(map[string]string),
		metas: make(map[string]vectorstore.Metadata),
	}
}

// Search returns BM25-scored matches for the query, rebuilding the index
// first if the store contents changed.
func (b *BM25Index) Search(ctx context.Context, query string, limit int) ([]SparseResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureBuilt(ctx); err != nil {
		return nil, err
	}
	if b.index == nil || b.builtCount == 0 {
		return nil, nil
	}

	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")
	req := bleve.NewSearchRequestOptions(mq, limit, 0, false)

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	out := make([]SparseResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, SparseResult{ID: hit.ID, Score: hit.Score})
	}
	return out, nil
}

// Lookup returns the indexed document and metadata for an id, for results
// that only surfaced through the sparse ranker.
func (b *BM25Index) Lookup(id string) (string, vectorstore.Metadata, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[id]
	if !ok {
		return "", nil, false
	}
	return doc, b.metas[id], true
}

// Invalidate forces a rebuild on the next search.
func (b *BM25Index) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builtCount = 0
	b.lastCountAt = time.Time{}
	if b.index != nil {
		_ = b.index.Close()
		b.index = nil
	}
}

// ensureBuilt rebuilds the index when the store count changed since the
// last build. Caller holds the lock.
func (b *BM25Index) ensureBuilt(ctx context.Context) error {
	count, err := b.storeCount(ctx)
	if err != nil {
		return err
	}
	if b.index != nil && count == b.builtCount {
		return nil
	}

	started := time.Now()
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return fmt.Errorf("create bm25 index: %w", err)
	}

	docs := make(map[string]string, count)
	metas := make(map[string]vectorstore.Metadata, count)

	pageSize := count
	if count > largeStoreThreshold {
		pageSize = rebuildPageSize
	}
	if pageSize <= 0 {
		pageSize = rebuildPageSize
	}

	batch := idx.NewBatch()
	for offset := 0; ; offset += pageSize {
		records, err := b.store.All(ctx, offset, pageSize)
		if err != nil {
			_ = idx.Close()
			return fmt.Errorf("scan store for bm25 rebuild: %w", err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if err := batch.Index(rec.ID, bleveDoc{Content: rec.Document}); err != nil {
				_ = idx.Close()
				return fmt.Errorf("index document %q: %w", rec.ID, err)
			}
			docs[rec.ID] = rec.Document
			metas[rec.ID] = rec.Metadata
		}
		if len(records) < pageSize {
			break
		}
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return fmt.Errorf("commit bm25 batch: %w", err)
	}

	if b.index != nil {
		_ = b.index.Close()
	}
	b.index = idx
	b.docs = docs
	b.metas = metas
	b.builtCount = count

	slog.Debug("bm25_rebuilt",
		slog.Int("documents", count),
		slog.Duration("took", time.Since(started)))
	return nil
}

// storeCount returns the store count with TTL caching.
func (b *BM25Index) storeCount(ctx context.Context) (int, error) {
	if time.Since(b.lastCountAt) < countTTL {
		return b.cachedCount, nil
	}
	count, err := b.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	b.cachedCount = count
	b.lastCountAt = time.Now()
	return count, nil
}

// Close releases the underlying index.
func (b *BM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil {
		err := b.index.Close()
		b.index = nil
		return err
	}
	return nil
}
