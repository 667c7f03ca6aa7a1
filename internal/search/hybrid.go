package search

import (
	"context"

	"github.com/vection-dev/vection/internal/embed"
	verrors "github.com/vection-dev/vection/internal/errors"
	"github.com/vection-dev/vection/internal/vectorstore"
)

// candidateCap bounds the per-ranker candidate pool fed into fusion.
const candidateCap = 50

// Results is the hybrid search output: parallel slices ordered by fused
// score, with the dense cosine distance preserved per result.
type Results struct {
	IDs          []string
	Documents    []string
	Metadatas    []vectorstore.Metadata
	Distances    []float32
	HybridScores []float64
}

// Len returns the number of results.
func (r *Results) Len() int { return len(r.IDs) }

// HybridRetriever combines BM25 sparse retrieval over the store's
// documents with the store's dense nearest-neighbor search, fused by RRF.
type HybridRetriever struct {
	store    vectorstore.Store
	embedder embed.Embedder
	bm25     *BM25Index
	rrfK     int
}

// NewHybridRetriever creates a hybrid retriever. The BM25 index builds
// lazily on first use.
func NewHybridRetriever(store vectorstore.Store, embedder embed.Embedder, rrfK int) *HybridRetriever {
	if rrfK <= 0 {
		rrfK = DefaultRRFConstant
	}
	return &HybridRetriever{
		store:    store,
		embedder: embedder,
		bm25:     NewBM25Index(store),
		rrfK:     rrfK,
	}
}

// Search runs dense and sparse retrieval for the query and returns the
// top-K fused results.
func (h *HybridRetriever) Search(ctx context.Context, query string, topK int) (*Results, error) {
	if topK <= 0 {
		topK = 10
	}

	queryVec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeEmbeddingFailed, "cannot embed query", err)
	}

	poolSize := min(topK*2, candidateCap)

	denseRes, err := h.store.Query(ctx, queryVec, poolSize, nil)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeSearchFailed, "dense search failed", err)
	}

	sparse, err := h.bm25.Search(ctx, query, poolSize)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeSearchFailed, "sparse search failed", err)
	}

	dense := make([]denseInput, denseRes.Len())
	denseLookup := make(map[string]int, denseRes.Len())
	for i, id := range denseRes.IDs {
		dense[i] = denseInput{ID: id, Distance: denseRes.Distances[i]}
		denseLookup[id] = i
	}

	fused := fuse(dense, sparse, h.rrfK)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	out := &Results{}
	for _, f := range fused {
		var doc string
		var meta vectorstore.Metadata

		if i, ok := denseLookup[f.ID]; ok {
			doc = denseRes.Documents[i]
			meta = denseRes.Metadatas[i]
		} else if d, m, ok := h.bm25.Lookup(f.ID); ok {
			doc = d
			meta = m
		} else {
			continue // disappeared between rankers; skip
		}

		out.IDs = append(out.IDs, f.ID)
		out.Documents = append(out.Documents, doc)
		out.Metadatas = append(out.Metadatas, meta)
		out.Distances = append(out.Distances, f.Distance)
		out.HybridScores = append(out.HybridScores, f.Score)
	}
	return out, nil
}

// Invalidate forces a BM25 rebuild on the next search.
func (h *HybridRetriever) Invalidate() {
	h.bm25.Invalidate()
}

// Close releases the BM25 index.
func (h *HybridRetriever) Close() error {
	return h.bm25.Close()
}
