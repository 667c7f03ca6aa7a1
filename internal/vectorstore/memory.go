package vectorstore

import (
	"context"
	"sort"
	"sync"

	verrors "github.com/vection-dev/vection/internal/errors"
)

func init() {
	Register(ProviderInMemory, func(ctx context.Context, opts Options) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore is a brute-force in-memory store. Embeddings are unit-
// normalized on insert, so cosine distance is 1 - dot product. Query
// observes all prior Adds; the sorted scan happens per query (lazy, no
// index to rebuild).
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	dimension int
}

// Verify interface implementation at compile time.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Add upserts records by id.
func (s *MemoryStore) Add(ctx context.Context, ids []string, documents []string, embeddings [][]float32, metadatas []Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateAdd(ids, documents, embeddings, metadatas, s.dimension); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if s.dimension == 0 {
		for _, emb := range embeddings {
			if len(emb) != len(embeddings[0]) {
				return verrors.DimensionMismatch(len(embeddings[0]), len(emb))
			}
		}
		s.dimension = len(embeddings[0])
	}

	for i, id := range ids {
		vec := make([]float32, len(embeddings[i]))
		copy(vec, embeddings[i])
		s.records[id] = &Record{
			ID:        id,
			Document:  documents[i],
			Embedding: normalizeVector(vec),
			Metadata:  metadatas[i].Clone(),
		}
	}
	return nil
}

// Query returns the top-N records by cosine distance.
func (s *MemoryStore) Query(ctx context.Context, embedding []float32, n int, where Metadata) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 10
	}
	if len(s.records) == 0 {
		return &QueryResult{}, nil
	}
	if len(embedding) != s.dimension {
		return nil, verrors.DimensionMismatch(s.dimension, len(embedding))
	}

	query := make([]float32, len(embedding))
	copy(query, embedding)
	normalizeVector(query)

	type scored struct {
		rec  *Record
		dist float32
	}
	candidates := make([]scored, 0, len(s.records))
	for _, rec := range s.records {
		if where != nil && !rec.Metadata.Matches(where) {
			continue
		}
		candidates = append(candidates, scored{rec: rec, dist: cosineDistance(query, rec.Embedding)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].rec.ID < candidates[j].rec.ID
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}

	result := &QueryResult{
		IDs:       make([]string, len(candidates)),
		Documents: make([]string, len(candidates)),
		Metadatas: make([]Metadata, len(candidates)),
		Distances: make([]float32, len(candidates)),
	}
	for i, c := range candidates {
		result.IDs[i] = c.rec.ID
		result.Documents[i] = c.rec.Document
		result.Metadatas[i] = c.rec.Metadata.Clone()
		result.Distances[i] = c.dist
	}
	return result, nil
}

// Delete removes records by id or by metadata filter.
func (s *MemoryStore) Delete(ctx context.Context, ids []string, where Metadata) error {
	if len(ids) == 0 && where == nil {
		return verrors.Newf(verrors.ErrCodeInvalidInput, "delete requires ids or a metadata filter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.records, id)
	}
	if where != nil {
		for id, rec := range s.records {
			if rec.Metadata.Matches(where) {
				delete(s.records, id)
			}
		}
	}
	if len(s.records) == 0 {
		s.dimension = 0
	}
	return nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Dimension returns the recorded embedding dimension, 0 when empty.
func (s *MemoryStore) Dimension(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension, nil
}

// All returns a page of records ordered by id, without embeddings.
func (s *MemoryStore) All(ctx context.Context, offset, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]Record, 0, end-offset)
	for _, id := range ids[offset:end] {
		rec := s.records[id]
		out = append(out, Record{
			ID:       rec.ID,
			Document: rec.Document,
			Metadata: rec.Metadata.Clone(),
		})
	}
	return out, nil
}

// Reset removes all records.
func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.dimension = 0
	return nil
}

// Close releases resources.
func (s *MemoryStore) Close() error {
	return nil
}
