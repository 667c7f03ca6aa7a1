package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	verrors "github.com/vection-dev/vection/internal/errors"
)

func init() {
	Register(ProviderRemoteSQL, func(ctx context.Context, opts Options) (Store, error) {
		return OpenPGStore(ctx, opts)
	})
}

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// PGStore persists records in Postgres with the pgvector extension.
// "remote" refers to the process boundary only: under local_only the DSN
// must point at loopback, which config validation enforces.
type PGStore struct {
	pool       *pgxpool.Pool
	table      string
	collection string

	mu        sync.Mutex
	dimension int
	ready     bool // table created
}

// Verify interface implementation at compile time.
var _ Store = (*PGStore)(nil)

// OpenPGStore connects to Postgres and prepares the collection.
func OpenPGStore(ctx context.Context, opts Options) (*PGStore, error) {
	if opts.DSN == "" {
		return nil, verrors.ConfigError("remote_sql store requires a dsn", nil)
	}
	collection := opts.Collection
	if collection == "" {
		collection = "default"
	}
	if !collectionNamePattern.MatchString(collection) {
		return nil, verrors.ConfigError(fmt.Sprintf("invalid collection name %q", collection), nil)
	}

	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot connect to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "postgres ping failed", err)
	}

	s := &PGStore{
		pool:       pool,
		table:      "vection_" + collection,
		collection: collection,
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot enable pgvector extension", err)
	}
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS vection_collections (
	collection TEXT PRIMARY KEY,
	dimension  INT NOT NULL
)`); err != nil {
		pool.Close()
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot create collections table", err)
	}

	// Recover a previously declared dimension.
	var dim int
	err = pool.QueryRow(ctx,
		`SELECT dimension FROM vection_collections WHERE collection = $1`, collection).Scan(&dim)
	switch err {
	case nil:
		s.dimension = dim
		if err := s.ensureTable(ctx, dim); err != nil {
			pool.Close()
			return nil, err
		}
	case pgx.ErrNoRows:
		// Fresh collection; table is created on first Add.
	default:
		pool.Close()
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot read collection dimension", err)
	}

	if opts.Dimension > 0 && s.dimension == 0 {
		if err := s.declareDimension(ctx, opts.Dimension); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// ensureTable creates the collection table for a known dimension.
func (s *PGStore) ensureTable(ctx context.Context, dim int) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id        TEXT PRIMARY KEY,
	document  TEXT NOT NULL,
	metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding vector(%d) NOT NULL
)`, s.table, dim))
	if err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "cannot create collection table", err)
	}
	s.ready = true
	return nil
}

// declareDimension records the collection dimension and creates the table.
func (s *PGStore) declareDimension(ctx context.Context, dim int) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO vection_collections(collection, dimension) VALUES($1, $2)
ON CONFLICT (collection) DO UPDATE SET dimension = EXCLUDED.dimension`, s.collection, dim); err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "cannot record collection dimension", err)
	}
	s.dimension = dim
	return s.ensureTable(ctx, dim)
}

// Add upserts records by id.
func (s *PGStore) Add(ctx context.Context, ids []string, documents []string, embeddings [][]float32, metadatas []Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateAdd(ids, documents, embeddings, metadatas, s.dimension); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if s.dimension == 0 {
		if err := s.declareDimension(ctx, len(embeddings[0])); err != nil {
			return err
		}
	}
	if !s.ready {
		if err := s.ensureTable(ctx, s.dimension); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	sql := fmt.Sprintf(`
INSERT INTO %s(id, document, metadata, embedding) VALUES($1, $2, $3, $4::vector)
ON CONFLICT (id) DO UPDATE SET
	document = EXCLUDED.document,
	metadata = EXCLUDED.metadata,
	embedding = EXCLUDED.embedding`, s.table)

	for i, id := range ids {
		metaJSON, err := json.Marshal(metadatas[i])
		if err != nil {
			return fmt.Errorf("encode metadata for %q: %w", id, err)
		}
		vec := make([]float32, len(embeddings[i]))
		copy(vec, embeddings[i])
		normalizeVector(vec)
		batch.Queue(sql, id, documents[i], metaJSON, toVectorLiteral(vec))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range ids {
		if _, err := results.Exec(); err != nil {
			return verrors.New(verrors.ErrCodeStoreUnavailable, "store upsert failed", err)
		}
	}
	return nil
}

// Query returns the top-N records by cosine distance.
func (s *PGStore) Query(ctx context.Context, embedding []float32, n int, where Metadata) (*QueryResult, error) {
	s.mu.Lock()
	dim := s.dimension
	ready := s.ready
	s.mu.Unlock()

	if !ready {
		return &QueryResult{}, nil
	}
	if n <= 0 {
		n = 10
	}
	if len(embedding) != dim {
		return nil, verrors.DimensionMismatch(dim, len(embedding))
	}

	query := make([]float32, len(embedding))
	copy(query, embedding)
	normalizeVector(query)
	vecLit := toVectorLiteral(query)

	args := []any{vecLit, n}
	filter := ""
	if len(where) > 0 {
		whereJSON, err := json.Marshal(where)
		if err != nil {
			return nil, err
		}
		filter = "WHERE metadata @> $3::jsonb"
		args = append(args, whereJSON)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, document, metadata, embedding <=> $1::vector AS distance
FROM %s %s
ORDER BY embedding <=> $1::vector
LIMIT $2`, s.table, filter), args...)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "store query failed", err)
	}
	defer rows.Close()

	result := &QueryResult{}
	for rows.Next() {
		var id, doc string
		var metaJSON []byte
		var distance float64
		if err := rows.Scan(&id, &doc, &metaJSON, &distance); err != nil {
			return nil, err
		}
		var meta Metadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, verrors.New(verrors.ErrCodeCorruptIndex, "cannot decode chunk metadata", err)
		}
		result.IDs = append(result.IDs, id)
		result.Documents = append(result.Documents, doc)
		result.Metadatas = append(result.Metadatas, meta)
		result.Distances = append(result.Distances, clampDistance(float32(distance)))
	}
	return result, rows.Err()
}

// Delete removes records by id or by metadata filter.
func (s *PGStore) Delete(ctx context.Context, ids []string, where Metadata) error {
	if len(ids) == 0 && where == nil {
		return verrors.Newf(verrors.ErrCodeInvalidInput, "delete requires ids or a metadata filter")
	}
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil
	}

	if len(ids) > 0 {
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.table), ids); err != nil {
			return verrors.New(verrors.ErrCodeStoreUnavailable, "store delete failed", err)
		}
	}
	if where != nil {
		whereJSON, err := json.Marshal(where)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE metadata @> $1::jsonb`, s.table), whereJSON); err != nil {
			return verrors.New(verrors.ErrCodeStoreUnavailable, "store delete failed", err)
		}
	}
	return nil
}

// Count returns the number of stored records.
func (s *PGStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return 0, nil
	}

	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&count)
	if err != nil {
		return 0, verrors.New(verrors.ErrCodeStoreUnavailable, "store count failed", err)
	}
	return count, nil
}

// Dimension returns the recorded embedding dimension, 0 when empty.
func (s *PGStore) Dimension(ctx context.Context) (int, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimension, nil
}

// All returns a page of records ordered by id, without embeddings.
func (s *PGStore) All(ctx context.Context, offset, limit int) ([]Record, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, document, metadata FROM %s ORDER BY id LIMIT $1 OFFSET $2`, s.table), limit, offset)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "store scan failed", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var metaJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Document, &metaJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, verrors.New(verrors.ErrCodeCorruptIndex, "cannot decode chunk metadata", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reset removes all records and clears the recorded dimension.
func (s *PGStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
			return verrors.New(verrors.ErrCodeStoreUnavailable, "store reset failed", err)
		}
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM vection_collections WHERE collection = $1`, s.collection); err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "store reset failed", err)
	}
	s.dimension = 0
	s.ready = false
	return nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// toVectorLiteral renders a pgvector input literal.
func toVectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
