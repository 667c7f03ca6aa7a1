package vectorstore

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	verrors "github.com/vection-dev/vection/internal/errors"
)

func init() {
	Register(ProviderLocalPersistent, func(ctx context.Context, opts Options) (Store, error) {
		return OpenPersistentStore(ctx, opts)
	})
}

// Persistent store file names inside the store directory.
const (
	persistentDBFile     = "chunks.db"
	persistentVectorFile = "vectors.hnsw"
	stateKeyDimension    = "embedding_dimension"
)

// PersistentStore combines an HNSW graph for nearest-neighbor search with a
// SQLite table for documents and metadata. Both live under one directory
// and are flushed after every batched Add.
type PersistentStore struct {
	mu    sync.RWMutex
	db    *sql.DB
	graph *hnsw.Graph[uint64]

	dir        string
	vectorPath string
	dimension  int

	// ID mapping (string <-> uint64) for the graph. Deletions are lazy:
	// the node stays in the graph but loses its mapping.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// persistentMeta stores graph ID mappings for persistence.
type persistentMeta struct {
	IDMap     map[string]uint64
	NextKey   uint64
	Dimension int
}

// Verify interface implementation at compile time.
var _ Store = (*PersistentStore)(nil)

// OpenPersistentStore opens (or creates) a persistent store directory.
func OpenPersistentStore(ctx context.Context, opts Options) (*PersistentStore, error) {
	if opts.Path == "" {
		return nil, verrors.ConfigError("local_persistent store requires a path", nil)
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot create store directory", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(opts.Path, persistentDBFile))
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot open store database", err)
	}

	// WAL must be set via PRAGMA for modernc.org/sqlite.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot configure store database", err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS chunks (
	id        TEXT PRIMARY KEY,
	document  TEXT NOT NULL,
	path      TEXT,
	metadata  TEXT NOT NULL,
	embedding BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, verrors.New(verrors.ErrCodeStoreUnavailable, "cannot create store schema", err)
	}

	s := &PersistentStore{
		db:         db,
		dir:        opts.Path,
		vectorPath: filepath.Join(opts.Path, persistentVectorFile),
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
	}

	if err := s.loadGraph(ctx); err != nil {
		slog.Warn("vector_graph_rebuild",
			slog.String("path", s.vectorPath),
			slog.String("reason", err.Error()))
		if err := s.rebuildGraph(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

// newGraph creates an HNSW graph with cosine distance.
func newGraph() *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25
	return graph
}

// loadGraph restores the graph and ID mappings from disk.
func (s *PersistentStore) loadGraph(ctx context.Context) error {
	metaPath := s.vectorPath + ".meta"

	metaFile, err := os.Open(metaPath)
	if os.IsNotExist(err) {
		return s.initEmptyOrRebuild(ctx)
	}
	if err != nil {
		return fmt.Errorf("open graph metadata: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta persistentMeta
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode graph metadata: %w", err)
	}

	graphFile, err := os.Open(s.vectorPath)
	if err != nil {
		return fmt.Errorf("open graph file: %w", err)
	}
	defer func() { _ = graphFile.Close() }()

	graph := newGraph()
	// bufio.Reader because Import requires io.ByteReader.
	if err := graph.Import(bufio.NewReader(graphFile)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	s.graph = graph
	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	s.dimension = meta.Dimension
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// initEmptyOrRebuild starts with a fresh graph, rebuilding from SQLite if
// rows already exist (graph file lost or never written).
func (s *PersistentStore) initEmptyOrRebuild(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		s.graph = newGraph()
		if v, err := s.getState(ctx, stateKeyDimension); err == nil && v != "" {
			fmt.Sscanf(v, "%d", &s.dimension)
		}
		return nil
	}
	return s.rebuildGraph(ctx)
}

// rebuildGraph reconstructs the HNSW graph from SQLite embeddings.
func (s *PersistentStore) rebuildGraph(ctx context.Context) error {
	s.graph = newGraph()
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.nextKey = 0
	s.dimension = 0

	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding FROM chunks ORDER BY id")
	if err != nil {
		return verrors.New(verrors.ErrCodeCorruptIndex, "cannot scan embeddings for rebuild", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec := decodeEmbedding(blob)
		if s.dimension == 0 {
			s.dimension = len(vec)
		}
		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}
	return rows.Err()
}

// Add upserts records by id and flushes both stores.
func (s *PersistentStore) Add(ctx context.Context, ids []string, documents []string, embeddings [][]float32, metadatas []Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if err := validateAdd(ids, documents, embeddings, metadatas, s.effectiveDimension()); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if len(s.idMap) == 0 {
		// First insert (or first after emptying) declares the dimension.
		// A fresh graph also sheds any orphaned nodes from lazy deletes.
		s.dimension = len(embeddings[0])
		s.graph = newGraph()
		s.nextKey = 0
		s.keyMap = make(map[uint64]string)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "cannot begin store transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks(id, document, path, metadata, embedding) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	document=excluded.document,
	path=excluded.path,
	metadata=excluded.metadata,
	embedding=excluded.embedding`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, id := range ids {
		metaJSON, err := json.Marshal(metadatas[i])
		if err != nil {
			return fmt.Errorf("encode metadata for %q: %w", id, err)
		}
		path := ""
		if v, ok := metadatas[i][KeyPath]; ok {
			path, _ = v.AsString()
		}

		vec := make([]float32, len(embeddings[i]))
		copy(vec, embeddings[i])
		normalizeVector(vec)

		if _, err := stmt.ExecContext(ctx, id, documents[i], path, string(metaJSON), encodeEmbedding(vec)); err != nil {
			return verrors.New(verrors.ErrCodeStoreUnavailable, "store insert failed", err)
		}

		// Lazy-replace in graph: orphan the old key, add a new node.
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}
		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}

	if err := s.setStateTx(ctx, tx, stateKeyDimension, fmt.Sprintf("%d", s.dimension)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "store commit failed", err)
	}

	return s.saveGraphLocked()
}

// Query returns the top-N records by cosine distance.
func (s *PersistentStore) Query(ctx context.Context, embedding []float32, n int, where Metadata) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if n <= 0 {
		n = 10
	}
	if len(s.idMap) == 0 {
		return &QueryResult{}, nil
	}
	if len(embedding) != s.dimension {
		return nil, verrors.DimensionMismatch(s.dimension, len(embedding))
	}

	query := make([]float32, len(embedding))
	copy(query, embedding)
	normalizeVector(query)

	// Over-fetch to survive orphaned nodes and metadata filtering.
	k := n * 2
	if where != nil {
		k = n * 8
	}
	if k > len(s.idMap)+64 {
		k = len(s.idMap) + 64
	}

	nodes := s.graph.Search(query, k)

	result := &QueryResult{}
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue // lazily deleted
		}

		doc, meta, err := s.loadRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if where != nil && !meta.Matches(where) {
			continue
		}

		result.IDs = append(result.IDs, id)
		result.Documents = append(result.Documents, doc)
		result.Metadatas = append(result.Metadatas, meta)
		result.Distances = append(result.Distances, clampDistance(s.graph.Distance(query, node.Value)))

		if result.Len() >= n {
			break
		}
	}
	return result, nil
}

// loadRow fetches one document + metadata from SQLite.
func (s *PersistentStore) loadRow(ctx context.Context, id string) (string, Metadata, error) {
	var doc, metaJSON string
	err := s.db.QueryRowContext(ctx, "SELECT document, metadata FROM chunks WHERE id = ?", id).Scan(&doc, &metaJSON)
	if err != nil {
		return "", nil, verrors.New(verrors.ErrCodeCorruptIndex,
			fmt.Sprintf("chunk %q present in graph but missing from database", id), err)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return "", nil, verrors.New(verrors.ErrCodeCorruptIndex, "cannot decode chunk metadata", err)
	}
	return doc, meta, nil
}

// Delete removes records by id or by metadata filter.
func (s *PersistentStore) Delete(ctx context.Context, ids []string, where Metadata) error {
	if len(ids) == 0 && where == nil {
		return verrors.Newf(verrors.ErrCodeInvalidInput, "delete requires ids or a metadata filter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	targets := append([]string(nil), ids...)
	if where != nil {
		matched, err := s.matchIDs(ctx, where)
		if err != nil {
			return err
		}
		targets = append(targets, matched...)
	}
	if len(targets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "cannot begin store transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range targets {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE id = ?", id); err != nil {
			return verrors.New(verrors.ErrCodeStoreUnavailable, "store delete failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "store commit failed", err)
	}

	for _, id := range targets {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
	if len(s.idMap) == 0 {
		// Empty again: drop orphaned graph nodes and the recorded
		// dimension so a different provider can repopulate.
		s.graph = newGraph()
		s.nextKey = 0
		s.dimension = 0
	}

	return s.saveGraphLocked()
}

// matchIDs resolves a metadata filter to chunk ids. A bare path filter uses
// the indexed column; anything else scans metadata.
func (s *PersistentStore) matchIDs(ctx context.Context, where Metadata) ([]string, error) {
	if len(where) == 1 {
		if v, ok := where[KeyPath]; ok {
			if path, isStr := v.AsString(); isStr {
				rows, err := s.db.QueryContext(ctx, "SELECT id FROM chunks WHERE path = ?", path)
				if err != nil {
					return nil, err
				}
				defer func() { _ = rows.Close() }()
				var out []string
				for rows.Next() {
					var id string
					if err := rows.Scan(&id); err != nil {
						return nil, err
					}
					out = append(out, id)
				}
				return out, rows.Err()
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, metadata FROM chunks")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, err
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			continue
		}
		if meta.Matches(where) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *PersistentStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}

// Dimension returns the recorded embedding dimension, 0 when empty.
func (s *PersistentStore) Dimension(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveDimension(), nil
}

func (s *PersistentStore) effectiveDimension() int {
	if len(s.idMap) == 0 {
		return 0
	}
	return s.dimension
}

// All returns a page of records ordered by id, without embeddings.
func (s *PersistentStore) All(ctx context.Context, offset, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document, metadata FROM chunks ORDER BY id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var metaJSON string
		if err := rows.Scan(&rec.ID, &rec.Document, &metaJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, verrors.New(verrors.ErrCodeCorruptIndex, "cannot decode chunk metadata", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reset removes all records and clears the recorded dimension.
func (s *PersistentStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "store reset failed", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM state"); err != nil {
		return verrors.New(verrors.ErrCodeStoreUnavailable, "store reset failed", err)
	}

	s.graph = newGraph()
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.nextKey = 0
	s.dimension = 0

	_ = os.Remove(s.vectorPath)
	_ = os.Remove(s.vectorPath + ".meta")
	return nil
}

// Close releases resources.
func (s *PersistentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return s.db.Close()
}

// saveGraphLocked persists the graph and ID mappings atomically
// (temp file + rename). Caller holds the write lock.
func (s *PersistentStore) saveGraphLocked() error {
	tmpPath := s.vectorPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.vectorPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	metaTmp := s.vectorPath + ".meta.tmp"
	metaFile, err := os.Create(metaTmp)
	if err != nil {
		return fmt.Errorf("create graph metadata: %w", err)
	}
	meta := persistentMeta{IDMap: s.idMap, NextKey: s.nextKey, Dimension: s.dimension}
	if err := gob.NewEncoder(metaFile).Encode(meta); err != nil {
		_ = metaFile.Close()
		_ = os.Remove(metaTmp)
		return fmt.Errorf("encode graph metadata: %w", err)
	}
	if err := metaFile.Close(); err != nil {
		_ = os.Remove(metaTmp)
		return err
	}
	return os.Rename(metaTmp, s.vectorPath+".meta")
}

// getState reads a value from the state table.
func (s *PersistentStore) getState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// setStateTx writes a value to the state table within a transaction.
func (s *PersistentStore) setStateTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO state(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		key, value)
	return err
}

// encodeEmbedding serializes a vector as little-endian float32 bytes.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeEmbedding deserializes little-endian float32 bytes.
func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// clampDistance keeps cosine distances in the canonical [0, 2] range.
func clampDistance(d float32) float32 {
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}
