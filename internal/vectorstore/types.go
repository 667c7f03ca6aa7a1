// Package vectorstore provides pluggable vector storage for Vection.
// All backends honor the same contract: idempotent per-id upsert, top-N
// nearest-neighbor query by cosine distance, metadata-filtered delete, and
// reset. Backends are resolved by name through a registry.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	verrors "github.com/vection-dev/vection/internal/errors"
)

// Provider names understood by the registry.
const (
	ProviderInMemory        = "in_memory"
	ProviderLocalPersistent = "local_persistent"
	ProviderRemoteSQL       = "remote_sql"
)

// Reserved metadata keys validated on insert.
const (
	KeyPath       = "path"
	KeyChunkIndex = "chunk_index"
	KeyType       = "type"
	KeyFileSize   = "file_size"
	KeyFileHash   = "file_hash"
	KeyStartLine  = "start_line"
	KeyEndLine    = "end_line"
	KeyIndexedAt  = "indexed_at"
)

// Kind discriminates the scalar types a metadata Value can hold.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// Value is a tagged scalar: one of string, int, float, or bool.
// Chunk metadata maps string keys to Values.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int wraps an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the value's discriminant.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string value and whether the kind matches.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsInt returns the integer value and whether the kind matches.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float value and whether the kind matches.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsBool returns the boolean value and whether the kind matches.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	}
	return false
}

// Raw returns the underlying scalar as an any, for display and encoding.
func (v Value) Raw() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	}
	return nil
}

// MarshalJSON encodes the scalar payload directly.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Raw())
}

// UnmarshalJSON decodes a JSON scalar into a tagged value.
// JSON numbers without a fractional part become integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch t := raw.(type) {
	case string:
		*v = String(t)
	case bool:
		*v = Bool(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			*v = Int(i)
		} else {
			f, err := t.Float64()
			if err != nil {
				return err
			}
			*v = Float(f)
		}
	default:
		return fmt.Errorf("metadata value must be a scalar, got %T", raw)
	}
	return nil
}

// Metadata maps string keys to scalar values.
type Metadata map[string]Value

// Matches reports whether every key/value pair of the filter is present
// and equal in m (conjunctive equality filter).
func (m Metadata) Matches(where Metadata) bool {
	for k, want := range where {
		got, ok := m[k]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

// PathFilter builds the common bare-path equality filter.
func PathFilter(path string) Metadata {
	return Metadata{KeyPath: String(path)}
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidateReserved checks that reserved keys carry the expected kinds.
func (m Metadata) ValidateReserved() error {
	expect := map[string]Kind{
		KeyPath:       KindString,
		KeyType:       KindString,
		KeyFileHash:   KindString,
		KeyIndexedAt:  KindString,
		KeyChunkIndex: KindInt,
		KeyFileSize:   KindInt,
		KeyStartLine:  KindInt,
		KeyEndLine:    KindInt,
	}
	for key, kind := range expect {
		if v, ok := m[key]; ok && v.Kind() != kind {
			return verrors.Newf(verrors.ErrCodeInvalidInput,
				"reserved metadata key %q has wrong type", key)
		}
	}
	return nil
}

// Record is one stored entry.
type Record struct {
	ID        string
	Document  string
	Embedding []float32
	Metadata  Metadata
}

// QueryResult holds the top-N results of a nearest-neighbor query,
// parallel slices ordered by ascending cosine distance.
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []Metadata
	Distances []float32
}

// Len returns the number of results.
func (r *QueryResult) Len() int { return len(r.IDs) }

// Store is the pluggable vector store contract.
// Cosine distance is canonical: 0 = identical direction, 2 = opposite.
type Store interface {
	// Add upserts records by id. Slice lengths must match; embeddings must
	// match the store's recorded dimension once it is non-empty.
	Add(ctx context.Context, ids []string, documents []string, embeddings [][]float32, metadatas []Metadata) error

	// Query returns the top-N records by cosine distance, optionally
	// restricted by a conjunctive equality filter over metadata.
	Query(ctx context.Context, embedding []float32, n int, where Metadata) (*QueryResult, error)

	// Delete removes records by id or by metadata filter. At least one of
	// ids/where must be supplied.
	Delete(ctx context.Context, ids []string, where Metadata) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Dimension returns the recorded embedding dimension, 0 when empty.
	Dimension(ctx context.Context) (int, error)

	// All returns a page of records (without embeddings) for index
	// rebuilds. Offset/limit paging; stable order by id.
	All(ctx context.Context, offset, limit int) ([]Record, error)

	// Reset removes all records and clears the recorded dimension.
	Reset(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// validateAdd checks the shared Add preconditions.
func validateAdd(ids, documents []string, embeddings [][]float32, metadatas []Metadata, dimension int) error {
	if len(ids) != len(documents) || len(ids) != len(embeddings) || len(ids) != len(metadatas) {
		return verrors.Newf(verrors.ErrCodeInvalidInput,
			"add length mismatch: ids=%d documents=%d embeddings=%d metadatas=%d",
			len(ids), len(documents), len(embeddings), len(metadatas))
	}
	for i, emb := range embeddings {
		if dimension > 0 && len(emb) != dimension {
			return verrors.DimensionMismatch(dimension, len(emb))
		}
		if len(emb) == 0 {
			return verrors.Newf(verrors.ErrCodeInvalidInput, "empty embedding for id %q", ids[i])
		}
	}
	for _, meta := range metadatas {
		if err := meta.ValidateReserved(); err != nil {
			return err
		}
	}
	return nil
}

// normalizeVector normalizes a vector to unit length in place and returns it.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// cosineDistance computes 1 - dot(a, b) for unit-normalized inputs,
// clamped into [0, 2].
func cosineDistance(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	d := 1.0 - dot
	if d < 0 {
		d = 0
	}
	if d > 2 {
		d = 2
	}
	return float32(d)
}
