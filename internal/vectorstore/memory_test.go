package vectorstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/vection-dev/vection/internal/errors"
)

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func addDocs(t *testing.T, s Store, n, dim int) {
	t.Helper()
	ids := make([]string, n)
	docs := make([]string, n)
	embeddings := make([][]float32, n)
	metas := make([]Metadata, n)
	for i := 0; i < n; i++ {
		ids[i] = ChunkIDForTest("file.go", i)
		docs[i] = "document body"
		embeddings[i] = unitVec(dim, i%dim)
		metas[i] = Metadata{KeyPath: String("file.go"), KeyChunkIndex: Int(int64(i))}
	}
	require.NoError(t, s.Add(context.Background(), ids, docs, embeddings, metas))
}

// ChunkIDForTest mirrors the indexer's "<path>#<index>" id form.
func ChunkIDForTest(path string, i int) string {
	return path + "#" + string(rune('0'+i))
}

func TestMemoryStoreAddAndQuery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx,
		[]string{"a#0", "b#0"},
		[]string{"alpha text", "beta text"},
		[][]float32{unitVec(4, 0), unitVec(4, 1)},
		[]Metadata{
			{KeyPath: String("a.md")},
			{KeyPath: String("b.md")},
		}))

	res, err := s.Query(ctx, unitVec(4, 0), 2, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())

	assert.Equal(t, "a#0", res.IDs[0], "identical direction must rank first")
	assert.InDelta(t, 0.0, res.Distances[0], 1e-5)
	assert.InDelta(t, 1.0, res.Distances[1], 1e-5, "orthogonal vector has distance 1")
}

func TestMemoryStoreUpsertIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Add(ctx,
			[]string{"x#0"},
			[]string{"same"},
			[][]float32{unitVec(4, 0)},
			[]Metadata{{}}))
	}

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "same-id add must upsert, not duplicate")
}

func TestMemoryStoreWhereFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx,
		[]string{"a#0", "b#0"},
		[]string{"from a", "from b"},
		[][]float32{unitVec(4, 0), unitVec(4, 0)},
		[]Metadata{
			{KeyPath: String("a.md")},
			{KeyPath: String("b.md")},
		}))

	res, err := s.Query(ctx, unitVec(4, 0), 10, PathFilter("b.md"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	assert.Equal(t, "b#0", res.IDs[0])
}

func TestMemoryStoreDeleteByWhere(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	addDocs(t, s, 3, 8)

	require.NoError(t, s.Delete(ctx, nil, PathFilter("file.go")))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStoreDeleteRequiresSelector(t *testing.T) {
	s := NewMemoryStore()
	err := s.Delete(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestMemoryStoreDimensionGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []string{"a"}, []string{"doc"},
		[][]float32{unitVec(4, 0)}, []Metadata{{}}))

	err := s.Add(ctx, []string{"b"}, []string{"doc"},
		[][]float32{unitVec(8, 0)}, []Metadata{{}})
	require.Error(t, err)
	assert.True(t, verrors.IsCode(err, verrors.ErrCodeDimensionMismatch))

	dim, err := s.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, dim)
}

func TestMemoryStoreEmptyQueryAndReset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res, err := s.Query(ctx, unitVec(4, 0), 5, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Len())

	addDocs(t, s, 2, 4)
	require.NoError(t, s.Reset(ctx))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	dim, err := s.Dimension(ctx)
	require.NoError(t, err)
	assert.Zero(t, dim, "dimension resets with the store")
}

func TestMemoryStoreAllPaging(t *testing.T) {
	s := NewMemoryStore()
	addDocs(t, s, 5, 8)
	ctx := context.Background()

	page1, err := s.All(ctx, 0, 3)
	require.NoError(t, err)
	page2, err := s.All(ctx, 3, 3)
	require.NoError(t, err)

	assert.Len(t, page1, 3)
	assert.Len(t, page2, 2)
	assert.Less(t, page1[0].ID, page1[1].ID, "pages are ordered by id")
}

func TestMetadataValueJSONRoundTrip(t *testing.T) {
	meta := Metadata{
		"path":        String("a/b.go"),
		"chunk_index": Int(3),
		"score":       Float(0.5),
		"is_code":     Bool(true),
	}

	data, err := json.Marshal(meta)
	require.NoError(t, err)

	var decoded Metadata
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.True(t, decoded.Matches(meta))
	assert.True(t, meta.Matches(decoded))

	n, ok := decoded["chunk_index"].AsInt()
	require.True(t, ok, "integral JSON numbers decode as ints")
	assert.Equal(t, int64(3), n)
}

func TestMetadataValidateReserved(t *testing.T) {
	bad := Metadata{KeyChunkIndex: String("not an int")}
	require.Error(t, bad.ValidateReserved())

	good := Metadata{KeyChunkIndex: Int(1), KeyPath: String("x")}
	require.NoError(t, good.ValidateReserved())
}

func TestAddLengthMismatch(t *testing.T) {
	s := NewMemoryStore()
	err := s.Add(context.Background(), []string{"a"}, []string{"x", "y"},
		[][]float32{unitVec(4, 0)}, []Metadata{{}})
	require.Error(t, err)
}
