package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseCombinesRankers(t *testing.T) {
	dense := []denseInput{
		{ID: "a", Distance: 0.1},
		{ID: "b", Distance: 0.3},
		{ID: "c", Distance: 0.5},
	}
	sparse := []SparseResult{
		{ID: "b", Score: 9.0},
		{ID: "d", Score: 5.0},
	}

	results := fuse(dense, sparse, 60)
	require.Len(t, results, 4)

	// "b" appears in both rankers and must outrank everything.
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, 1, results[0].SparseRank)
	assert.Equal(t, 2, results[0].DenseRank)

	expected := 1.0/float64(60+2) + 1.0/float64(60+1)
	assert.InDelta(t, expected, results[0].Score, 1e-12)
}

func TestFuseStableOrdering(t *testing.T) {
	dense := []denseInput{
		{ID: "x", Distance: 0.2},
		{ID: "y", Distance: 0.4},
	}
	sparse := []SparseResult{{ID: "z", Score: 3.0}}

	first := fuse(dense, sparse, 60)
	for i := 0; i < 10; i++ {
		again := fuse(dense, sparse, 60)
		require.Equal(t, first, again, "same inputs must produce the same ranking")
	}
}

func TestFuseTieBreakByDistanceThenID(t *testing.T) {
	// Two dense-only results at the same rank position in different
	// hypothetical lists can't tie; construct a tie via equal ranks in
	// separate rankers instead: dense rank 1 vs sparse rank 1.
	dense := []denseInput{{ID: "dense_only", Distance: 0.2}}
	sparse := []SparseResult{{ID: "sparse_only", Score: 5.0}}

	results := fuse(dense, sparse, 60)
	require.Len(t, results, 2)

	// Equal RRF contributions: the dense result's lower distance wins.
	assert.Equal(t, results[0].Score, results[1].Score)
	assert.Equal(t, "dense_only", results[0].ID)

	// With equal distances too, ascending id decides.
	denseA := []denseInput{{ID: "bbb", Distance: 2}}
	sparseA := []SparseResult{{ID: "aaa", Score: 1.0}}
	tied := fuse(denseA, sparseA, 60)
	require.Len(t, tied, 2)
	assert.Equal(t, "aaa", tied[0].ID)
}

func TestFuseEmptyInputs(t *testing.T) {
	assert.Empty(t, fuse(nil, nil, 60))

	onlyDense := fuse([]denseInput{{ID: "a", Distance: 0.1}}, nil, 60)
	require.Len(t, onlyDense, 1)
	assert.Equal(t, "a", onlyDense[0].ID)

	onlySparse := fuse(nil, []SparseResult{{ID: "b", Score: 2}}, 60)
	require.Len(t, onlySparse, 1)
	assert.Equal(t, float32(2), onlySparse[0].Distance, "sparse-only results carry the worst distance")
}

func TestFuseDefaultK(t *testing.T) {
	results := fuse([]denseInput{{ID: "a"}}, nil, 0)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0/61.0, results[0].Score, 1e-12)
}
