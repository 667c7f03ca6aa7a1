package search

import "sort"

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains.
const DefaultRRFConstant = 60

// denseInput is one ranked dense result fed into fusion.
type denseInput struct {
	ID       string
	Distance float32
}

// FusedResult is a single result after Reciprocal Rank Fusion.
type FusedResult struct {
	ID         string
	Score      float64 // combined RRF score
	DenseRank  int     // 1-indexed, 0 if absent
	SparseRank int     // 1-indexed, 0 if absent
	Distance   float32 // dense cosine distance (2 when sparse-only)
}

// fuse combines dense and sparse rankings using Reciprocal Rank Fusion:
//
//	score(id) = Σ 1 / (k + rank_r(id))
//
// over the rankers in which the id appears. Ties are broken by lower
// dense distance, then ascending id, so re-running with the same inputs
// always produces the same ordering.
func fuse(dense []denseInput, sparse []SparseResult, k int) []FusedResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	if len(dense) == 0 && len(sparse) == 0 {
		return []FusedResult{}
	}

	fused := make(map[string]*FusedResult, len(dense)+len(sparse))

	for rank, d := range dense {
		fused[d.ID] = &FusedResult{
			ID:        d.ID,
			Score:     1.0 / float64(k+rank+1),
			DenseRank: rank + 1,
			Distance:  d.Distance,
		}
	}

	for rank, s := range sparse {
		if r, ok := fused[s.ID]; ok {
			r.Score += 1.0 / float64(k+rank+1)
			r.SparseRank = rank + 1
			continue
		}
		fused[s.ID] = &FusedResult{
			ID:         s.ID,
			Score:      1.0 / float64(k+rank+1),
			SparseRank: rank + 1,
			Distance:   2, // no dense signal; worst cosine distance
		}
	}

	results := make([]FusedResult, 0, len(fused))
	for _, r := range fused {
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})

	return results
}
