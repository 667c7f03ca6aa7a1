package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	verrors "github.com/vection-dev/vection/internal/errors"
	"github.com/vection-dev/vection/internal/llm"
)

// Reranker tuning.
const (
	// DefaultMaxCandidates bounds reranker compute.
	DefaultMaxCandidates = 20

	// rerankerPoolSize bounds how many documents the LLM reranker scores
	// at once. Requests go through the provider's own HTTP client.
	rerankerPoolSize = 5

	// rerankerMaxConns is not applied by any code in this package; the
	// reranker sets no connection cap of its own.
	rerankerMaxConns = 10
)

// RankedDoc is one reranked candidate: the index into the input documents
// and a normalized relevance score in [0, 1].
type RankedDoc struct {
	Index int
	Score float64
}

// Reranker refines the ordering of retrieved candidates.
type Reranker interface {
	// Rerank scores (query, document) pairs and returns at most topK
	// entries sorted by descending score.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RankedDoc, error)
}

// ScoreToDistance maps a normalized reranker score back onto the distance
// channel so downstream code consumes one ordering axis.
func ScoreToDistance(score float64) float32 {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return float32(1 - score)
}

// CrossEncoderReranker scores candidates with a single batched call to a
// local cross-encoder endpoint.
type CrossEncoderReranker struct {
	client        *http.Client
	endpoint      string
	model         string
	maxCandidates int
}

// Verify interface implementation at compile time.
var _ Reranker = (*CrossEncoderReranker)(nil)

// crossEncoderRequest is the scoring request payload.
type crossEncoderRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// crossEncoderResponse is the scoring response payload.
type crossEncoderResponse struct {
	Scores []float64 `json:"scores"`
}

// NewCrossEncoderReranker creates a reranker against a local scoring
// endpoint. maxCandidates <= 0 uses the default of 20.
func NewCrossEncoderReranker(endpoint, model string, maxCandidates int) *CrossEncoderReranker {
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	return &CrossEncoderReranker{
		client:        &http.Client{Timeout: 10 * time.Second},
		endpoint:      endpoint,
		model:         model,
		maxCandidates: maxCandidates,
	}
}

// Rerank scores all candidates in one batched call.
func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RankedDoc, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	docs := documents
	if len(docs) > r.maxCandidates {
		docs = docs[:r.maxCandidates]
	}

	body, err := json.Marshal(crossEncoderRequest{Model: r.model, Query: query, Documents: docs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, verrors.ProviderUnavailable("cross-encoder request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, verrors.ProviderUnavailable(
			fmt.Sprintf("cross-encoder returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), nil)
	}

	var result crossEncoderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, verrors.ProviderUnavailable("cannot decode cross-encoder response", err)
	}
	if len(result.Scores) != len(docs) {
		return nil, verrors.Newf(verrors.ErrCodeSearchFailed,
			"cross-encoder returned %d scores for %d documents", len(result.Scores), len(docs))
	}

	ranked := make([]RankedDoc, len(docs))
	for i, score := range result.Scores {
		ranked[i] = RankedDoc{Index: i, Score: clamp01(score)}
	}
	return topRanked(ranked, topK), nil
}

// LLMReranker asks the generation model to rate each (query, document)
// pair 0-10, scoring documents concurrently over a pooled client.
type LLMReranker struct {
	provider      llm.Provider
	maxCandidates int
}

// Verify interface implementation at compile time.
var _ Reranker = (*LLMReranker)(nil)

// NewLLMReranker creates a reranker backed by the generation provider.
func NewLLMReranker(provider llm.Provider, maxCandidates int) *LLMReranker {
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	return &LLMReranker{provider: provider, maxCandidates: maxCandidates}
}

var ratingPattern = regexp.MustCompile(`\d+`)

// Rerank scores each document with a 0-10 rating prompt.
func (r *LLMReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RankedDoc, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	docs := documents
	if len(docs) > r.maxCandidates {
		docs = docs[:r.maxCandidates]
	}

	ranked := make([]RankedDoc, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rerankerPoolSize)

	for i, doc := range docs {
		g.Go(func() error {
			prompt := fmt.Sprintf(
				"Rate how relevant this document is to the query on a scale of 0 to 10.\n"+
					"Reply with only the integer.\n\nQuery: %s\n\nDocument:\n%s\n\nRating:",
				query, truncateDoc(doc, 1500))

			answer, err := r.provider.Generate(gctx, llm.GenerateRequest{
				Prompt:      prompt,
				Temperature: 0,
				MaxTokens:   8,
			})
			if err != nil {
				// One failed rating scores the document 0 instead of
				// failing the rerank.
				slog.Debug("llm_rerank_score_failed", slog.Int("doc", i), slog.String("error", err.Error()))
				ranked[i] = RankedDoc{Index: i, Score: 0}
				return nil
			}

			ranked[i] = RankedDoc{Index: i, Score: parseRating(answer)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return topRanked(ranked, topK), nil
}

// parseRating extracts the 0-10 integer from a model reply, normalized
// to [0, 1].
func parseRating(answer string) float64 {
	m := ratingPattern.FindString(answer)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	if n > 10 {
		n = 10
	}
	return float64(n) / 10.0
}

// truncateDoc bounds document text in rating prompts.
func truncateDoc(doc string, limit int) string {
	if len(doc) <= limit {
		return doc
	}
	return doc[:limit]
}

// topRanked sorts descending by score (ties by ascending index) and
// truncates to topK.
func topRanked(ranked []RankedDoc, topK int) []RankedDoc {
	out := append([]RankedDoc(nil), ranked...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Index < out[j].Index
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
