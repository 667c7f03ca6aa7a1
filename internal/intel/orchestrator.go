package intel

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/vection-dev/vection/internal/search"
)

// Retriever is the retrieval dependency of the orchestrator: hybrid
// search, or a bare dense adapter when hybrid is disabled.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) (*search.Results, error)
}

// Options configures one orchestrated query.
type Options struct {
	TopK             int
	Temperature      float64
	IncludeReasoning bool
	IncludeMetrics   bool
}

// Response is the orchestrator's output.
type Response struct {
	Query      string          `json:"query"`
	Answer     string          `json:"answer"`
	Confidence float64         `json:"confidence"`
	Sources    []Source        `json:"sources"`
	Citations  []string        `json:"citations"`
	Reasoning  *ReasoningChain `json:"reasoning,omitempty"`
	Metrics    *StageMetrics   `json:"metrics,omitempty"`
}

// Config toggles the orchestrator's stages.
type Config struct {
	UseUnderstanding      bool
	UseEvidenceExtraction bool
	UseReasoning          bool
	TopK                  int
	MinEvidence           int
}

// Orchestrator coordinates the five-stage intelligence pipeline. Each
// stage is optional and degrades to its minimal fallback.
type Orchestrator struct {
	retriever   Retriever
	reranker    search.Reranker // nil = no rerank
	understand  *Understander
	extractor   *Extractor
	reasoner    *Reasoner
	synthesizer *Synthesizer
	cfg         Config
}

// NewOrchestrator assembles the pipeline. The reranker may be nil.
func NewOrchestrator(retriever Retriever, reranker search.Reranker, synthesizer *Synthesizer, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}

	o := &Orchestrator{
		retriever:   retriever,
		reranker:    reranker,
		synthesizer: synthesizer,
		cfg:         cfg,
	}
	if cfg.UseUnderstanding {
		o.understand = NewUnderstander()
	}
	if cfg.UseEvidenceExtraction {
		o.extractor = NewExtractor()
	}
	if cfg.UseReasoning {
		o.reasoner = NewReasoner(cfg.MinEvidence)
	}
	return o
}

// Query executes the complete pipeline: understanding, retrieval,
// evidence extraction, reasoning, synthesis. Zero retrieval results
// short-circuit to the canned empty response with confidence 0.
func (o *Orchestrator) Query(ctx context.Context, queryText string, opts Options) (*Response, error) {
	started := time.Now()
	metrics := &StageMetrics{}

	topK := opts.TopK
	if topK <= 0 {
		topK = o.cfg.TopK
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = 0.3
	}

	// Stage 1: query understanding.
	stageStart := time.Now()
	var understood *UnderstoodQuery
	if o.understand != nil {
		understood = o.understand.Understand(queryText)
	} else {
		understood = MinimalQuery(queryText)
	}
	if len(understood.ExpandedQueries) == 0 {
		understood.ExpandedQueries = []string{queryText}
	}
	metrics.UnderstandingTime = time.Since(stageStart)
	metrics.Intent = string(understood.Intent)
	metrics.IntentConfidence = understood.IntentConfidence
	metrics.EntitiesFound = len(understood.Entities)

	// Stage 2: multi-query retrieval with optional rerank.
	stageStart = time.Now()
	chunks, reranked, err := o.retrieve(ctx, understood, topK)
	if err != nil {
		return nil, err
	}
	metrics.RetrievalTime = time.Since(stageStart)
	metrics.ChunksRetrieved = len(chunks)
	metrics.Reranked = reranked

	if len(chunks) == 0 {
		slog.Debug("orchestrator_empty_retrieval", slog.String("query", queryText))
		resp := &Response{
			Query:      queryText,
			Answer:     EmptyAnswer,
			Confidence: 0.0,
			Sources:    []Source{},
			Citations:  []string{},
		}
		if opts.IncludeMetrics {
			metrics.TotalTime = time.Since(started)
			resp.Metrics = metrics
		}
		return resp, nil
	}

	// Stage 3: evidence extraction.
	stageStart = time.Now()
	var evidenceSet *EvidenceSet
	if o.extractor != nil {
		evidenceSet = o.extractor.Extract(queryText, chunks)
	} else {
		evidenceSet = MinimalEvidence(queryText, chunks)
	}
	metrics.ExtractionTime = time.Since(stageStart)
	metrics.EvidenceExtracted = len(evidenceSet.Evidence)
	metrics.StrongEvidence = len(evidenceSet.StrongEvidence())
	metrics.HasContradictions = evidenceSet.HasContradictions()

	// Stage 4: chain-of-thought reasoning.
	stageStart = time.Now()
	var chain *ReasoningChain
	if o.reasoner != nil {
		chain = o.reasoner.Reason(evidenceSet)
	} else {
		chain = MinimalChain(evidenceSet)
	}
	metrics.ReasoningTime = time.Since(stageStart)
	metrics.ReasoningSteps = len(chain.Steps)
	metrics.HasKnowledgeGaps = chain.HasGaps()
	metrics.FinalConfidence = chain.OverallConfidence
	if len(evidenceSet.Evidence) > 0 {
		metrics.EvidenceCoverage = float64(len(chain.EvidenceUsed)) / float64(len(evidenceSet.Evidence))
	}

	// Stage 5: response synthesis.
	stageStart = time.Now()
	synthesized := o.synthesizer.Synthesize(ctx, chain, evidenceSet, temperature)
	metrics.SynthesisTime = time.Since(stageStart)
	metrics.TotalTime = time.Since(started)

	resp := &Response{
		Query:      queryText,
		Answer:     synthesized.Answer,
		Confidence: synthesized.Confidence,
		Sources:    synthesized.Sources,
		Citations:  synthesized.Citations,
	}
	if opts.IncludeReasoning {
		resp.Reasoning = chain
	}
	if opts.IncludeMetrics {
		resp.Metrics = metrics
	}

	slog.Info("intelligent_query_complete",
		slog.Duration("total", metrics.TotalTime),
		slog.Float64("confidence", metrics.FinalConfidence),
		slog.Int("steps", metrics.ReasoningSteps))

	return resp, nil
}

// retrieve runs the retriever for each expanded query, merges results by
// id keeping the maximum fused score, and applies the reranker.
func (o *Orchestrator) retrieve(ctx context.Context, understood *UnderstoodQuery, topK int) ([]RetrievedChunk, bool, error) {
	type merged struct {
		chunk RetrievedChunk
		score float64
	}
	best := make(map[string]*merged)

	for _, q := range understood.ExpandedQueries {
		results, err := o.retriever.Search(ctx, q, topK)
		if err != nil {
			return nil, false, err
		}
		for i := range results.IDs {
			score := 0.0
			if i < len(results.HybridScores) {
				score = results.HybridScores[i]
			}
			id := results.IDs[i]
			if existing, ok := best[id]; ok {
				if score > existing.score {
					existing.score = score
				}
				continue
			}
			best[id] = &merged{
				chunk: RetrievedChunk{
					ID:       id,
					Document: results.Documents[i],
					Metadata: results.Metadatas[i],
					Distance: results.Distances[i],
				},
				score: score,
			}
		}
	}

	candidates := make([]*merged, 0, len(best))
	for _, m := range best {
		candidates = append(candidates, m)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].chunk.Distance != candidates[j].chunk.Distance {
			return candidates[i].chunk.Distance < candidates[j].chunk.Distance
		}
		return candidates[i].chunk.ID < candidates[j].chunk.ID
	})

	chunks := make([]RetrievedChunk, 0, len(candidates))
	for _, m := range candidates {
		chunks = append(chunks, m.chunk)
	}

	reranked := false
	if o.reranker != nil && len(chunks) > 1 {
		docs := make([]string, len(chunks))
		for i, c := range chunks {
			docs[i] = c.Document
		}
		ranked, err := o.reranker.Rerank(ctx, understood.Original, docs, topK)
		if err != nil {
			slog.Warn("rerank_failed",
				slog.String("error", err.Error()),
				slog.String("fallback", "fused order"))
		} else if len(ranked) > 0 {
			reordered := make([]RetrievedChunk, 0, len(ranked))
			for _, r := range ranked {
				c := chunks[r.Index]
				c.Distance = search.ScoreToDistance(r.Score)
				reordered = append(reordered, c)
			}
			chunks = reordered
			reranked = true
		}
	}

	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, reranked, nil
}
