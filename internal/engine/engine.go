// Package engine is the single entry point for callers: it owns the
// vector store, providers, tracker, and caches, and exposes index/query/
// intelligent-query operations over them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vection-dev/vection/internal/chunker"
	"github.com/vection-dev/vection/internal/config"
	"github.com/vection-dev/vection/internal/embed"
	verrors "github.com/vection-dev/vection/internal/errors"
	"github.com/vection-dev/vection/internal/indexer"
	"github.com/vection-dev/vection/internal/intel"
	"github.com/vection-dev/vection/internal/llm"
	"github.com/vection-dev/vection/internal/search"
	"github.com/vection-dev/vection/internal/tracker"
	"github.com/vection-dev/vection/internal/vectorstore"
)

// Engine owns the store, providers, tracker, and caches for the life of
// the process. Retrieval components hold shared read-mostly references;
// mutations pass through the single indexing pathway.
type Engine struct {
	cfg *config.Config

	store    vectorstore.Store
	embedder embed.Embedder
	fallback embed.Embedder
	llm      llm.Provider // nil = template synthesis
	trk      *tracker.Tracker

	hybrid       *search.HybridRetriever // nil when hybrid disabled
	dense        *denseRetriever
	reranker     search.Reranker // nil when reranking disabled
	cache        *search.QueryCache[cachedAnswer]
	cacheLookup  sync.Map // query key -> full fingerprint
	orchestrator *intel.Orchestrator

	// indexing is an async-aware mutex: a buffered slot that fails fast
	// with AlreadyIndexing when occupied.
	indexing chan struct{}

	closeOnce sync.Once
}

// cachedAnswer is one query cache entry.
type cachedAnswer struct {
	response   QueryResponse
	storeCount int
}

// New constructs the engine: providers, store via registry, and the
// optional retrieval/intelligence components per feature flags.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	embedder, err := embed.NewEmbedder(ctx, embed.FactoryConfig{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		Host:      cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
		CacheSize: cfg.Embedding.CacheSize,
	})
	if err != nil {
		return nil, err
	}

	// The LLM is optional: unreachable endpoints degrade to template
	// synthesis rather than failing construction.
	var provider llm.Provider
	candidate := llm.NewOllamaLLM(llm.OllamaConfig{
		Host:            cfg.LLM.BaseURL,
		Model:           cfg.LLM.Model,
		Timeout:         cfg.LLM.Timeout,
		GenerateTimeout: cfg.LLM.GenerateTimeout,
	})
	if candidate.Available(ctx) {
		provider = candidate
	} else {
		_ = candidate.Close()
		slog.Warn("llm_unreachable",
			slog.String("endpoint", cfg.LLM.BaseURL),
			slog.String("mode", "template synthesis"))
	}

	store, err := vectorstore.Open(ctx, cfg.Store.Provider, vectorstore.Options{
		Path:       cfg.Store.Path,
		Collection: cfg.Store.Collection,
		DSN:        cfg.Store.DSN,
		Dimension:  embedder.Dimension(),
	})
	if err != nil {
		embedder.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		fallback: embed.NewStaticEmbedder(embedder.Dimension()),
		llm:      provider,
		trk:      tracker.New(cfg.Store.Path),
		indexing: make(chan struct{}, 1),
	}

	e.dense = &denseRetriever{store: store, embedder: embedder}
	if cfg.Retrieval.UseHybrid {
		e.hybrid = search.NewHybridRetriever(store, embedder, cfg.Retrieval.RRFConstant)
	}

	if cfg.Retrieval.UseReranker {
		switch {
		case cfg.Retrieval.CrossEncoderURL != "":
			e.reranker = search.NewCrossEncoderReranker(
				cfg.Retrieval.CrossEncoderURL, cfg.Retrieval.CrossEncoderModel, cfg.Retrieval.RerankerTopK)
		case provider != nil:
			e.reranker = search.NewLLMReranker(provider, cfg.Retrieval.RerankerTopK)
		default:
			slog.Warn("reranker_unavailable",
				slog.String("reason", "no cross-encoder endpoint and no llm"))
		}
	}

	if cfg.Cache.Enabled {
		e.cache = search.NewQueryCache[cachedAnswer](cfg.Cache.Size, cfg.Cache.TTL)
	}

	if cfg.Intelligence.Enabled {
		e.orchestrator = intel.NewOrchestrator(
			e.retriever(),
			e.reranker,
			intel.NewSynthesizer(provider, 0),
			intel.Config{
				UseUnderstanding:      true,
				UseEvidenceExtraction: true,
				UseReasoning:          true,
				TopK:                  cfg.Retrieval.TopK,
			},
		)
	}

	return e, nil
}

// retriever returns the active retrieval path: hybrid when enabled,
// bare dense otherwise.
func (e *Engine) retriever() intel.Retriever {
	if e.hybrid != nil {
		return e.hybrid
	}
	return e.dense
}

// IndexOptions configures one index run.
type IndexOptions struct {
	Root             string
	Rebuild          bool
	Exclude          []string
	Include          []string
	Files            []string
	QualityThreshold float64
}

// Index delegates to the indexer. Concurrent invocations on the same
// store fail fast with AlreadyIndexing.
func (e *Engine) Index(ctx context.Context, opts IndexOptions) (*indexer.Report, error) {
	select {
	case e.indexing <- struct{}{}:
		defer func() { <-e.indexing }()
	default:
		return nil, verrors.AlreadyIndexing()
	}

	ix := indexer.New(e.store, e.embedder, e.fallback, e.trk,
		chunker.New(chunker.Config{
			ChunkSize:    e.cfg.Chunking.ChunkSize,
			ChunkOverlap: e.cfg.Chunking.ChunkOverlap,
			MinChunkSize: e.cfg.Chunking.MinChunkSize,
			MaxChunkSize: e.cfg.Chunking.MaxChunkSize,
		}),
		indexer.Config{
			Root:             opts.Root,
			StoreDir:         e.cfg.Store.Path,
			EmbedBatch:       e.cfg.Embedding.BatchSize,
			MaxConcurrent:    e.cfg.Embedding.MaxConcurrent,
			ExcludeDirs:      opts.Exclude,
			IncludeExts:      opts.Include,
			Files:            opts.Files,
			QualityThreshold: opts.QualityThreshold,
		})

	var report *indexer.Report
	var err error
	if opts.Rebuild {
		report, err = ix.FullBuild(ctx, true)
	} else {
		report, err = ix.Update(ctx)
	}
	if err != nil {
		return report, err
	}

	// Store contents changed: sparse index and cached answers are stale.
	if e.hybrid != nil {
		e.hybrid.Invalidate()
	}
	if e.cache != nil {
		e.cache.Purge()
	}
	return report, nil
}

// AddDocuments bypasses the file walker for programmatic ingestion.
// Missing ids are generated as doc_<n> from the current store count.
func (e *Engine) AddDocuments(ctx context.Context, texts []string, ids []string, metadatas []vectorstore.Metadata) error {
	if len(texts) == 0 {
		return nil
	}
	if ids != nil && len(ids) != len(texts) {
		return verrors.Newf(verrors.ErrCodeInvalidInput, "ids length %d != texts length %d", len(ids), len(texts))
	}
	if metadatas != nil && len(metadatas) != len(texts) {
		return verrors.Newf(verrors.ErrCodeInvalidInput, "metadatas length %d != texts length %d", len(metadatas), len(texts))
	}

	if ids == nil {
		count, err := e.store.Count(ctx)
		if err != nil {
			return err
		}
		ids = make([]string, len(texts))
		for i := range texts {
			ids[i] = fmt.Sprintf("doc_%d", count+i)
		}
	}
	if metadatas == nil {
		metadatas = make([]vectorstore.Metadata, len(texts))
		for i := range metadatas {
			metadatas[i] = vectorstore.Metadata{}
		}
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return verrors.New(verrors.ErrCodeEmbeddingFailed, "cannot embed documents", err)
	}

	if err := e.store.Add(ctx, ids, texts, embeddings, metadatas); err != nil {
		return err
	}

	if e.hybrid != nil {
		e.hybrid.Invalidate()
	}
	if e.cache != nil {
		e.cache.Purge()
	}
	return nil
}

// QueryOptions configures one standard query.
type QueryOptions struct {
	TopK           int
	Temperature    float64
	IncludeSources bool
}

// SourceRef is one source in a query response.
type SourceRef struct {
	Index    int                  `json:"index"`
	Distance float32              `json:"distance"`
	Metadata vectorstore.Metadata `json:"metadata"`
}

// QueryResponse is the standard retrieval-generation result.
type QueryResponse struct {
	Answer  string      `json:"answer"`
	Sources []SourceRef `json:"sources"`
	Context string      `json:"context"`
	Cached  bool        `json:"cached"`
}

// Query runs the standard path: cache, retrieve, optional rerank,
// generate. An empty store returns the canned empty response.
func (e *Engine) Query(ctx context.Context, text string, opts QueryOptions) (*QueryResponse, error) {
	if strings.TrimSpace(text) == "" {
		return nil, verrors.Newf(verrors.ErrCodeQueryEmpty, "query must not be empty")
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = e.cfg.Retrieval.TopK
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}

	qkey := search.Fingerprint(text, topK, nil, 0)

	if e.cache != nil {
		if resp, ok := e.cacheHit(ctx, qkey); ok {
			return resp, nil
		}
	}

	results, err := e.retriever().Search(ctx, text, topK)
	if err != nil {
		return nil, err
	}

	if results.Len() == 0 {
		return &QueryResponse{
			Answer:  intel.EmptyAnswer,
			Sources: []SourceRef{},
		}, nil
	}

	if e.reranker != nil && results.Len() > 1 {
		results = e.rerankResults(ctx, text, results, topK)
	}

	contextText := buildContext(results)
	answer := e.generate(ctx, text, contextText, temperature)

	resp := &QueryResponse{
		Answer:  answer,
		Context: contextText,
	}
	if opts.IncludeSources {
		for i := range results.IDs {
			resp.Sources = append(resp.Sources, SourceRef{
				Index:    i,
				Distance: results.Distances[i],
				Metadata: results.Metadatas[i],
			})
		}
	}

	if e.cache != nil {
		e.cacheStore(ctx, qkey, text, topK, results.IDs, *resp)
	}

	return resp, nil
}

// cacheHit checks the two-level cache: query key to fingerprint, then
// fingerprint to entry, validated against the current store count.
func (e *Engine) cacheHit(ctx context.Context, qkey string) (*QueryResponse, bool) {
	fpAny, ok := e.cacheLookup.Load(qkey)
	if !ok {
		return nil, false
	}
	entry, ok := e.cache.Get(fpAny.(string))
	if !ok {
		return nil, false
	}
	count, err := e.store.Count(ctx)
	if err != nil || count != entry.storeCount {
		return nil, false
	}
	resp := entry.response
	resp.Cached = true
	return &resp, true
}

// cacheStore records an answer under its content fingerprint.
func (e *Engine) cacheStore(ctx context.Context, qkey, query string, topK int, sourceIDs []string, resp QueryResponse) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return
	}
	fp := search.Fingerprint(query, topK, sourceIDs, count)
	e.cache.Add(fp, cachedAnswer{response: resp, storeCount: count})
	e.cacheLookup.Store(qkey, fp)
}

// rerankResults reorders retrieval results and maps reranker scores back
// onto the distance channel.
func (e *Engine) rerankResults(ctx context.Context, query string, results *search.Results, topK int) *search.Results {
	ranked, err := e.reranker.Rerank(ctx, query, results.Documents, topK)
	if err != nil || len(ranked) == 0 {
		if err != nil {
			slog.Warn("rerank_failed", slog.String("error", err.Error()))
		}
		return results
	}

	out := &search.Results{}
	for _, r := range ranked {
		out.IDs = append(out.IDs, results.IDs[r.Index])
		out.Documents = append(out.Documents, results.Documents[r.Index])
		out.Metadatas = append(out.Metadatas, results.Metadatas[r.Index])
		out.Distances = append(out.Distances, search.ScoreToDistance(r.Score))
		if r.Index < len(results.HybridScores) {
			out.HybridScores = append(out.HybridScores, results.HybridScores[r.Index])
		}
	}
	return out
}

// generate produces the answer from the retrieved context, falling back
// to a template when the LLM is absent or fails.
func (e *Engine) generate(ctx context.Context, query, contextText string, temperature float64) string {
	if e.llm == nil {
		return templateAnswer(contextText)
	}

	prompt := fmt.Sprintf(
		"Answer the question using only the context below. If the context does not contain the answer, say so.\n\nContext:\n%s\n\nQuestion: %s\n\nAnswer:",
		contextText, query)

	answer, err := e.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: temperature,
	})
	if err != nil {
		slog.Warn("generation_failed",
			slog.String("error", err.Error()),
			slog.String("fallback", "template"))
		return templateAnswer(contextText)
	}
	return strings.TrimSpace(answer)
}

// IntelligentQuery runs the orchestrator path.
func (e *Engine) IntelligentQuery(ctx context.Context, text string, opts intel.Options) (*intel.Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, verrors.Newf(verrors.ErrCodeQueryEmpty, "query must not be empty")
	}
	if e.orchestrator == nil {
		return nil, verrors.ConfigError("intelligent queries are disabled (use_intelligent_rag=false)", nil)
	}
	return e.orchestrator.Query(ctx, text, opts)
}

// Stats summarizes the engine's state and configuration.
type Stats struct {
	ChunkCount     int    `json:"chunk_count"`
	TrackedFiles   int    `json:"tracked_files"`
	TrackedChunks  int    `json:"tracked_chunks"`
	Dimension      int    `json:"dimension"`
	EmbeddingModel string `json:"embedding_model"`
	LLMModel       string `json:"llm_model,omitempty"`
	StoreProvider  string `json:"store_provider"`
	HybridEnabled  bool   `json:"hybrid_enabled"`
	RerankEnabled  bool   `json:"rerank_enabled"`
	CacheEnabled   bool   `json:"cache_enabled"`
	IntelEnabled   bool   `json:"intelligent_rag_enabled"`
	LastIndexed    string `json:"last_indexed,omitempty"`
}

// Stats reports counts, models, dimensions, and feature flags.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	dim, err := e.store.Dimension(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ChunkCount:     count,
		TrackedFiles:   e.trk.FileCount(),
		TrackedChunks:  e.trk.TotalChunks(),
		Dimension:      dim,
		EmbeddingModel: e.embedder.ModelName(),
		StoreProvider:  e.cfg.Store.Provider,
		HybridEnabled:  e.hybrid != nil,
		RerankEnabled:  e.reranker != nil,
		CacheEnabled:   e.cache != nil,
		IntelEnabled:   e.orchestrator != nil,
		LastIndexed:    e.trk.LastUpdated(),
	}
	if e.llm != nil {
		stats.LLMModel = e.llm.ModelName()
	}
	return stats, nil
}

// Reset clears the store, tracker, caches, and sparse index.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.store.Reset(ctx); err != nil {
		return err
	}
	e.trk.Reset()
	if e.hybrid != nil {
		e.hybrid.Invalidate()
	}
	if e.cache != nil {
		e.cache.Purge()
	}
	return nil
}

// Close releases all owned resources.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.hybrid != nil {
			_ = e.hybrid.Close()
		}
		if e.llm != nil {
			_ = e.llm.Close()
		}
		_ = e.embedder.Close()
		err = e.store.Close()
	})
	return err
}

// buildContext joins retrieved documents for the generation prompt.
func buildContext(results *search.Results) string {
	var b strings.Builder
	for i, doc := range results.Documents {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		path := ""
		if v, ok := results.Metadatas[i][vectorstore.KeyPath]; ok {
			path, _ = v.AsString()
		}
		if path != "" {
			fmt.Fprintf(&b, "[%s]\n", path)
		}
		b.WriteString(doc)
	}
	return b.String()
}

// templateAnswer is the no-LLM fallback: the top context verbatim with a
// short preamble.
func templateAnswer(contextText string) string {
	const limit = 2000
	if len(contextText) > limit {
		contextText = contextText[:limit] + "\n..."
	}
	return "Based on the indexed content:\n\n" + contextText
}

// denseRetriever adapts the bare store to the retriever interface used by
// the orchestrator when hybrid search is disabled.
type denseRetriever struct {
	store    vectorstore.Store
	embedder embed.Embedder
}

// Search embeds the query and runs a dense nearest-neighbor lookup.
func (d *denseRetriever) Search(ctx context.Context, query string, topK int) (*search.Results, error) {
	vec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeEmbeddingFailed, "cannot embed query", err)
	}

	res, err := d.store.Query(ctx, vec, topK, nil)
	if err != nil {
		return nil, verrors.New(verrors.ErrCodeSearchFailed, "dense search failed", err)
	}

	out := &search.Results{
		IDs:       res.IDs,
		Documents: res.Documents,
		Metadatas: res.Metadatas,
		Distances: res.Distances,
	}
	for _, dist := range res.Distances {
		out.HybridScores = append(out.HybridScores, 1.0-float64(dist)/2.0)
	}
	return out, nil
}
