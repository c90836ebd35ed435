package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tribridrag/tribridrag/internal/embed"
	"github.com/tribridrag/tribridrag/internal/errors"
	"github.com/tribridrag/tribridrag/internal/graph"
	"github.com/tribridrag/tribridrag/internal/store"
)

// OrchestratorConfig configures the tri-brid retrieval orchestrator.
type OrchestratorConfig struct {
	OverallTimeout      time.Duration
	PerRetrieverTimeout time.Duration
	Fusion              FusionMethod
	RRFConstant         int
	Weights             Weights3
	GraphRetrieverCfg   GraphRetrieverConfig
	DefaultLimit        int
	ExpandSparseQuery   bool // apply code-vocabulary synonym expansion before BM25 search
}

// DefaultOrchestratorConfig returns sensible production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		OverallTimeout:      5 * time.Second,
		PerRetrieverTimeout: 3 * time.Second,
		Fusion:              FusionRRF,
		RRFConstant:         DefaultRRFConstant,
		Weights:             Weights3{ModalityVector: 1, ModalitySparse: 1, ModalityGraph: 1},
		GraphRetrieverCfg:   DefaultGraphRetrieverConfig(),
		DefaultLimit:        10,
		ExpandSparseQuery:   true,
	}
}

// Qwen3QueryInstruction is the instruction prefix Qwen3-family embedding
// models expect on queries (not on indexed documents) for optimal retrieval.
// See https://huggingface.co/Qwen/Qwen3-Embedding-0.6B.
const Qwen3QueryInstruction = "Instruct: Given a code search query, retrieve relevant code snippets that answer the query\nQuery:"

func formatQueryForEmbedding(query string) string {
	return Qwen3QueryInstruction + query
}

// TriBridResult is one ranked, enriched row from the orchestrator.
type TriBridResult struct {
	Chunk            *store.Chunk
	CommunitySummary string // set instead of Chunk when the hit is a community match
	FusedScore       float64
	RerankScore      float64
	PerModality      map[Modality]float64
	RankByModality    map[Modality]int
}

// Orchestrator fans a query out to the vector, sparse, and graph retrievers
// concurrently, each bounded by its own sub-deadline, fuses their rankings,
// and optionally reranks the fused top-K. It generalizes Engine.parallelSearch
// (internal/search/engine.go) from a two-way to a three-way scatter/gather.
type Orchestrator struct {
	vector   store.VectorStore
	bm25     store.BM25Index
	graphR   *GraphRetriever
	embedder embed.Embedder
	metadata store.MetadataStore
	reranker Reranker
	fusion   *TriFusion
	expander *QueryExpander
	cfg      OrchestratorConfig
}

// NewOrchestrator builds a tri-brid retrieval orchestrator. graphStore and
// embedder may be nil to disable the graph and vector modalities
// respectively; reranker may be nil (equivalent to NoOpReranker).
func NewOrchestrator(
	vector store.VectorStore,
	bm25 store.BM25Index,
	graphStore graph.Store,
	embedder embed.Embedder,
	metadata store.MetadataStore,
	reranker Reranker,
	cfg OrchestratorConfig,
) *Orchestrator {
	var gr *GraphRetriever
	if graphStore != nil {
		gr = NewGraphRetriever(graphStore, embedder, cfg.GraphRetrieverCfg)
	}
	if reranker == nil {
		reranker = &NoOpReranker{}
	}
	return &Orchestrator{
		vector:   vector,
		bm25:     bm25,
		graphR:   gr,
		embedder: embedder,
		metadata: metadata,
		reranker: reranker,
		fusion:   NewTriFusion(cfg.Fusion, cfg.RRFConstant),
		expander: NewQueryExpander(),
		cfg:      cfg,
	}
}

// Search runs the scatter/gather tri-brid retrieval for one query against
// one corpus and returns the fused, reranked, enriched top-K.
//
// A retriever that errors or times out is demoted to
// "returned nothing" rather than failing the whole query; only when every
// enabled retriever demotes does Search return AllRetrieversFailed.
func (o *Orchestrator) Search(ctx context.Context, corpusID, query string, limit int) ([]*TriBridResult, error) {
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}

	overallCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.OverallTimeout > 0 {
		overallCtx, cancel = context.WithTimeout(ctx, o.cfg.OverallTimeout)
		defer cancel()
	}

	rankings, failures := o.scatter(overallCtx, corpusID, query, limit)
	if len(rankings) == 0 {
		return nil, errors.AllRetrieversFailedError(
			fmt.Sprintf("all retrievers returned nothing for corpus %q", corpusID),
			fmt.Errorf("%v", failures),
		)
	}

	weights := NormalizeWeights(o.cfg.Weights, modalitiesOf(rankings))
	fused := o.fusion.Fuse(rankings, weights)

	if len(fused) > limit {
		fused = fused[:limit]
	}

	reranked := o.rerank(overallCtx, query, fused)
	return o.enrich(overallCtx, reranked)
}

func modalitiesOf(rankings []ModalityRanking) []Modality {
	out := make([]Modality, len(rankings))
	for i, r := range rankings {
		out[i] = r.Modality
	}
	return out
}

// scatter fans the query out to each enabled retriever concurrently, each
// under its own sub-deadline derived from the overall context, and collects
// whichever rankings succeed.
func (o *Orchestrator) scatter(ctx context.Context, corpusID, query string, limit int) ([]ModalityRanking, []string) {
	type outcome struct {
		ranking ModalityRanking
		err     error
	}

	var tasks []func(context.Context) outcome

	if o.bm25 != nil {
		sparseQuery := query
		if o.cfg.ExpandSparseQuery && o.expander != nil {
			sparseQuery = o.expander.Expand(query)
		}
		tasks = append(tasks, func(rctx context.Context) outcome {
			res, err := o.bm25.Search(rctx, sparseQuery, limit*2)
			if err != nil {
				return outcome{err: fmt.Errorf("sparse: %w", err)}
			}
			results := make([]ModalityResult, len(res))
			for i, r := range res {
				results[i] = ModalityResult{ChunkID: r.DocID, Score: r.Score}
			}
			return outcome{ranking: ModalityRanking{Modality: ModalitySparse, Results: results}}
		})
	}

	if o.vector != nil && o.embedder != nil {
		tasks = append(tasks, func(rctx context.Context) outcome {
			vec, err := o.embedder.Embed(rctx, formatQueryForEmbedding(query))
			if err != nil {
				return outcome{err: fmt.Errorf("vector: embed: %w", err)}
			}
			res, err := o.vector.Search(rctx, vec, limit*2)
			if err != nil {
				return outcome{err: fmt.Errorf("vector: %w", err)}
			}
			results := make([]ModalityResult, len(res))
			for i, r := range res {
				results[i] = ModalityResult{ChunkID: r.ID, Score: float64(r.Score)}
			}
			return outcome{ranking: ModalityRanking{Modality: ModalityVector, Results: results}}
		})
	}

	if o.graphR != nil {
		tasks = append(tasks, func(rctx context.Context) outcome {
			ranking, err := o.graphR.Retrieve(rctx, corpusID, query)
			if err != nil {
				return outcome{err: fmt.Errorf("graph: %w", err)}
			}
			return outcome{ranking: ranking}
		})
	}

	outcomes := make([]outcome, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			rctx := gctx
			var cancel context.CancelFunc
			if o.cfg.PerRetrieverTimeout > 0 {
				rctx, cancel = context.WithTimeout(gctx, o.cfg.PerRetrieverTimeout)
				defer cancel()
			}
			outcomes[i] = task(rctx)
			return nil // a retriever's own error never aborts the others
		})
	}
	_ = g.Wait()

	var rankings []ModalityRanking
	var failures []string
	for _, oc := range outcomes {
		if oc.err != nil {
			slog.Warn("retriever_demoted", slog.String("error", oc.err.Error()))
			failures = append(failures, oc.err.Error())
			continue
		}
		if len(oc.ranking.Results) > 0 {
			rankings = append(rankings, oc.ranking)
		}
	}
	return rankings, failures
}

func (o *Orchestrator) rerank(ctx context.Context, query string, fused []*TriFusedResult) []*TriFusedResult {
	if o.reranker == nil || len(fused) == 0 {
		return fused
	}
	if !o.reranker.Available(ctx) {
		return fused
	}

	texts := make([]string, 0, len(fused))
	idxByChunk := make(map[string]int, len(fused))
	for i, r := range fused {
		if IsCommunityChunkID(r.ChunkID) {
			continue // community summaries aren't rerankable chunk text
		}
		chunk, err := o.metadata.GetChunk(ctx, r.ChunkID)
		if err != nil || chunk == nil {
			continue
		}
		idxByChunk[r.ChunkID] = len(texts)
		texts = append(texts, chunk.Content)
	}
	if len(texts) == 0 {
		return fused
	}

	scores, err := o.reranker.Rerank(ctx, query, texts, 0)
	if err != nil {
		slog.Warn("reranker_unavailable", slog.String("error", err.Error()))
		return fused
	}

	byChunk := make(map[string]float64, len(fused))
	for chunkID, idx := range idxByChunk {
		for _, s := range scores {
			if s.Index == idx {
				byChunk[chunkID] = s.Score
				break
			}
		}
	}

	// FusedScore is preserved; the reranker's score goes into the RerankScore
	// sidecar, and ordering below uses the reranked score where available,
	// falling back to the fusion score for anything the reranker skipped
	// (community summaries, chunks that failed to load).
	effective := func(r *TriFusedResult) float64 {
		if s, ok := byChunk[r.ChunkID]; ok {
			return s
		}
		return r.FusedScore
	}
	for _, r := range fused {
		if s, ok := byChunk[r.ChunkID]; ok {
			r.RerankScore = s
		}
	}
	sort.Slice(fused, func(i, j int) bool {
		si, sj := effective(fused[i]), effective(fused[j])
		if si != sj {
			return si > sj
		}
		if fused[i].FirstSeenRank != fused[j].FirstSeenRank {
			return fused[i].FirstSeenRank < fused[j].FirstSeenRank
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})
	return fused
}

func (o *Orchestrator) enrich(ctx context.Context, fused []*TriFusedResult) ([]*TriBridResult, error) {
	out := make([]*TriBridResult, 0, len(fused))
	for _, r := range fused {
		tr := &TriBridResult{
			FusedScore:     r.FusedScore,
			RerankScore:    r.RerankScore,
			PerModality:    r.PerModality,
			RankByModality: r.RankByModality,
		}
		if IsCommunityChunkID(r.ChunkID) {
			tr.CommunitySummary = r.ChunkID
			out = append(out, tr)
			continue
		}
		chunk, err := o.metadata.GetChunk(ctx, r.ChunkID)
		if err != nil {
			slog.Warn("enrich_chunk_failed", slog.String("chunk_id", r.ChunkID), slog.String("error", err.Error()))
			continue
		}
		if chunk == nil {
			continue
		}
		tr.Chunk = chunk
		out = append(out, tr)
	}
	return out, nil
}
