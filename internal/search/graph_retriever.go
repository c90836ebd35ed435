package search

import (
	"context"
	"math"
	"sort"

	"github.com/tribridrag/tribridrag/internal/embed"
	"github.com/tribridrag/tribridrag/internal/graph"
)

// GraphRetrieverConfig configures the graph-walk retriever.
type GraphRetrieverConfig struct {
	MaxHops           int
	TopKGraph         int
	IncludeCommunities bool
	SeedLimit         int // max name-matched + embedding-matched seeds
}

// DefaultGraphRetrieverConfig returns sensible production defaults.
func DefaultGraphRetrieverConfig() GraphRetrieverConfig {
	return GraphRetrieverConfig{
		MaxHops:            2,
		TopKGraph:          20,
		IncludeCommunities: false,
		SeedLimit:          10,
	}
}

// GraphRetriever is the third leg of tri-brid retrieval: it seeds from
// name/embedding matches against graph.Store entities, performs a bounded
// walk, and maps reached entities back to chunks.
type GraphRetriever struct {
	store    graph.Store
	embedder embed.Embedder
	cfg      GraphRetrieverConfig
}

// NewGraphRetriever creates a graph retriever. embedder may be nil, in
// which case seeding falls back to name-matching only.
func NewGraphRetriever(s graph.Store, embedder embed.Embedder, cfg GraphRetrieverConfig) *GraphRetriever {
	return &GraphRetriever{store: s, embedder: embedder, cfg: cfg}
}

// Retrieve runs the bounded graph walk for a query against one corpus and
// returns chunk-ranked results in the same ModalityRanking shape the other
// two retrievers produce, so TriFusion can combine them uniformly.
func (g *GraphRetriever) Retrieve(ctx context.Context, corpusID, query string) (ModalityRanking, error) {
	seeds, err := g.seedEntities(ctx, corpusID, query)
	if err != nil {
		return ModalityRanking{Modality: ModalityGraph}, err
	}
	if len(seeds) == 0 {
		return ModalityRanking{Modality: ModalityGraph, Results: nil}, nil
	}

	weights, err := g.store.Walk(ctx, corpusID, seeds, g.cfg.MaxHops)
	if err != nil {
		return ModalityRanking{Modality: ModalityGraph}, err
	}

	// Map each reached entity to its chunk(s) via the chunk_id recorded in
	// Properties at build time (internal/graph/builder.go), scored by the
	// best path weight reaching any entity in that chunk.
	chunkScore := make(map[string]float64)
	for entityID, weight := range weights {
		e, err := g.store.GetEntity(ctx, corpusID, entityID)
		if err != nil || e == nil {
			continue
		}
		chunkID, ok := e.Properties["chunk_id"]
		if !ok || chunkID == "" {
			continue
		}
		if existing, ok := chunkScore[chunkID]; !ok || weight > existing {
			chunkScore[chunkID] = weight
		}
	}

	if g.cfg.IncludeCommunities {
		g.addCommunityMatches(ctx, corpusID, seeds, chunkScore)
	}

	type scored struct {
		id    string
		score float64
	}
	all := make([]scored, 0, len(chunkScore))
	for id, s := range chunkScore {
		all = append(all, scored{id, s})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})

	if g.cfg.TopKGraph > 0 && len(all) > g.cfg.TopKGraph {
		all = all[:g.cfg.TopKGraph]
	}

	results := make([]ModalityResult, len(all))
	for i, s := range all {
		results[i] = ModalityResult{ChunkID: s.id, Score: s.score}
	}
	return ModalityRanking{Modality: ModalityGraph, Results: results}, nil
}

// addCommunityMatches tags community summaries as virtual chunk matches
// when any of their members were reached by the walk — these are synthetic
// IDs so downstream stages can special-case them as non-code context rather
// than confusing them with real chunk IDs.
func (g *GraphRetriever) addCommunityMatches(ctx context.Context, corpusID string, seeds []string, chunkScore map[string]float64) {
	communities, err := g.store.Communities(ctx, corpusID)
	if err != nil {
		return
	}
	seedSet := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		seedSet[s] = struct{}{}
	}
	for _, c := range communities {
		for _, m := range c.MemberIDs {
			if _, ok := seedSet[m]; ok {
				chunkScore["community:"+c.ID] = 0.5 // fixed weight, below any real path match
				break
			}
		}
	}
}

// IsCommunityChunkID reports whether a chunk ID returned by the graph
// retriever is actually a virtual community-summary match.
func IsCommunityChunkID(id string) bool {
	return len(id) > 10 && id[:10] == "community:"
}

// seedEntities builds the initial seed set by name-matching the raw query
// and, when an embedder is available, by embedding-matching against entity
// descriptions.
func (g *GraphRetriever) seedEntities(ctx context.Context, corpusID, query string) ([]string, error) {
	limit := g.cfg.SeedLimit
	if limit <= 0 {
		limit = 10
	}

	nameMatches, err := g.store.FindEntitiesByName(ctx, corpusID, query, limit)
	if err != nil {
		return nil, err
	}

	seeds := make([]string, 0, len(nameMatches))
	seen := make(map[string]struct{}, len(nameMatches))
	for _, e := range nameMatches {
		seeds = append(seeds, e.ID)
		seen[e.ID] = struct{}{}
	}

	if g.embedder != nil && len(seeds) < limit {
		embMatches, err := g.embeddingMatches(ctx, corpusID, query, limit-len(seeds))
		if err == nil {
			for _, id := range embMatches {
				if _, dup := seen[id]; !dup {
					seeds = append(seeds, id)
					seen[id] = struct{}{}
				}
			}
		}
	}
	return seeds, nil
}

// embeddingMatches scores every entity with a description by cosine
// similarity between the query embedding and a lazily-embedded description.
// This is a small corpus-bounded linear scan (entities number in the
// thousands, not millions) rather than a second ANN index.
func (g *GraphRetriever) embeddingMatches(ctx context.Context, corpusID, query string, limit int) ([]string, error) {
	entities, err := g.store.AllEntities(ctx, corpusID)
	if err != nil {
		return nil, err
	}
	var withDesc []*graph.Entity
	for _, e := range entities {
		if e.Description != "" {
			withDesc = append(withDesc, e)
		}
	}
	if len(withDesc) == 0 {
		return nil, nil
	}

	texts := make([]string, len(withDesc))
	for i, e := range withDesc {
		texts[i] = e.Description
	}
	texts = append(texts, query)

	vectors, err := g.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	queryVec := vectors[len(vectors)-1]

	type scored struct {
		id  string
		sim float64
	}
	var scoredEntities []scored
	for i, e := range withDesc {
		scoredEntities = append(scoredEntities, scored{e.ID, cosineSimilarity(vectors[i], queryVec)})
	}
	sort.Slice(scoredEntities, func(i, j int) bool { return scoredEntities[i].sim > scoredEntities[j].sim })

	if limit > len(scoredEntities) {
		limit = len(scoredEntities)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = scoredEntities[i].id
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
