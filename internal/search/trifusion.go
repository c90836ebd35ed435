package search

import (
	"sort"
)

// Modality identifies one of the three retrievers tri-brid fusion combines.
type Modality string

const (
	ModalityVector Modality = "vector"
	ModalitySparse Modality = "sparse"
	ModalityGraph  Modality = "graph"
)

// ModalityRanking is one retriever's ranked output, already sorted best
// first (rank 0 = best). Score is kept for the Weighted fusion method's
// min-max normalization; it is ignored by RRF.
type ModalityRanking struct {
	Modality Modality
	Results  []ModalityResult
}

// ModalityResult is a single ranked hit from one retriever.
type ModalityResult struct {
	ChunkID string
	Score   float64
}

// FusionMethod selects between the two modality-ranking combination strategies.
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
)

// TriFusedResult is one row of a tri-brid fused result list.
type TriFusedResult struct {
	ChunkID        string
	FusedScore     float64
	RerankScore    float64               // set by Orchestrator.rerank; 0 until then
	PerModality    map[Modality]float64  // per-modality raw score, for metadata/debugging
	RankByModality map[Modality]int      // 1-based rank within each modality, 0 if absent
	FirstSeenRank  int                   // rank (1-based) in the first modality that returned it, for tie-break
}

// TriFusion combines an arbitrary number of modality rankings into one
// ordered list, generalizing RRFFusion (internal/search/fusion.go) from a
// fixed BM25+vector pair into the N=3 vector/sparse/graph case. The same
// RRF formula and weighted min-max strategy apply;
// only the number of sources varies.
type TriFusion struct {
	Method FusionMethod
	K      int // RRF smoothing constant, default 60
}

// NewTriFusion creates a tri-brid fusion combiner with the given method and
// RRF constant (ignored for FusionWeighted).
func NewTriFusion(method FusionMethod, k int) *TriFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	if method == "" {
		method = FusionRRF
	}
	return &TriFusion{Method: method, K: k}
}

// Weights3 carries the per-modality weight after re-normalization over the
// enabled modalities (enabled modalities' weights sum to 1).
type Weights3 map[Modality]float64

// NormalizeWeights re-normalizes weights so that only the modalities present
// in rankings contribute, and their weights sum to 1. Disabling a modality
// (absent from rankings) omits its call entirely.
func NormalizeWeights(weights Weights3, enabled []Modality) Weights3 {
	out := make(Weights3, len(enabled))
	var total float64
	for _, m := range enabled {
		w := weights[m]
		if w <= 0 {
			w = 1 // unset weight defaults to equal share before normalization
		}
		out[m] = w
		total += w
	}
	if total == 0 {
		return out
	}
	for m := range out {
		out[m] /= total
	}
	return out
}

// Fuse combines the given modality rankings (only the modalities that
// actually returned something need be present — a retriever's absence is
// the caller's way of reporting "demoted to empty") using the
// configured method and weights.
func (f *TriFusion) Fuse(rankings []ModalityRanking, weights Weights3) []*TriFusedResult {
	if len(rankings) == 0 {
		return []*TriFusedResult{}
	}

	switch f.Method {
	case FusionWeighted:
		return f.fuseWeighted(rankings, weights)
	default:
		return f.fuseRRF(rankings, weights)
	}
}

// fuseRRF sums, for each chunk, w_i/(K+rank_i) over only the retrievers that
// actually returned that chunk; a retriever that ran but did not return a
// given chunk contributes exactly 0 for that chunk, not an imputed tail rank.
func (f *TriFusion) fuseRRF(rankings []ModalityRanking, weights Weights3) []*TriFusedResult {
	results := make(map[string]*TriFusedResult)
	order := 0

	for _, ranking := range rankings {
		w := weights[ranking.Modality]
		for i, res := range ranking.Results {
			rank := i + 1
			tr := f.getOrCreate(results, res.ChunkID, &order)
			tr.FusedScore += w / float64(f.K+rank)
			tr.PerModality[ranking.Modality] = res.Score
			tr.RankByModality[ranking.Modality] = rank
		}
	}

	return f.finalize(results)
}

func (f *TriFusion) fuseWeighted(rankings []ModalityRanking, weights Weights3) []*TriFusedResult {
	results := make(map[string]*TriFusedResult)
	order := 0

	for _, ranking := range rankings {
		if len(ranking.Results) == 0 {
			continue
		}
		minScore, maxScore := ranking.Results[0].Score, ranking.Results[0].Score
		for _, r := range ranking.Results {
			if r.Score < minScore {
				minScore = r.Score
			}
			if r.Score > maxScore {
				maxScore = r.Score
			}
		}
		spread := maxScore - minScore

		w := weights[ranking.Modality]
		for i, res := range ranking.Results {
			norm := 1.0
			if spread > 0 {
				norm = (res.Score - minScore) / spread
			}
			tr := f.getOrCreate(results, res.ChunkID, &order)
			tr.FusedScore += w * norm
			tr.PerModality[ranking.Modality] = res.Score
			tr.RankByModality[ranking.Modality] = i + 1
		}
	}

	return f.finalize(results)
}

func (f *TriFusion) getOrCreate(m map[string]*TriFusedResult, chunkID string, order *int) *TriFusedResult {
	if r, ok := m[chunkID]; ok {
		return r
	}
	*order++
	r := &TriFusedResult{
		ChunkID:        chunkID,
		PerModality:    make(map[Modality]float64),
		RankByModality: make(map[Modality]int),
		FirstSeenRank:  *order,
	}
	m[chunkID] = r
	return r
}

func (f *TriFusion) finalize(m map[string]*TriFusedResult) []*TriFusedResult {
	results := make([]*TriFusedResult, 0, len(m))
	for _, r := range m {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})

	if len(results) > 0 && results[0].FusedScore > 0 {
		max := results[0].FusedScore
		for _, r := range results {
			r.FusedScore /= max
		}
	}
	return results
}

// compare implements the deterministic tie-break order:
// (−fused_score, first_seen_rank, chunk_id).
func (f *TriFusion) compare(a, b *TriFusedResult) bool {
	if a.FusedScore != b.FusedScore {
		return a.FusedScore > b.FusedScore
	}
	if a.FirstSeenRank != b.FirstSeenRank {
		return a.FirstSeenRank < b.FirstSeenRank
	}
	return a.ChunkID < b.ChunkID
}
