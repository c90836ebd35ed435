package config

import "fmt"

// VectorSearchConfig configures the dense vector retriever.
type VectorSearchConfig struct {
	Enabled             bool    `yaml:"enabled" json:"enabled"`
	TopKDense           int     `yaml:"topk_dense" json:"topk_dense"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
}

// SparseSearchConfig configures the BM25 sparse retriever.
type SparseSearchConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	TopKSparse int    `yaml:"topk_sparse" json:"topk_sparse"`
	K1        float64 `yaml:"k1" json:"k1"`
	B         float64 `yaml:"b" json:"b"`
	// Tokenizer is pinned into the manifest at build time; a query-time
	// disagreement is a ManifestMismatch.
	Tokenizer string `yaml:"tokenizer" json:"tokenizer"` // "stemmed" | "code"
}

// GraphSearchConfig configures the graph-walk retriever.
type GraphSearchConfig struct {
	Enabled            bool `yaml:"enabled" json:"enabled"`
	MaxHops            int  `yaml:"max_hops" json:"max_hops"`
	TopKGraph          int  `yaml:"topk_graph" json:"topk_graph"`
	IncludeCommunities bool `yaml:"include_communities" json:"include_communities"`
	SemanticExtraction bool `yaml:"semantic_extraction" json:"semantic_extraction"`
}

// FusionConfig configures tri-brid rank fusion.
type FusionConfig struct {
	Method      string  `yaml:"method" json:"method"` // "rrf" | "weighted"
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
	SparseWeight float64 `yaml:"sparse_weight" json:"sparse_weight"`
	GraphWeight  float64 `yaml:"graph_weight" json:"graph_weight"`
	RRFK        int     `yaml:"rrf_k" json:"rrf_k"`
	FinalK      int     `yaml:"final_k" json:"final_k"`
}

// RerankerConfig configures the cross-encoder reranker.
type RerankerConfig struct {
	Mode            string `yaml:"mode" json:"mode"` // "none" | "local" | "learned" | "cloud"
	LocalModel      string `yaml:"local_model" json:"local_model"`
	AdapterPath     string `yaml:"adapter_path" json:"adapter_path"`
	CloudProvider   string `yaml:"cloud_provider" json:"cloud_provider"`
	CloudModel      string `yaml:"cloud_model" json:"cloud_model"`
	TopN            int    `yaml:"top_n" json:"top_n"`
	BatchSize       int    `yaml:"batch_size" json:"batch_size"`
	MaxLength       int    `yaml:"max_length" json:"max_length"`
	ReloadPeriodSec int    `yaml:"reload_period_sec" json:"reload_period_sec"`
	UnloadAfterSec  int    `yaml:"unload_after_sec" json:"unload_after_sec"`
	TimeoutSec      int    `yaml:"timeout_sec" json:"timeout_sec"`
}

// LearningConfig configures the background learning loop and adapter
// promotion gate.
type LearningConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	EventLogPath     string  `yaml:"event_log_path" json:"event_log_path"`
	AdapterRunDir    string  `yaml:"adapter_run_dir" json:"adapter_run_dir"`
	TrainIntervalSec int     `yaml:"train_interval_sec" json:"train_interval_sec"`
	MinTripletCount  int     `yaml:"min_triplet_count" json:"min_triplet_count"`
	MinConfidence    float64 `yaml:"min_confidence" json:"min_confidence"`
	Epsilon          float64 `yaml:"epsilon" json:"epsilon"`
	HoldoutFraction  float64 `yaml:"holdout_fraction" json:"holdout_fraction"`
}

// ChunkerConfig configures the chunker.
type ChunkerConfig struct {
	Strategy        string `yaml:"strategy" json:"strategy"` // "ast" | "greedy" | "hybrid"
	ChunkSize       int    `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap" json:"chunk_overlap"`
	MinChunkChars   int    `yaml:"min_chunk_chars" json:"min_chunk_chars"`
	MaxChunkTokens  int    `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`
	ASTOverlapLines int    `yaml:"ast_overlap_lines" json:"ast_overlap_lines"`
	PreserveImports bool   `yaml:"preserve_imports" json:"preserve_imports"`
}

// TriBrid groups the validated config shape for the tri-brid retrieval and
// ingest pipeline, nested the way the rest of Config is: embedding.*,
// vector_search.*, sparse_search.*, graph_search.*, fusion.*, reranker.*,
// chunker.*. It is embedded into Config alongside the pre-existing
// Search/Embeddings sections, which still drive provider selection and BM25
// weighting independent of the tri-brid fusion settings.
type TriBrid struct {
	VectorSearch VectorSearchConfig `yaml:"vector_search" json:"vector_search"`
	SparseSearch SparseSearchConfig `yaml:"sparse_search" json:"sparse_search"`
	GraphSearch  GraphSearchConfig  `yaml:"graph_search" json:"graph_search"`
	Fusion       FusionConfig       `yaml:"fusion" json:"fusion"`
	Reranker     RerankerConfig     `yaml:"reranker" json:"reranker"`
	Chunker      ChunkerConfig      `yaml:"chunker" json:"chunker"`
	Learning     LearningConfig     `yaml:"learning" json:"learning"`
}

// DefaultTriBrid returns the default configuration for the tri-brid pipeline.
func DefaultTriBrid() TriBrid {
	return TriBrid{
		VectorSearch: VectorSearchConfig{
			Enabled:             true,
			TopKDense:           20,
			SimilarityThreshold: 0.0,
		},
		SparseSearch: SparseSearchConfig{
			Enabled:    true,
			TopKSparse: 20,
			K1:         1.2,
			B:          0.75,
			Tokenizer:  "code",
		},
		GraphSearch: GraphSearchConfig{
			Enabled:            true,
			MaxHops:            2,
			TopKGraph:          20,
			IncludeCommunities: false,
			SemanticExtraction: false,
		},
		Fusion: FusionConfig{
			Method:       "rrf",
			VectorWeight: 1,
			SparseWeight: 1,
			GraphWeight:  1,
			RRFK:         60,
			FinalK:       50,
		},
		Reranker: RerankerConfig{
			Mode:            "none",
			TopN:            10,
			BatchSize:       16,
			MaxLength:       512,
			ReloadPeriodSec: 30,
			UnloadAfterSec:  300,
			TimeoutSec:      10,
		},
		Chunker: ChunkerConfig{
			Strategy:        "hybrid",
			ChunkSize:       1500,
			ChunkOverlap:    200,
			MinChunkChars:   40,
			MaxChunkTokens:  2048,
			ASTOverlapLines: 2,
			PreserveImports: true,
		},
		Learning: LearningConfig{
			Enabled:          false,
			EventLogPath:     "events/usage.log",
			AdapterRunDir:    "adapters",
			TrainIntervalSec: 3600,
			MinTripletCount:  50,
			MinConfidence:    0.5,
			Epsilon:          0.01,
			HoldoutFraction:  0.2,
		},
	}
}

// Validate checks the tri-brid config shape for internal consistency. It is
// called from Config.Validate(), extending the existing validation there.
func (t *TriBrid) Validate() error {
	switch t.Fusion.Method {
	case "rrf", "weighted":
	default:
		return fmt.Errorf("fusion.method must be 'rrf' or 'weighted', got %q", t.Fusion.Method)
	}
	if t.Fusion.RRFK <= 0 {
		return fmt.Errorf("fusion.rrf_k must be positive, got %d", t.Fusion.RRFK)
	}
	if t.Fusion.FinalK <= 0 {
		return fmt.Errorf("fusion.final_k must be positive, got %d", t.Fusion.FinalK)
	}

	switch t.Reranker.Mode {
	case "none", "local", "learned", "cloud":
	default:
		return fmt.Errorf("reranker.mode must be one of none/local/learned/cloud, got %q", t.Reranker.Mode)
	}
	if t.Reranker.Mode == "learned" && t.Reranker.AdapterPath == "" {
		return fmt.Errorf("reranker.adapter_path is required when reranker.mode=learned")
	}
	if t.Reranker.Mode == "cloud" && t.Reranker.CloudProvider == "" {
		return fmt.Errorf("reranker.cloud_provider is required when reranker.mode=cloud")
	}

	switch t.Chunker.Strategy {
	case "ast", "greedy", "hybrid":
	default:
		return fmt.Errorf("chunker.strategy must be one of ast/greedy/hybrid, got %q", t.Chunker.Strategy)
	}
	if t.Chunker.ChunkOverlap >= t.Chunker.ChunkSize && t.Chunker.ChunkSize > 0 {
		return fmt.Errorf("chunker.chunk_overlap must be smaller than chunk_size")
	}

	if !t.VectorSearch.Enabled && !t.SparseSearch.Enabled && !t.GraphSearch.Enabled {
		return fmt.Errorf("at least one of vector_search, sparse_search, graph_search must be enabled")
	}

	switch t.SparseSearch.Tokenizer {
	case "stemmed", "code":
	default:
		return fmt.Errorf("sparse_search.tokenizer must be 'stemmed' or 'code', got %q", t.SparseSearch.Tokenizer)
	}

	if t.Learning.Enabled {
		if t.Learning.EventLogPath == "" {
			return fmt.Errorf("learning.event_log_path is required when learning.enabled")
		}
		if t.Learning.AdapterRunDir == "" {
			return fmt.Errorf("learning.adapter_run_dir is required when learning.enabled")
		}
		if t.Learning.Epsilon < 0 {
			return fmt.Errorf("learning.epsilon must be non-negative, got %f", t.Learning.Epsilon)
		}
		if t.Learning.HoldoutFraction <= 0 || t.Learning.HoldoutFraction >= 1 {
			return fmt.Errorf("learning.holdout_fraction must be in (0, 1), got %f", t.Learning.HoldoutFraction)
		}
	}

	return nil
}
