package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tribridrag/tribridrag/internal/config"
	"github.com/tribridrag/tribridrag/internal/embed"
	graphpkg "github.com/tribridrag/tribridrag/internal/graph"
	"github.com/tribridrag/tribridrag/internal/search"
	"github.com/tribridrag/tribridrag/internal/store"
)

func newSearchCmd() *cobra.Command {
	var path string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a tri-brid search (vector + BM25 + graph, fused and reranked)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd.OutOrStdout(), path, query, limit)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Project directory containing a .tribridrag index")
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of results to return")
	return cmd
}

func runSearch(ctx context.Context, out io.Writer, path, query string, limit int) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if projectRoot, err := config.FindProjectRoot(root); err == nil {
		root = projectRoot
	}

	cfg, err := loadConfig(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dataDir := resolveDataDir(root)

	metadata, err := store.NewSQLiteStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer metadata.Close()

	manifests := store.NewManifestStore(filepath.Join(dataDir, "manifests"))
	projectID := hashPath(root)
	manifest, err := manifests.Load(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	embedder, err := embed.NewDefaultEmbedder(ctx)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	cached := embed.NewTwoTierCachedEmbedder(embedder, string(embed.ProviderOllama), 4096, filepath.Join(dataDir, "cache", "embeddings"))

	if manifest != nil {
		if err := manifest.CheckDimension(cached.Dimensions()); err != nil {
			return err
		}
		if err := manifest.CheckTokenizer(cfg.TriBrid.SparseSearch.Tokenizer); err != nil {
			return err
		}
	}

	vectorCfg := store.DefaultVectorStoreConfig(cached.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	if err := vector.Load(filepath.Join(dataDir, "vectors.hnsw")); err != nil {
		fmt.Fprintf(out, "warning: vector index not loaded: %v\n", err)
	}

	bm25, err := store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"), store.DefaultBM25Config(), string(store.BM25BackendSQLite))
	if err != nil {
		return fmt.Errorf("create bm25 index: %w", err)
	}

	var graphStore graphpkg.Store
	mem := graphpkg.NewMemStore()
	graphPath := filepath.Join(dataDir, "graph.gob")
	if _, statErr := os.Stat(graphPath); statErr == nil {
		if err := mem.Load(graphPath); err == nil {
			graphStore = mem
		}
	}

	reranker, err := search.NewRerankerFromConfig(ctx, cfg.TriBrid.Reranker)
	if err != nil {
		fmt.Fprintf(out, "warning: reranker unavailable, falling back to fused ranking: %v\n", err)
		reranker = &search.NoOpReranker{}
	}

	orchCfg := search.DefaultOrchestratorConfig()
	orchCfg.RRFConstant = cfg.TriBrid.Fusion.RRFK
	orchCfg.Weights = search.Weights3{
		ModalityVector: cfg.TriBrid.Fusion.VectorWeight,
		ModalitySparse: cfg.TriBrid.Fusion.SparseWeight,
		ModalityGraph:  cfg.TriBrid.Fusion.GraphWeight,
	}
	if cfg.TriBrid.Fusion.Method == "weighted" {
		orchCfg.Fusion = search.FusionWeighted
	}

	orchestrator := search.NewOrchestrator(vector, bm25, graphStore, cached, metadata, reranker, orchCfg)

	results, err := orchestrator.Search(ctx, projectID, query, limit)
	if err != nil {
		return err
	}

	for i, r := range results {
		if r.Chunk != nil {
			fmt.Fprintf(out, "%d. %s:%d-%d  score=%.4f\n", i+1, r.Chunk.FilePath, r.Chunk.StartLine, r.Chunk.EndLine, r.FusedScore)
		} else {
			fmt.Fprintf(out, "%d. [community] %s  score=%.4f\n", i+1, r.CommunitySummary, r.FusedScore)
		}
	}
	return nil
}
