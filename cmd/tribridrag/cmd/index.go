package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tribridrag/tribridrag/internal/chunk"
	"github.com/tribridrag/tribridrag/internal/config"
	"github.com/tribridrag/tribridrag/internal/embed"
	graphpkg "github.com/tribridrag/tribridrag/internal/graph"
	"github.com/tribridrag/tribridrag/internal/index"
	"github.com/tribridrag/tribridrag/internal/store"
	"github.com/tribridrag/tribridrag/internal/ui"
)

func newIndexCmd() *cobra.Command {
	var withGraph bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build the tri-brid index (chunks, embeddings, BM25, graph) for a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(ctx, cmd.OutOrStdout(), path, withGraph)
		},
	}

	cmd.Flags().BoolVar(&withGraph, "graph", true, "Build the entity/relationship graph alongside chunks and embeddings")
	return cmd
}

func runIndex(ctx context.Context, out io.Writer, path string, withGraph bool) error {
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
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metadata, err := store.NewSQLiteStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer metadata.Close()

	embedder, err := embed.NewDefaultEmbedder(ctx)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	cached := embed.NewTwoTierCachedEmbedder(embedder, string(embed.ProviderOllama), 4096, filepath.Join(dataDir, "cache", "embeddings"))

	vectorCfg := store.DefaultVectorStoreConfig(cached.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}

	bm25, err := store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"), store.DefaultBM25Config(), string(store.BM25BackendSQLite))
	if err != nil {
		return fmt.Errorf("create bm25 index: %w", err)
	}

	var graphStore graphpkg.Store
	if withGraph {
		mem := graphpkg.NewMemStore()
		graphPath := filepath.Join(dataDir, "graph.gob")
		if _, statErr := os.Stat(graphPath); statErr == nil {
			_ = mem.Load(graphPath)
		}
		graphStore = mem
	}

	manifests := store.NewManifestStore(filepath.Join(dataDir, "manifests"))

	renderer := ui.NewRenderer(ui.NewConfig(out))

	runner, err := index.NewRunner(index.RunnerDependencies{
		Renderer:        renderer,
		Config:          cfg,
		Metadata:        metadata,
		BM25:            bm25,
		Vector:          vector,
		Embedder:        cached,
		CodeChunker:     chunk.NewCodeChunker(),
		MarkdownChunker: chunk.NewMarkdownChunker(),
		GraphStore:      graphStore,
		Manifests:       manifests,
	})
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	result, err := runner.Run(ctx, index.RunnerConfig{RootDir: root, DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	if withGraph {
		if mem, ok := graphStore.(*graphpkg.MemStore); ok {
			if err := mem.Save(filepath.Join(dataDir, "graph.gob")); err != nil {
				fmt.Fprintf(out, "warning: failed to persist graph store: %v\n", err)
			}
		}
	}
	if err := vector.Save(filepath.Join(dataDir, "vectors.hnsw")); err != nil {
		fmt.Fprintf(out, "warning: failed to persist vector store: %v\n", err)
	}

	checker := index.NewConsistencyChecker(metadata, bm25, vector)
	if ok, err := checker.QuickCheck(ctx); err != nil {
		fmt.Fprintf(out, "warning: post-build consistency check failed: %v\n", err)
	} else if !ok {
		fmt.Fprintln(out, "warning: chunk/BM25/vector counts disagree after build; run a full check to repair")
	}

	fmt.Fprintf(out, "indexed %d files, %d chunks, in %s\n", result.Files, result.Chunks, result.Duration)
	return nil
}
