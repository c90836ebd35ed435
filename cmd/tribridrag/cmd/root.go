// Package cmd provides the CLI commands for tribridrag: index, search,
// build-adapter, and promote-adapter. It is a minimal cobra layer — enough
// ambient CLI surface to exercise the tri-brid core without a
// daemon/MCP/TUI surface.
package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tribridrag/tribridrag/internal/config"
	"github.com/tribridrag/tribridrag/internal/logging"
	"github.com/tribridrag/tribridrag/pkg/version"
)

// NewRootCmd creates the root command for the tribridrag CLI.
func NewRootCmd() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:     "tribridrag",
		Short:   "Tri-brid RAG search engine over source code",
		Version: version.Version,
		Long: `tribridrag combines dense vector search, sparse BM25 search, and
graph-walk search over a codebase, fused by reciprocal rank fusion and
optionally reranked by a cross-encoder.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !debug {
				return nil // minimal stderr-only logging by default
			}
			logger, cleanup, err := logging.Setup(logging.DebugConfig())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			cmd.Root().PersistentPostRunE = func(*cobra.Command, []string) error {
				cleanup()
				return nil
			}
			return nil
		},
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false, "write verbose debug-level logs to ~/.tribridrag/logs/")

	root.AddCommand(newIndexCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newBuildAdapterCmd())
	root.AddCommand(newPromoteAdapterCmd())

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// resolveDataDir returns root/.tribridrag, the per-project data directory
// (chunks db, vector index, graph store, manifests).
func resolveDataDir(root string) string {
	return filepath.Join(root, ".tribridrag")
}

func loadConfig(root string) (*config.Config, error) {
	return config.Load(root)
}

// hashPath derives a project/corpus ID from its root path, matching
// internal/index/runner.go's unexported hashString convention so index and
// search agree on the same corpus_id for a given directory.
func hashPath(path string) string {
	h := sha256.Sum256([]byte(path))
	return hex.EncodeToString(h[:])[:16]
}
