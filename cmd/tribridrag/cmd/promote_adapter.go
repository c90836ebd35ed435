package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tribridrag/tribridrag/internal/config"
	"github.com/tribridrag/tribridrag/internal/learning"
)

func newPromoteAdapterCmd() *cobra.Command {
	var path string
	var candidate string
	var metric float64
	var force bool

	cmd := &cobra.Command{
		Use:   "promote-adapter --candidate <run-dir> --metric <value>",
		Short: "Atomically promote a trained adapter if it clears the baseline by epsilon",
		Long: `promote-adapter performs the explicit promotion half of the learning
loop: it never runs implicitly after training. It compares metric
against the currently-active adapter's stored baseline and, if metric
exceeds baseline + epsilon, atomically replaces the active adapter
(stage-and-rename) so the reranker's file watcher picks it up on its next
poll. Use --force to bypass the epsilon gate for a manual override.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPromoteAdapter(cmd.Context(), cmd.OutOrStdout(), path, candidate, metric, force)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Project directory containing a .tribridrag index")
	cmd.Flags().StringVar(&candidate, "candidate", "", "Path to the trained adapter run directory to consider for promotion")
	cmd.Flags().Float64Var(&metric, "metric", 0, "The candidate's held-out evaluation metric")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the epsilon gate and promote unconditionally")
	cmd.MarkFlagRequired("candidate")
	return cmd
}

func runPromoteAdapter(ctx context.Context, out io.Writer, path, candidate string, metric float64, force bool) error {
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
	lc := cfg.TriBrid.Learning

	dataDir := resolveDataDir(root)
	activeDir := filepath.Join(dataDir, lc.AdapterRunDir, "active")

	epsilon := lc.Epsilon
	if force {
		epsilon = math.Inf(-1) // any metric clears a gate of baseline - Inf
	}
	promoter := learning.NewPromoter(activeDir, epsilon)

	baseline, err := promoter.BaselineMetric()
	if err != nil {
		return fmt.Errorf("read baseline: %w", err)
	}

	promoted, err := promoter.Promote(ctx, candidate, metric, 0)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}

	if promoted {
		fmt.Fprintf(out, "promoted %s (metric %.4f > baseline %.4f + epsilon %.4f)\n", candidate, metric, baseline, lc.Epsilon)
	} else {
		fmt.Fprintf(out, "not promoted: %s's metric %.4f did not clear baseline %.4f + epsilon %.4f\n", candidate, metric, baseline, lc.Epsilon)
	}
	return nil
}
