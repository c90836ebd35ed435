package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tribridrag/tribridrag/internal/config"
	"github.com/tribridrag/tribridrag/internal/learning"
)

func newBuildAdapterCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "build-adapter",
		Short: "Mine usage events into triplets and run one learning-loop training cycle",
		Long: `build-adapter drives a single mine -> train -> evaluate -> promote cycle
of the background learning loop (without starting its ticker), useful for
scripted/cron-driven retraining or for testing the loop manually. It never
promotes a candidate adapter unless its held-out metric clears the current
baseline by the configured epsilon; see the separate promote-adapter
command to inspect or force a promotion decision.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildAdapter(cmd.Context(), cmd.OutOrStdout(), path)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Project directory containing a .tribridrag index")
	return cmd
}

func runBuildAdapter(ctx context.Context, out io.Writer, path string) error {
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
	if !lc.Enabled {
		fmt.Fprintln(out, "learning loop is disabled (tribrid.learning.enabled=false); nothing to do")
		return nil
	}

	dataDir := resolveDataDir(root)
	events, err := learning.NewEventLog(filepath.Join(dataDir, lc.EventLogPath))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	runDir := filepath.Join(dataDir, lc.AdapterRunDir)
	activeDir := filepath.Join(runDir, "active")
	promoter := learning.NewPromoter(activeDir, lc.Epsilon)

	trainerCfg := learning.DefaultMLXTrainerConfig()
	trainer := learning.NewMLXTrainer(trainerCfg)
	evaluator := learning.NewMLXEvaluator(trainerCfg)

	worker := learning.NewWorker(events, trainer, evaluator, promoter, runDir, learning.WorkerConfig{
		CorpusID:        hashPath(root),
		MinTriplets:     lc.MinTripletCount,
		HoldoutFraction: lc.HoldoutFraction,
	})

	if err := worker.RunOnce(ctx); err != nil {
		return fmt.Errorf("training cycle: %w", err)
	}
	fmt.Fprintln(out, "training cycle complete")
	return nil
}
