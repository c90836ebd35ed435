package learning

import (
	"context"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"
)

// WorkerConfig tunes the background training worker.
type WorkerConfig struct {
	CorpusID        string
	TrainInterval   time.Duration
	MinTriplets     int
	HoldoutFraction float64
}

// Worker is the background task per installation that trains and promotes
// reranker adapters. It mines triplets from the usage event log on a
// fixed interval, trains a candidate adapter, evaluates it against a
// held-out split and the current baseline, and promotes it only if it
// clears the baseline by epsilon.
type Worker struct {
	events   *EventLog
	miner    *Miner
	trainer  Trainer
	eval     Evaluator
	promoter *Promoter
	runDir   string
	cfg      WorkerConfig

	lastMined time.Time
}

// NewWorker wires the learning loop's collaborators.
func NewWorker(events *EventLog, trainer Trainer, eval Evaluator, promoter *Promoter, runDir string, cfg WorkerConfig) *Worker {
	if cfg.TrainInterval <= 0 {
		cfg.TrainInterval = time.Hour
	}
	if cfg.MinTriplets <= 0 {
		cfg.MinTriplets = 50
	}
	if cfg.HoldoutFraction <= 0 || cfg.HoldoutFraction >= 1 {
		cfg.HoldoutFraction = 0.2
	}
	return &Worker{
		events:   events,
		miner:    NewMiner(DefaultMinerConfig()),
		trainer:  trainer,
		eval:     eval,
		promoter: promoter,
		runDir:   runDir,
		cfg:      cfg,
	}
}

// Run blocks, training on cfg.TrainInterval until ctx is cancelled.
// Cancellation is checked between stages, never mid-write, so a cancelled
// training run leaves no partial adapter in the active directory.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				slog.Warn("learning_loop_cycle_failed",
					slog.String("corpus_id", w.cfg.CorpusID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs a single mine -> train -> evaluate -> promote cycle. It
// is exported so a CLI (build-adapter/promote-adapter) can drive one cycle
// synchronously without starting the ticker loop.
func (w *Worker) RunOnce(ctx context.Context) error {
	events, err := w.events.ReadWindow(ctx, w.lastMined)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	triplets := w.miner.Mine(events)
	if len(triplets) < w.cfg.MinTriplets {
		slog.Info("learning_loop_insufficient_triplets",
			slog.String("corpus_id", w.cfg.CorpusID),
			slog.Int("triplet_count", len(triplets)),
			slog.Int("required", w.cfg.MinTriplets))
		return nil
	}

	train, heldOut := splitHoldout(triplets, w.cfg.HoldoutFraction)
	if len(heldOut) == 0 || len(train) == 0 {
		return nil
	}

	runDir := filepath.Join(w.runDir, runID())
	adapterPath, err := w.trainer.Train(ctx, train, runDir)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	metric, err := w.eval.Evaluate(ctx, adapterPath, heldOut)
	if err != nil {
		return err
	}

	promoted, err := w.promoter.Promote(ctx, adapterPath, metric, len(train))
	if err != nil {
		return err
	}

	slog.Info("learning_loop_cycle_complete",
		slog.String("corpus_id", w.cfg.CorpusID),
		slog.Int("triplet_count", len(triplets)),
		slog.Float64("metric", metric),
		slog.Bool("promoted", promoted))

	w.lastMined = latestTimestamp(events)
	return nil
}

func splitHoldout(triplets []Triplet, fraction float64) (train, heldOut []Triplet) {
	n := len(triplets)
	holdoutN := int(float64(n) * fraction)
	if holdoutN == 0 {
		holdoutN = 1
	}
	if holdoutN >= n {
		holdoutN = n - 1
	}
	return triplets[holdoutN:], triplets[:holdoutN]
}

func latestTimestamp(events []UsageEvent) time.Time {
	var latest time.Time
	for _, ev := range events {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	return latest
}

// runID names a training run directory. It is not a fingerprint and
// carries no ordering guarantee beyond low collision probability across
// concurrent workers on the same installation.
func runID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return "run-" + string(b)
}
