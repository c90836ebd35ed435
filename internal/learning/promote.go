package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tribridrag/tribridrag/internal/embed"
	tribridErrors "github.com/tribridrag/tribridrag/internal/errors"
)

// Trainer trains a reranker adapter against a base model from mined
// triplets, writing its artifacts under runDir. It is an external
// collaborator analogous to graph.ChatModel: the actual LoRA-style training
// run happens outside this process (a local MLX job, a remote job, or a
// stub for tests); this package only orchestrates when it runs and whether
// its output gets promoted.
type Trainer interface {
	Train(ctx context.Context, triplets []Triplet, runDir string) (adapterPath string, err error)
}

// Evaluator scores an adapter (or the baseline, when adapterPath is empty)
// against a held-out triplet split, returning a single scalar metric where
// higher is better (e.g. pairwise accuracy).
type Evaluator interface {
	Evaluate(ctx context.Context, adapterPath string, heldOut []Triplet) (metric float64, err error)
}

// AdapterManifest is the sidecar written alongside a trained adapter's
// weights, matching the persisted state layout's
// adapters/<name>/{weights, adapter_config, fingerprint} shape.
type AdapterManifest struct {
	Name        string    `json:"name"`
	TrainedAt   time.Time `json:"trained_at"`
	Metric      float64   `json:"metric"`
	Fingerprint string    `json:"fingerprint"`
	TripletCount int      `json:"triplet_count"`
}

// Promoter gates and performs the atomic adapter swap: it never promotes a
// candidate whose held-out metric doesn't beat the current baseline by at
// least epsilon, and the swap itself is a stage-and-rename under a
// cross-process lock, reusing internal/embed.FileLock (gofrs/flock) rather
// than reimplementing file locking — the same mechanism used to serialize
// concurrent embedding-model downloads.
type Promoter struct {
	activeDir string // adapters/active, the live symlink-free promoted copy
	epsilon   float64
}

// NewPromoter creates a promoter. activeDir is the directory the reranker's
// file watcher observes (internal/search/reranker_learned.go's AdapterPath
// should point inside it).
func NewPromoter(activeDir string, epsilon float64) *Promoter {
	return &Promoter{activeDir: activeDir, epsilon: epsilon}
}

// BaselineMetric reads the currently-promoted adapter's stored metric, or
// returns 0 if nothing has ever been promoted (a metric then only has to
// exceed epsilon).
func (p *Promoter) BaselineMetric() (float64, error) {
	data, err := os.ReadFile(filepath.Join(p.activeDir, "adapter_config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read baseline manifest: %w", err)
	}
	var m AdapterManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("decode baseline manifest: %w", err)
	}
	return m.Metric, nil
}

// Promote atomically replaces the active adapter with candidatePath if and
// only if candidateMetric exceeds the stored baseline by epsilon. It holds
// a cross-process lock for the duration of the comparison-and-swap so two
// training workers (e.g. across installations sharing a data directory)
// can't race each other's promote. Returns (promoted bool, error).
func (p *Promoter) Promote(ctx context.Context, candidatePath string, candidateMetric float64, tripletCount int) (bool, error) {
	lock := embed.NewFileLock(p.activeDir)
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("acquire promote lock: %w", err)
	}
	defer lock.Unlock()

	baseline, err := p.BaselineMetric()
	if err != nil {
		return false, err
	}
	if candidateMetric <= baseline+p.epsilon {
		return false, nil
	}

	fingerprint, err := fingerprintDir(candidatePath)
	if err != nil {
		return false, fmt.Errorf("fingerprint candidate adapter: %w", err)
	}

	manifest := AdapterManifest{
		Name:         filepath.Base(candidatePath),
		TrainedAt:    timeNow(),
		Metric:       candidateMetric,
		Fingerprint:  fingerprint,
		TripletCount: tripletCount,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode adapter manifest: %w", err)
	}

	staged := p.activeDir + ".staging"
	if err := os.RemoveAll(staged); err != nil {
		return false, fmt.Errorf("clear stage dir: %w", err)
	}
	if err := copyDir(candidatePath, staged); err != nil {
		os.RemoveAll(staged)
		return false, fmt.Errorf("stage candidate adapter: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staged, "adapter_config.json"), manifestBytes, 0644); err != nil {
		os.RemoveAll(staged)
		return false, fmt.Errorf("write staged manifest: %w", err)
	}

	old := p.activeDir + ".previous"
	os.RemoveAll(old)
	if _, err := os.Stat(p.activeDir); err == nil {
		if err := os.Rename(p.activeDir, old); err != nil {
			os.RemoveAll(staged)
			return false, fmt.Errorf("retire previous adapter: %w", err)
		}
	}
	if err := os.Rename(staged, p.activeDir); err != nil {
		return false, fmt.Errorf("activate staged adapter: %w", err)
	}
	os.RemoveAll(old)

	return true, nil
}

// PromoteConflictError wraps a promote attempted while another is already
// in flight, reusing the same error kind a concurrent corpus build uses.
func PromoteConflictError(message string) error {
	return tribridErrors.BuildConflictError(message)
}

func fingerprintDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		in, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		out, err := os.Create(dstPath)
		if err != nil {
			in.Close()
			return err
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// timeNow is isolated behind a var so it can be overridden in tests.
var timeNow = time.Now
