package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	tribridErrors "github.com/tribridrag/tribridrag/internal/errors"
)

// BuildStatus is the corpus build-lifecycle state.
type BuildStatus string

const (
	BuildStatusIdle      BuildStatus = "idle"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusComplete  BuildStatus = "complete"
	BuildStatusError     BuildStatus = "error"
)

// Manifest pins the values a corpus was built with. Queries must fail loudly
// with a ManifestMismatch rather than silently degrade when a query-time
// embedder/tokenizer disagrees with what the corpus was indexed with — the
// dimension-lock and tokenizer-lock invariants.
type Manifest struct {
	CorpusID           string      `json:"corpus_id"`
	Status             BuildStatus `json:"status"`
	EmbeddingProvider  string      `json:"embedding_provider"`
	EmbeddingModel     string      `json:"embedding_model"`
	EmbeddingDimension int         `json:"embedding_dimension"`
	SparseTokenizer    string      `json:"sparse_tokenizer"`
	ChunkIDVersion     string      `json:"chunk_id_version"`
	BuildStartedAt     time.Time   `json:"build_started_at"`
	BuildFinishedAt    time.Time   `json:"build_finished_at,omitempty"`
	ErrorMessage       string      `json:"error_message,omitempty"`
	FileCount          int         `json:"file_count"`
	ChunkCount         int         `json:"chunk_count"`
	EntityCount        int         `json:"entity_count"`
}

// CheckDimension returns ManifestMismatch if queryDimension disagrees with
// the manifest's pinned embedding_dimension.
func (m *Manifest) CheckDimension(queryDimension int) error {
	if m.EmbeddingDimension != 0 && m.EmbeddingDimension != queryDimension {
		return tribridErrors.ManifestMismatchError(
			fmt.Sprintf("corpus %q was built with embedding_dimension=%d, query supplied %d",
				m.CorpusID, m.EmbeddingDimension, queryDimension),
			nil,
		)
	}
	return nil
}

// CheckTokenizer returns ManifestMismatch if queryTokenizer disagrees with
// the manifest's pinned sparse_tokenizer.
func (m *Manifest) CheckTokenizer(queryTokenizer string) error {
	if m.SparseTokenizer != "" && m.SparseTokenizer != queryTokenizer {
		return tribridErrors.ManifestMismatchError(
			fmt.Sprintf("corpus %q was built with sparse_tokenizer=%q, query supplied %q",
				m.CorpusID, m.SparseTokenizer, queryTokenizer),
			nil,
		)
	}
	return nil
}

// ManifestStore persists per-corpus manifests with atomic stage-and-rename
// writes, mirroring the HNSW vector store's Save idiom
// (internal/store/hnsw.go) rather than writing manifest files in place.
type ManifestStore struct {
	mu  sync.Mutex
	dir string
}

// NewManifestStore creates a manifest store rooted at dir. Each corpus gets
// its own "<corpus_id>.manifest.json" file.
func NewManifestStore(dir string) *ManifestStore {
	return &ManifestStore{dir: dir}
}

func (s *ManifestStore) pathFor(corpusID string) string {
	return filepath.Join(s.dir, corpusID+".manifest.json")
}

// Load reads a corpus's manifest. Returns (nil, nil) if none exists yet —
// callers treat a missing manifest as build_status=idle.
func (s *ManifestStore) Load(_ context.Context, corpusID string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(corpusID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Save writes a corpus's manifest via a temp-file-then-rename, so a reader
// never observes a partially-written manifest.
func (s *ManifestStore) Save(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	path := s.pathFor(m.CorpusID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// BeginBuild transitions a corpus to building, returning BuildConflictError
// if a build is already in progress. This is the in-process half of the
// at-most-once build guarantee; internal/embed.FileLock provides the
// cross-process half for callers that need it (e.g. a CLI invoked twice
// concurrently against the same data directory).
func (s *ManifestStore) BeginBuild(ctx context.Context, corpusID string) (*Manifest, error) {
	existing, err := s.Load(ctx, corpusID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == BuildStatusBuilding {
		return nil, tribridErrors.BuildConflictError(
			fmt.Sprintf("corpus %q already has a build in progress (started %s)",
				corpusID, existing.BuildStartedAt.Format(time.RFC3339)))
	}

	m := &Manifest{
		CorpusID:       corpusID,
		Status:         BuildStatusBuilding,
		BuildStartedAt: time.Now(),
	}
	if existing != nil {
		// Carry forward the pinned values until the build completes and
		// overwrites them; a crash mid-build leaves the prior complete
		// manifest's lock values intact for CheckDimension/CheckTokenizer.
		m.EmbeddingProvider = existing.EmbeddingProvider
		m.EmbeddingModel = existing.EmbeddingModel
		m.EmbeddingDimension = existing.EmbeddingDimension
		m.SparseTokenizer = existing.SparseTokenizer
		m.ChunkIDVersion = existing.ChunkIDVersion
	}
	if err := s.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// CompleteBuild finalizes a manifest with the build's pinned values and
// counts, marking it complete.
func (s *ManifestStore) CompleteBuild(ctx context.Context, m *Manifest) error {
	m.Status = BuildStatusComplete
	m.BuildFinishedAt = time.Now()
	m.ErrorMessage = ""
	return s.Save(ctx, m)
}

// FailBuild marks a manifest as errored. The corpus's prior complete
// manifest, if any, is left in place by callers that don't overwrite it —
// FailBuild only records the failure on the in-progress manifest, it does
// not roll back to the prior complete state, so callers needing "last good"
// semantics should Load before BeginBuild and restore explicitly.
func (s *ManifestStore) FailBuild(ctx context.Context, corpusID string, cause error) error {
	m, err := s.Load(ctx, corpusID)
	if err != nil {
		return err
	}
	if m == nil {
		m = &Manifest{CorpusID: corpusID}
	}
	m.Status = BuildStatusError
	m.BuildFinishedAt = time.Now()
	if cause != nil {
		m.ErrorMessage = cause.Error()
	}
	return s.Save(ctx, m)
}
