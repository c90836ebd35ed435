package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tribridrag/tribridrag/internal/watcher"
)

// AdapterUnloader is implemented by a base Reranker that can release a
// specific adapter's weights server-side. Optional: base rerankers that
// don't support it (e.g. a stateless cloud endpoint) are simply never asked.
type AdapterUnloader interface {
	UnloadAdapter(ctx context.Context, fingerprint string) error
}

// LearnedRerankerConfig configures the hot-swappable adapter wrapper.
type LearnedRerankerConfig struct {
	AdapterPath    string        // weight file whose content fingerprints the active adapter
	PollInterval   time.Duration // fallback poll period if fsnotify can't be started
	IdleUnloadAfter time.Duration // unload the adapter after this long with no Rerank calls
}

// DefaultLearnedRerankerConfig returns sensible production defaults.
func DefaultLearnedRerankerConfig(adapterPath string) LearnedRerankerConfig {
	return LearnedRerankerConfig{
		AdapterPath:     adapterPath,
		PollInterval:    30 * time.Second,
		IdleUnloadAfter: 5 * time.Minute,
	}
}

type adapterState struct {
	fingerprint string
	refCount    int32
}

// LearnedReranker wraps a base cross-encoder Reranker (typically an
// MLXReranker hitting a local scoring server, see mlx_reranker.go) with a
// hot-swappable LoRA-style adapter identified by a fingerprint hash of its
// weight file. A background watcher reloads the fingerprint on change;
// reads happen against a reference-counted active pointer so an in-flight
// Rerank call always finishes against the fingerprint it started with, even
// if the file changes mid-request. An idle timer unloads the adapter
// server-side (via AdapterUnloader, if the base reranker implements it)
// after a period of no requests.
type LearnedReranker struct {
	base Reranker
	cfg  LearnedRerankerConfig

	active   atomic.Pointer[adapterState]
	loadOnce singleflight.Group

	mu         sync.Mutex
	lastUsed   time.Time
	watcherOn  bool
	stopCh     chan struct{}
	stoppedCh  chan struct{}
}

var _ Reranker = (*LearnedReranker)(nil)

// NewLearnedReranker wraps base with adapter hot-reload. It does a cold
// load of the initial fingerprint before returning, and starts a background
// watcher for subsequent changes.
func NewLearnedReranker(ctx context.Context, base Reranker, cfg LearnedRerankerConfig) (*LearnedReranker, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.IdleUnloadAfter <= 0 {
		cfg.IdleUnloadAfter = 5 * time.Minute
	}
	r := &LearnedReranker{
		base:      base,
		cfg:       cfg,
		lastUsed:  time.Now(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	fp, err := r.coldLoad(ctx)
	if err != nil {
		return nil, err
	}
	r.active.Store(&adapterState{fingerprint: fp})

	go r.watch()
	go r.idleUnloadLoop()
	return r, nil
}

// coldLoad computes the adapter fingerprint, deduplicating concurrent
// callers via singleflight so a burst of requests during a cold start
// triggers exactly one hash computation.
func (r *LearnedReranker) coldLoad(_ context.Context) (string, error) {
	v, err, _ := r.loadOnce.Do(r.cfg.AdapterPath, func() (interface{}, error) {
		return fingerprintFile(r.cfg.AdapterPath)
	})
	if err != nil {
		return "", fmt.Errorf("load adapter %q: %w", r.cfg.AdapterPath, err)
	}
	return v.(string), nil
}

func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// watch watches the adapter file's directory with a HybridWatcher (the same
// fsnotify-with-polling-fallback machinery internal/watcher/hybrid.go uses
// for the index source tree; fsnotify requires watching a directory to
// reliably catch rename-based atomic writes) and reloads the fingerprint
// whenever the adapter path itself changes. Falls back to plain polling if
// the watcher can't be constructed or fails to start.
func (r *LearnedReranker) watch() {
	defer close(r.stoppedCh)

	dir := filepath.Dir(r.cfg.AdapterPath)
	target := filepath.Base(r.cfg.AdapterPath)

	w, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow:  200 * time.Millisecond,
		PollInterval:    r.cfg.PollInterval,
		EventBufferSize: 8,
	})
	if err != nil {
		slog.Warn("adapter_watcher_unavailable", slog.String("error", err.Error()))
		r.pollLoop()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- w.Start(ctx, dir) }()

	r.mu.Lock()
	r.watcherOn = true
	r.mu.Unlock()

	for {
		select {
		case <-r.stopCh:
			_ = w.Stop()
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				if filepath.Base(ev.Path) == target {
					r.reload()
					break
				}
			}
		case wErr, ok := <-w.Errors():
			if !ok {
				return
			}
			slog.Warn("adapter_watcher_error", slog.String("error", wErr.Error()))
		case startErr := <-started:
			if startErr != nil && startErr != context.Canceled {
				slog.Warn("adapter_watcher_start_failed", slog.String("dir", dir), slog.String("error", startErr.Error()))
				r.pollLoop()
			}
			return
		}
	}
}

func (r *LearnedReranker) pollLoop() {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reload()
		}
	}
}

// reload computes the current file fingerprint and, if it differs from the
// active one, stages it and atomically swaps the active pointer. The old
// state is left for in-flight readers to finish draining via refCount; it
// is never mutated after the swap, only replaced.
func (r *LearnedReranker) reload() {
	fp, err := fingerprintFile(r.cfg.AdapterPath)
	if err != nil {
		slog.Warn("adapter_reload_failed", slog.String("path", r.cfg.AdapterPath), slog.String("error", err.Error()))
		return
	}
	current := r.active.Load()
	if current != nil && current.fingerprint == fp {
		return
	}
	r.active.Store(&adapterState{fingerprint: fp})
	slog.Info("adapter_hot_swapped", slog.String("fingerprint", fp))
}

// idleUnloadLoop unloads the adapter server-side after a period of no
// Rerank calls, if the base reranker supports it.
func (r *LearnedReranker) idleUnloadLoop() {
	ticker := time.NewTicker(r.cfg.IdleUnloadAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			unloader, ok := r.base.(AdapterUnloader)
			if !ok {
				continue
			}
			r.mu.Lock()
			idleFor := time.Since(r.lastUsed)
			r.mu.Unlock()
			if idleFor < r.cfg.IdleUnloadAfter {
				continue
			}
			st := r.active.Load()
			if st == nil || atomic.LoadInt32(&st.refCount) > 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := unloader.UnloadAdapter(ctx, st.fingerprint); err != nil {
				slog.Warn("adapter_unload_failed", slog.String("error", err.Error()))
			} else {
				slog.Info("adapter_idle_unloaded", slog.String("fingerprint", st.fingerprint))
			}
			cancel()
		}
	}
}

// Rerank delegates to the base reranker under the currently active adapter
// fingerprint, held with a reference count so a concurrent hot-swap never
// invalidates an in-flight request.
func (r *LearnedReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	st := r.active.Load()
	if st == nil {
		return nil, fmt.Errorf("learned reranker: no adapter loaded")
	}
	atomic.AddInt32(&st.refCount, 1)
	defer atomic.AddInt32(&st.refCount, -1)

	r.mu.Lock()
	r.lastUsed = time.Now()
	r.mu.Unlock()

	return r.base.Rerank(ctx, query, documents, topK)
}

// Available reports whether the base reranker is reachable.
func (r *LearnedReranker) Available(ctx context.Context) bool {
	return r.base.Available(ctx)
}

// Close stops the background watcher/idle-unload goroutines and closes the
// base reranker.
func (r *LearnedReranker) Close() error {
	close(r.stopCh)
	<-r.stoppedCh
	return r.base.Close()
}
