package embed

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DiskCache is a content-addressed, on-disk embedding cache keyed by
// (embedding_provider, embedding_model, sha256(text)), so cache entries are
// never reused across a model or provider change. It sits below
// CachedEmbedder's in-memory LRU
// tier so a cold process restart doesn't have to recompute embeddings the
// prior run already produced, and it is safe for concurrent builds: reads
// and writes are sharded by the first two hex characters of the key to keep
// any one directory small, and writes go through a temp-file-then-rename,
// mirroring internal/store/hnsw.go's atomic persistence idiom.
type DiskCache struct {
	dir string
	mu  sync.Mutex
}

// NewDiskCache creates a disk cache rooted at dir (created lazily on first
// write).
func NewDiskCache(dir string) *DiskCache {
	return &DiskCache{dir: dir}
}

// Key derives the cache key for one (provider, model, text) triple.
func Key(provider, model, text string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (d *DiskCache) pathFor(key string) string {
	return filepath.Join(d.dir, key[:2], key+".gob")
}

// Get returns the cached vector for key, if present.
func (d *DiskCache) Get(key string) ([]float32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.pathFor(key))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var vec []float32
	if err := gob.NewDecoder(f).Decode(&vec); err != nil {
		return nil, false
	}
	return vec, true
}

// Put writes vec under key, via a temp-file-then-rename so a concurrent
// reader never observes a partially-written entry.
func (d *DiskCache) Put(key string, vec []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache shard dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(vec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

// TwoTierCachedEmbedder wraps an Embedder with an in-memory LRU tier (via
// CachedEmbedder) backed by a persistent DiskCache, with singleflight
// deduplication so concurrent requests for the same (provider, model, text)
// during a parallel build collapse into a single computation — required
// for the embedding cache to stay correct under the indexer's concurrent
// batch embedding (internal/index/runner.go's generateEmbeddings).
type TwoTierCachedEmbedder struct {
	*CachedEmbedder
	disk     *DiskCache
	provider string
	group    singleflight.Group
}

// NewTwoTierCachedEmbedder creates a two-tier cached embedder. provider
// identifies the embedding backend (e.g. "ollama", "mlx") and is part of
// the cache key alongside inner.ModelName().
func NewTwoTierCachedEmbedder(inner Embedder, provider string, memCacheSize int, diskDir string) *TwoTierCachedEmbedder {
	return &TwoTierCachedEmbedder{
		CachedEmbedder: NewCachedEmbedder(inner, memCacheSize),
		disk:           NewDiskCache(diskDir),
		provider:       provider,
	}
}

var _ Embedder = (*TwoTierCachedEmbedder)(nil)

func (t *TwoTierCachedEmbedder) diskKey(text string) string {
	return Key(t.provider, t.Inner().ModelName(), text)
}

// Embed checks the disk tier, then the in-memory tier, then computes via the
// inner embedder (deduplicated across concurrent identical requests),
// populating both tiers on a miss.
func (t *TwoTierCachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := t.diskKey(text)

	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		if vec, ok := t.disk.Get(key); ok {
			return vec, nil
		}
		vec, err := t.CachedEmbedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if err := t.disk.Put(key, vec); err != nil {
			// A disk-write failure degrades to memory-only caching for this
			// entry; the embedding itself was computed successfully.
			return vec, nil
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch applies the same two-tier lookup per text, preserving order.
func (t *TwoTierCachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []int
	var missingTexts []string

	for i, text := range texts {
		key := t.diskKey(text)
		if vec, ok := t.disk.Get(key); ok {
			results[i] = vec
			continue
		}
		missing = append(missing, i)
		missingTexts = append(missingTexts, text)
	}
	if len(missing) == 0 {
		return results, nil
	}

	computed, err := t.CachedEmbedder.EmbedBatch(ctx, missingTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missing {
		results[idx] = computed[j]
		_ = t.disk.Put(t.diskKey(texts[idx]), computed[j])
	}
	return results, nil
}
