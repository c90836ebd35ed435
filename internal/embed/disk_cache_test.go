package embed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskCache_PutThenGet_RoundTrips(t *testing.T) {
	// Given: an empty disk cache
	c := NewDiskCache(t.TempDir())
	key := Key("ollama", "nomic-embed-text-v1.5", "hello world")

	// When
	require.NoError(t, c.Put(key, []float32{0.1, 0.2, 0.3}))

	// Then
	vec, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestDiskCache_Get_MissReturnsFalse(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	_, ok := c.Get(Key("ollama", "m", "unseen text"))
	assert.False(t, ok)
}

func TestDiskCache_Key_IsDeterministicAndProviderScoped(t *testing.T) {
	// Same text under two providers must not collide.
	a := Key("ollama", "m1", "text")
	b := Key("mlx", "m1", "text")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Key("ollama", "m1", "text"))
}

func TestDiskCache_Put_ShardsByKeyPrefix(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir)
	key := Key("ollama", "m", "shard me")

	require.NoError(t, c.Put(key, []float32{1}))

	assert.FileExists(t, filepath.Join(dir, key[:2], key+".gob"))
}

func TestTwoTierCachedEmbedder_Embed_PopulatesDiskOnMiss(t *testing.T) {
	// Given: a mock inner embedder and an empty disk tier
	inner := newMockEmbedder(4)
	diskDir := t.TempDir()
	emb := NewTwoTierCachedEmbedder(inner, "ollama", 16, diskDir)

	// When: the same text is embedded twice
	ctx := context.Background()
	v1, err := emb.Embed(ctx, "hello")
	require.NoError(t, err)
	v2, err := emb.Embed(ctx, "hello")
	require.NoError(t, err)

	// Then: results match and the disk cache now holds the entry
	assert.Equal(t, v1, v2)
	_, ok := NewDiskCache(diskDir).Get(Key("ollama", inner.ModelName(), "hello"))
	assert.True(t, ok)
}

func TestTwoTierCachedEmbedder_Embed_DiskHitSkipsInnerCompute(t *testing.T) {
	// Given: a disk cache pre-populated for a text the inner embedder would
	// otherwise need to compute
	inner := newMockEmbedder(4)
	diskDir := t.TempDir()
	disk := NewDiskCache(diskDir)
	key := Key("ollama", inner.ModelName(), "precomputed")
	require.NoError(t, disk.Put(key, []float32{9, 9, 9, 9}))

	emb := NewTwoTierCachedEmbedder(inner, "ollama", 16, diskDir)

	// When
	vec, err := emb.Embed(context.Background(), "precomputed")
	require.NoError(t, err)

	// Then: the disk-cached vector is returned verbatim, not recomputed
	assert.Equal(t, []float32{9, 9, 9, 9}, vec)
	assert.Equal(t, int64(0), inner.embedCalls.Load())
}

func TestTwoTierCachedEmbedder_EmbedBatch_PreservesOrderAcrossCacheHitsAndMisses(t *testing.T) {
	inner := newMockEmbedder(2)
	diskDir := t.TempDir()
	emb := NewTwoTierCachedEmbedder(inner, "ollama", 16, diskDir)

	// Pre-seed one of three texts in the disk tier.
	seeded := Key("ollama", inner.ModelName(), "b")
	require.NoError(t, NewDiskCache(diskDir).Put(seeded, []float32{7, 7}))

	results, err := emb.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []float32{7, 7}, results[1])
}
