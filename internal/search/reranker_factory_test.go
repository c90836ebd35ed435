package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribridrag/tribridrag/internal/config"
	tribridErrors "github.com/tribridrag/tribridrag/internal/errors"
)

func TestNewRerankerFromConfig_NoneModeReturnsNoOp(t *testing.T) {
	r, err := NewRerankerFromConfig(context.Background(), config.RerankerConfig{Mode: "none"})
	require.NoError(t, err)
	_, isNoOp := r.(*NoOpReranker)
	assert.True(t, isNoOp)
}

func TestNewRerankerFromConfig_EmptyModeDefaultsToNoOp(t *testing.T) {
	r, err := NewRerankerFromConfig(context.Background(), config.RerankerConfig{})
	require.NoError(t, err)
	_, isNoOp := r.(*NoOpReranker)
	assert.True(t, isNoOp)
}

func TestNewRerankerFromConfig_LearnedModeRequiresAdapterPath(t *testing.T) {
	_, err := NewRerankerFromConfig(context.Background(), config.RerankerConfig{Mode: "learned", AdapterPath: ""})
	require.Error(t, err)
	assert.Equal(t, tribridErrors.ErrCodeRerankerUnavailable, tribridErrors.GetCode(err))
}

func TestNewRerankerFromConfig_CloudModeRequiresProvider(t *testing.T) {
	_, err := NewRerankerFromConfig(context.Background(), config.RerankerConfig{Mode: "cloud", CloudProvider: ""})
	require.Error(t, err)
	assert.Equal(t, tribridErrors.ErrCodeRerankerUnavailable, tribridErrors.GetCode(err))
}

func TestNewRerankerFromConfig_CloudModeUnknownProviderFailsSetup(t *testing.T) {
	// An unrecognized provider resolves to an empty endpoint, which
	// NewCloudReranker rejects.
	_, err := NewRerankerFromConfig(context.Background(), config.RerankerConfig{Mode: "cloud", CloudProvider: "unknown-vendor"})
	require.Error(t, err)
	assert.Equal(t, tribridErrors.ErrCodeRerankerUnavailable, tribridErrors.GetCode(err))
}

func TestNewRerankerFromConfig_CloudModeKnownProviderResolvesEndpoint(t *testing.T) {
	r, err := NewRerankerFromConfig(context.Background(), config.RerankerConfig{Mode: "cloud", CloudProvider: "cohere"})
	require.NoError(t, err)
	cloud, ok := r.(*CloudReranker)
	require.True(t, ok)
	assert.Equal(t, "https://api.cohere.ai/v1/rerank", cloud.cfg.Endpoint)
}

func TestNewRerankerFromConfig_UnknownModeIsError(t *testing.T) {
	_, err := NewRerankerFromConfig(context.Background(), config.RerankerConfig{Mode: "bogus"})
	assert.Error(t, err)
}

func TestCloudEndpointFor_KnownAndUnknownProviders(t *testing.T) {
	assert.Equal(t, "https://api.cohere.ai/v1/rerank", cloudEndpointFor("cohere"))
	assert.Equal(t, "https://api.voyageai.com/v1/rerank", cloudEndpointFor("voyage"))
	assert.Empty(t, cloudEndpointFor("unknown"))
}
