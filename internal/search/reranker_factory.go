package search

import (
	"context"
	"fmt"
	"time"

	"github.com/tribridrag/tribridrag/internal/config"
	tribridErrors "github.com/tribridrag/tribridrag/internal/errors"
)

// NewRerankerFromConfig builds the configured Reranker for
// config.RerankerConfig.Mode ("none" | "local" | "learned" | "cloud").
// A cold-load failure for "learned"/"local"/"cloud"
// returns RerankerUnavailableError rather than panicking; callers are
// expected to fall back to NoOpReranker and continue serving the fused
// top_k, per that error's documented contract.
func NewRerankerFromConfig(ctx context.Context, cfg config.RerankerConfig) (Reranker, error) {
	switch cfg.Mode {
	case "", "none":
		return &NoOpReranker{}, nil

	case "local":
		mlxCfg := DefaultMLXRerankerConfig()
		if cfg.LocalModel != "" {
			mlxCfg.Model = cfg.LocalModel
		}
		if cfg.TimeoutSec > 0 {
			mlxCfg.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
		}
		r, err := NewMLXReranker(ctx, mlxCfg)
		if err != nil {
			return nil, tribridErrors.RerankerUnavailableError("local reranker cold-load failed", err)
		}
		return r, nil

	case "learned":
		if cfg.AdapterPath == "" {
			return nil, tribridErrors.RerankerUnavailableError("reranker.adapter_path is required for mode=learned", nil)
		}
		mlxCfg := DefaultMLXRerankerConfig()
		if cfg.LocalModel != "" {
			mlxCfg.Model = cfg.LocalModel
		}
		if cfg.TimeoutSec > 0 {
			mlxCfg.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
		}
		base, err := NewMLXReranker(ctx, mlxCfg)
		if err != nil {
			return nil, tribridErrors.RerankerUnavailableError("learned reranker base model cold-load failed", err)
		}
		learnedCfg := DefaultLearnedRerankerConfig(cfg.AdapterPath)
		if cfg.ReloadPeriodSec > 0 {
			learnedCfg.PollInterval = time.Duration(cfg.ReloadPeriodSec) * time.Second
		}
		if cfg.UnloadAfterSec > 0 {
			learnedCfg.IdleUnloadAfter = time.Duration(cfg.UnloadAfterSec) * time.Second
		}
		r, err := NewLearnedReranker(ctx, base, learnedCfg)
		if err != nil {
			return nil, tribridErrors.RerankerUnavailableError("adapter cold-load failed", err)
		}
		return r, nil

	case "cloud":
		if cfg.CloudProvider == "" {
			return nil, tribridErrors.RerankerUnavailableError("reranker.cloud_provider is required for mode=cloud", nil)
		}
		cloudCfg := CloudRerankerConfig{
			Provider: cfg.CloudProvider,
			Model:    cfg.CloudModel,
			Endpoint: cloudEndpointFor(cfg.CloudProvider),
		}
		if cfg.TimeoutSec > 0 {
			cloudCfg.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
		}
		r, err := NewCloudReranker(cloudCfg)
		if err != nil {
			return nil, tribridErrors.RerankerUnavailableError("cloud reranker setup failed", err)
		}
		return r, nil

	default:
		return nil, fmt.Errorf("unknown reranker mode %q", cfg.Mode)
	}
}

// cloudEndpointFor resolves a provider name to its rerank API base URL.
// Extend this map as additional cloud rerank providers are supported.
func cloudEndpointFor(provider string) string {
	switch provider {
	case "cohere":
		return "https://api.cohere.ai/v1/rerank"
	case "voyage":
		return "https://api.voyageai.com/v1/rerank"
	default:
		return ""
	}
}
