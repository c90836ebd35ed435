package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MLXTrainerConfig configures the local training/evaluation server, mirroring
// internal/search/mlx_reranker.go's endpoint/timeout shape: the adapter
// trainer is a local MLX process reached over HTTP, the same way the base
// reranker model is.
type MLXTrainerConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// DefaultMLXTrainerConfig returns default trainer/evaluator configuration.
func DefaultMLXTrainerConfig() MLXTrainerConfig {
	return MLXTrainerConfig{
		Endpoint: "http://localhost:9659",
		Timeout:  30 * time.Minute,
	}
}

// MLXTrainer trains a LoRA-style reranker adapter by delegating to a local
// MLX training server's /train endpoint.
type MLXTrainer struct {
	client   *http.Client
	endpoint string
}

var _ Trainer = (*MLXTrainer)(nil)

// NewMLXTrainer creates a trainer against the configured endpoint.
func NewMLXTrainer(cfg MLXTrainerConfig) *MLXTrainer {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultMLXTrainerConfig().Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMLXTrainerConfig().Timeout
	}
	return &MLXTrainer{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: cfg.Endpoint,
	}
}

type trainRequest struct {
	Triplets []tripletWire `json:"triplets"`
	RunDir   string        `json:"run_dir"`
}

type tripletWire struct {
	Query      string  `json:"query"`
	PositiveID string  `json:"positive_id"`
	NegativeID string  `json:"negative_id"`
	Confidence float64 `json:"confidence"`
}

type trainResponse struct {
	AdapterPath string `json:"adapter_path"`
}

// Train posts the mined triplets to the training server and returns the
// resulting adapter's on-disk path once training completes.
func (t *MLXTrainer) Train(ctx context.Context, triplets []Triplet, runDir string) (string, error) {
	body, err := json.Marshal(trainRequest{Triplets: toWire(triplets), RunDir: runDir})
	if err != nil {
		return "", fmt.Errorf("encode train request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/train", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build train request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("train request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("training server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed trainResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode train response: %w", err)
	}
	return parsed.AdapterPath, nil
}

// MLXEvaluator scores a trained (or baseline) adapter against a held-out
// triplet split via the same training server's /evaluate endpoint.
type MLXEvaluator struct {
	client   *http.Client
	endpoint string
}

var _ Evaluator = (*MLXEvaluator)(nil)

// NewMLXEvaluator creates an evaluator against the configured endpoint.
func NewMLXEvaluator(cfg MLXTrainerConfig) *MLXEvaluator {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultMLXTrainerConfig().Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMLXTrainerConfig().Timeout
	}
	return &MLXEvaluator{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: cfg.Endpoint,
	}
}

type evaluateRequest struct {
	AdapterPath string        `json:"adapter_path,omitempty"`
	HeldOut     []tripletWire `json:"held_out"`
}

type evaluateResponse struct {
	Metric float64 `json:"metric"`
}

// Evaluate computes the pairwise accuracy metric for adapterPath (or the
// unmodified base model, when adapterPath is empty) over heldOut.
func (e *MLXEvaluator) Evaluate(ctx context.Context, adapterPath string, heldOut []Triplet) (float64, error) {
	body, err := json.Marshal(evaluateRequest{AdapterPath: adapterPath, HeldOut: toWire(heldOut)})
	if err != nil {
		return 0, fmt.Errorf("encode evaluate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("evaluate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("evaluation server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode evaluate response: %w", err)
	}
	return parsed.Metric, nil
}

func toWire(triplets []Triplet) []tripletWire {
	wire := make([]tripletWire, len(triplets))
	for i, t := range triplets {
		wire[i] = tripletWire{
			Query:      t.Query,
			PositiveID: t.PositiveID,
			NegativeID: t.NegativeID,
			Confidence: t.Confidence,
		}
	}
	return wire
}
