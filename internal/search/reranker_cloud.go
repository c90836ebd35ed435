package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tribridrag/tribridrag/internal/embed"
)

// CloudRerankerConfig configures a cloud cross-encoder endpoint.
type CloudRerankerConfig struct {
	Provider string // informational only, carried through to request metadata
	Model    string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Retry    embed.RetryConfig
}

// CloudReranker scores candidates via a hosted reranking API, retried with
// the same exponential backoff policy the embedder uses for model
// downloads (internal/embed/retry.go's DownloadWithRetry, reused directly
// rather than reimplemented) since cloud calls fail the same way model
// downloads do: transient network/5xx errors that usually succeed on
// retry.
type CloudReranker struct {
	client *http.Client
	cfg    CloudRerankerConfig
}

var _ Reranker = (*CloudReranker)(nil)

// NewCloudReranker creates a cloud reranker client.
func NewCloudReranker(cfg CloudRerankerConfig) (*CloudReranker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cloud reranker: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry == (embed.RetryConfig{}) {
		cfg.Retry = embed.DefaultRetryConfig()
	}
	return &CloudReranker{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}, nil
}

type cloudRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
}

type cloudRerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Rerank calls the cloud endpoint, retrying transient failures.
func (c *CloudReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	var parsed cloudRerankResponse
	err := embed.DownloadWithRetry(ctx, c.cfg.Retry, func() error {
		body, err := json.Marshal(cloudRerankRequest{
			Query:     query,
			Documents: documents,
			Model:     c.cfg.Model,
			TopK:      topK,
		})
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("cloud rerank failed (status %d): %s", resp.StatusCode, string(respBody))
		}

		parsed = cloudRerankResponse{}
		return json.NewDecoder(resp.Body).Decode(&parsed)
	})
	if err != nil {
		return nil, err
	}

	results := make([]RerankResult, len(parsed.Results))
	for i, r := range parsed.Results {
		doc := ""
		if r.Index >= 0 && r.Index < len(documents) {
			doc = documents[r.Index]
		}
		results[i] = RerankResult{Index: r.Index, Score: r.Score, Document: doc}
	}
	return results, nil
}

// Available performs a best-effort reachability check against the cloud
// endpoint's base URL.
func (c *CloudReranker) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Close releases idle connections.
func (c *CloudReranker) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
