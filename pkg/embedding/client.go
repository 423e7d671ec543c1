// Package embedding talks to the remote text-embedding service. One
// client instance carries the concurrency cap and request pacing for
// the whole process.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/scholar-search/scholar-search/pkg/cache"
	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

// ErrUnavailable is returned once every retry attempt has failed.
var ErrUnavailable = errors.New("embedding service unavailable")

const (
	// maxInFlight caps concurrent requests to the inference service
	// regardless of how many pipeline workers are running.
	maxInFlight = 2

	// minRequestGap is the minimum spacing between consecutive requests.
	minRequestGap = 100 * time.Millisecond

	maxBackoff = 10 * time.Second
)

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	TookMS     float64     `json:"took_ms,omitempty"`
	Dimension  int         `json:"dimension,omitempty"`
}

// Client calls the embedding service with a fixed in-flight cap,
// request pacing, and exponential-backoff retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	queryCache *queryCache

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewClient builds a client from configuration. kv backs the query-vector
// cache and may be nil (the batch pipeline embeds documents, not queries,
// and runs without it).
func NewClient(cfg config.EmbeddingConfig, kv cache.Cache, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	qc, err := newQueryCache(kv, cfg.CacheTTL(), logger, metrics)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: maxInFlight,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		baseURL:    cfg.ServiceURL,
		maxRetries: cfg.MaxRetries,
		sem:        semaphore.NewWeighted(maxInFlight),
		limiter:    rate.NewLimiter(rate.Every(minRequestGap), 1),
		queryCache: qc,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Embed returns one vector per input text, order preserved. It blocks
// until an in-flight slot is free, paces requests, and retries with
// exponential backoff (1s, 2s, 4s... capped at 10s). A cancelled
// context aborts immediately.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		start := time.Now()
		vectors, err := c.doRequest(ctx, texts)
		if err == nil {
			c.metrics.IncrementCounterWithLabels("embedding_requests_total", 1, map[string]string{"status": "ok"})
			c.metrics.RecordTimer("embedding_duration_seconds", time.Since(start), nil)
			return vectors, nil
		}
		lastErr = err
		c.metrics.IncrementCounterWithLabels("embedding_requests_total", 1, map[string]string{"status": "error"})

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < c.maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			c.logger.Warn("Embedding request failed, retrying", map[string]interface{}{
				"attempt": attempt + 1,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, errors.Wrapf(ErrUnavailable, "after %d attempts: %v", c.maxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Texts: texts})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "creating embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "embed request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("embed status %d: %s", resp.StatusCode, string(detail))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "decoding embed response")
	}
	if len(result.Embeddings) != len(texts) {
		return nil, errors.Errorf("embed returned %d vectors for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// EmbedQuery embeds a single query string through the two-tier vector
// cache. Cache failures never fail the call.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := c.queryCache.get(ctx, text); ok {
		return vector, nil
	}

	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	vector := vectors[0]
	c.queryCache.put(ctx, text, vector)
	return vector, nil
}

// Health probes the service liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "creating health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "embedding health request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("embedding health status %d", resp.StatusCode)
	}
	return nil
}

// BuildEmbeddingText composes the text embedded for a document, in the
// format the inference model was trained on.
func BuildEmbeddingText(title, abstract string) string {
	if abstract == "" {
		return title
	}
	return title + " [SEP] " + abstract
}
