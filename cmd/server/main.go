// Command server runs the HTTP search service: hybrid lexical and
// vector retrieval over the paper index, backed by MongoDB for
// hydration and Redis for embedding and result caches.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/scholar-search/scholar-search/internal/api"
	"github.com/scholar-search/scholar-search/pkg/cache"
	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/embedding"
	"github.com/scholar-search/scholar-search/pkg/mongodb"
	"github.com/scholar-search/scholar-search/pkg/observability"
	"github.com/scholar-search/scholar-search/pkg/opensearch"
	"github.com/scholar-search/scholar-search/pkg/resilience"
	"github.com/scholar-search/scholar-search/pkg/search"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := observability.NewLogger("server")
	metrics := observability.NewPrometheusMetricsClient("scholar")

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "scholar-search",
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return errors.Wrap(err, "tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stopTracing(flushCtx)
	}()

	redisCache, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = redisCache.Close() }()

	store, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect(store)

	engine, err := connectEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	embedder, err := embedding.NewClient(cfg.Embedding, redisCache, logger, metrics)
	if err != nil {
		return err
	}
	breaker := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("embedding"), logger, metrics)

	svc := search.NewService(cfg.Search, search.Deps{
		Planner:  search.NewPlanner(cfg.Search),
		Embedder: embedder,
		Engine:   engine,
		Store:    store,
		Results:  redisCache,
		Breaker:  breaker,
		Logger:   logger,
		Metrics:  metrics,
	})

	server := api.NewServer(cfg.Server, svc, logger, metrics, metrics.Registry())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	logger.Info("server stopped", nil)
	return nil
}

// connectRedis dials Redis with retries. The embedding cache and the
// result cache share the connection.
func connectRedis(ctx context.Context, cfg *config.Config) (*cache.RedisCache, error) {
	var rc *cache.RedisCache
	op := func() error {
		var err error
		rc, err = cache.NewRedisCache(cfg.Redis.URL)
		return err
	}
	if err := backoff.Retry(op, connectBackoff(ctx)); err != nil {
		return nil, errors.Wrap(err, "redis unreachable")
	}
	return rc, nil
}

// connectStore dials the document store, retrying transient failures so
// the service survives a database that is still coming up.
func connectStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (*mongodb.Client, error) {
	var client *mongodb.Client
	op := func() error {
		var err error
		client, err = mongodb.NewClient(ctx, cfg.Mongo, logger)
		return err
	}
	if err := backoff.Retry(op, connectBackoff(ctx)); err != nil {
		return nil, errors.Wrap(err, "document store unreachable")
	}
	return client, nil
}

// connectEngine builds the engine client and waits for the cluster to
// answer a health probe.
func connectEngine(ctx context.Context, cfg *config.Config, logger observability.Logger) (*opensearch.Client, error) {
	engine, err := opensearch.NewClient(cfg.OpenSearch, logger)
	if err != nil {
		return nil, err
	}
	op := func() error {
		_, err := engine.ClusterHealth(ctx)
		return err
	}
	if err := backoff.Retry(op, connectBackoff(ctx)); err != nil {
		return nil, errors.Wrap(err, "search engine unreachable")
	}
	return engine, nil
}

func connectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)
}

func disconnect(client *mongodb.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Close(ctx)
}
