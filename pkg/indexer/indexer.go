// Package indexer drives the batch pipeline that moves documents from
// the authoritative store into the search engine: Phase 1 fetches and
// embeds into the checkpoint cache, Phase 2 bulk-indexes the cache and
// back-syncs engine ids, and Run streams all four stages at once
// without touching the cache.
package indexer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/scholar-search/scholar-search/pkg/checkpoint"
	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/mongodb"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

// DocumentSource is the slice of the document store the pipeline needs.
type DocumentSource interface {
	CountDocumentsToIndex(ctx context.Context, reindexAll bool) (int64, error)
	TotalDocuments(ctx context.Context) (int64, error)
	StreamDocuments(ctx context.Context, reindexAll bool, limit int) (<-chan models.Document, error)
	NotIndexedIDs(ctx context.Context) (map[string]struct{}, error)
	BulkUpdateOpenSearchIDs(ctx context.Context, updates []mongodb.IDUpdate) error
	ClearOpenSearchIDs(ctx context.Context) (int64, error)
}

// Engine is the slice of the search engine client the pipeline needs.
type Engine interface {
	EnsureIndex(ctx context.Context) error
	DeleteIndex(ctx context.Context) error
	BulkIndex(ctx context.Context, docs []models.EngineDocument) (map[string]string, error)
	Count(ctx context.Context) (int64, error)
}

// Embedder turns document text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Health(ctx context.Context) error
}

// Reporter receives human-facing progress output. The CLI presenter
// implements it; NopReporter silences it.
type Reporter interface {
	StartPhase(name string)
	EndPhase() time.Duration
	Step(current, total int, description string)
	Info(message string)
	Success(message string)
	Warning(message string)
	Error(message string)
	Summary(title string, items map[string]string)
}

// NopReporter discards all progress output.
type NopReporter struct{}

func (NopReporter) StartPhase(string)                 {}
func (NopReporter) EndPhase() time.Duration           { return 0 }
func (NopReporter) Step(int, int, string)             {}
func (NopReporter) Info(string)                       {}
func (NopReporter) Success(string)                    {}
func (NopReporter) Warning(string)                    {}
func (NopReporter) Error(string)                      {}
func (NopReporter) Summary(string, map[string]string) {}

// Stats carries the live pipeline counters. The In* gauges track
// documents currently inside a stage.
type Stats struct {
	Fetched  atomic.Int64
	Embedded atomic.Int64
	Indexed  atomic.Int64
	Synced   atomic.Int64
	Skipped  atomic.Int64
	Errors   atomic.Int64

	InEmbed atomic.Int64
	InIndex atomic.Int64
	InSync  atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Fetched  int64
	Embedded int64
	Indexed  int64
	Synced   int64
	Skipped  int64
	Errors   int64
}

// Snapshot reads all counters at once.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Fetched:  s.Fetched.Load(),
		Embedded: s.Embedded.Load(),
		Indexed:  s.Indexed.Load(),
		Synced:   s.Synced.Load(),
		Skipped:  s.Skipped.Load(),
		Errors:   s.Errors.Load(),
	}
}

// Sub returns the counter deltas since an earlier snapshot.
func (s Snapshot) Sub(o Snapshot) Snapshot {
	return Snapshot{
		Fetched:  s.Fetched - o.Fetched,
		Embedded: s.Embedded - o.Embedded,
		Indexed:  s.Indexed - o.Indexed,
		Synced:   s.Synced - o.Synced,
		Skipped:  s.Skipped - o.Skipped,
		Errors:   s.Errors - o.Errors,
	}
}

// Deps are the collaborators an Indexer drives. Cache may be nil when
// only Run is used; Reporter, Logger, and Metrics default to no-ops.
type Deps struct {
	Source   DocumentSource
	Engine   Engine
	Embedder Embedder
	Cache    *checkpoint.Store
	Reporter Reporter
	Logger   observability.Logger
	Metrics  observability.MetricsClient
}

// Indexer owns the batch pipeline. One instance serves one command
// invocation; counters accumulate across phases.
type Indexer struct {
	cfg      *config.Config
	source   DocumentSource
	engine   Engine
	embedder Embedder
	cache    *checkpoint.Store
	reporter Reporter
	logger   observability.Logger
	metrics  observability.MetricsClient

	stats Stats
}

// New wires an Indexer from its dependencies.
func New(cfg *config.Config, deps Deps) *Indexer {
	if deps.Reporter == nil {
		deps.Reporter = NopReporter{}
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoopMetricsClient()
	}
	return &Indexer{
		cfg:      cfg,
		source:   deps.Source,
		engine:   deps.Engine,
		embedder: deps.Embedder,
		cache:    deps.Cache,
		reporter: deps.Reporter,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

// Stats returns a snapshot of the pipeline counters.
func (idx *Indexer) Stats() Snapshot {
	return idx.stats.Snapshot()
}

func (idx *Indexer) countDocs(stage string, n int) {
	if n == 0 {
		return
	}
	idx.metrics.IncrementCounterWithLabels("indexer_documents_total", float64(n), map[string]string{"stage": stage})
}

// Status describes the pipeline state for the status verb. EngineDocs
// is -1 when the engine count is unavailable (index missing, cluster
// down).
type Status struct {
	CacheExists bool
	Cache       checkpoint.Stats
	Remaining   int64
	TotalDocs   int64
	EngineDocs  int64
}

// Status loads the checkpoint and collects counts from the store and
// the engine.
func (idx *Indexer) Status(ctx context.Context) (*Status, error) {
	if err := idx.cache.Load(); err != nil {
		return nil, err
	}
	st, err := idx.cache.Stats()
	if err != nil {
		return nil, err
	}

	remaining, err := idx.source.CountDocumentsToIndex(ctx, false)
	if err != nil {
		return nil, err
	}
	total, err := idx.source.TotalDocuments(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		CacheExists: idx.cache.Exists(),
		Cache:       st,
		Remaining:   remaining,
		TotalDocs:   total,
		EngineDocs:  -1,
	}
	if n, err := idx.engine.Count(ctx); err == nil {
		status.EngineDocs = n
	} else {
		idx.logger.Warn("Engine document count unavailable", map[string]interface{}{"error": err.Error()})
	}
	return status, nil
}

// CreateIndex ensures the engine index exists with the current mapping.
func (idx *Indexer) CreateIndex(ctx context.Context) error {
	return idx.engine.EnsureIndex(ctx)
}

// Clean removes the checkpoint cache files.
func (idx *Indexer) Clean() error {
	return idx.cache.Clear()
}

// ReindexOptions control a full reindex.
type ReindexOptions struct {
	Workers int
	Quiet   bool
}

// ReindexFull rebuilds the index from scratch: drop and recreate the
// index, clear the engine ids in the document store and the checkpoint
// cache, then run both phases over the whole collection.
func (idx *Indexer) ReindexFull(ctx context.Context, opts ReindexOptions) error {
	idx.reporter.StartPhase("full reindex")

	idx.reporter.Step(1, 4, "deleting index")
	if err := idx.engine.DeleteIndex(ctx); err != nil {
		return err
	}

	idx.reporter.Step(2, 4, "creating index with current mapping")
	if err := idx.engine.EnsureIndex(ctx); err != nil {
		return err
	}

	idx.reporter.Step(3, 4, "clearing engine ids in document store")
	cleared, err := idx.source.ClearOpenSearchIDs(ctx)
	if err != nil {
		return err
	}
	idx.reporter.Info(fmt.Sprintf("cleared %d records", cleared))

	idx.reporter.Step(4, 4, "clearing checkpoint cache")
	if err := idx.cache.Clear(); err != nil {
		return err
	}
	idx.reporter.EndPhase()

	if err := idx.Phase1(ctx, Phase1Options{ReindexAll: true, Workers: opts.Workers, Quiet: opts.Quiet}); err != nil {
		return err
	}
	return idx.Phase2(ctx, Phase2Options{Quiet: opts.Quiet})
}

func newBar(total int64, description string, quiet bool) *progressbar.ProgressBar {
	out := io.Writer(os.Stdout)
	if quiet {
		out = io.Discard
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// workerCount resolves the worker flag against the configured default.
// Both phases run at least two workers.
func (idx *Indexer) workerCount(requested int) int {
	workers := requested
	if workers <= 0 {
		workers = idx.cfg.Indexer.NumWorkers
	}
	return max(2, workers)
}

var errNoCheckpoint = errors.New("no checkpoint cache found, run phase1 first")
