// Command indexer runs the batch pipeline that moves paper records from
// the document store into the search engine. Subcommands cover the
// two-phase checkpointed flow, a single-shot streaming mode, and the
// maintenance verbs around them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/scholar-search/scholar-search/internal/cli"
	"github.com/scholar-search/scholar-search/pkg/checkpoint"
	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/embedding"
	"github.com/scholar-search/scholar-search/pkg/indexer"
	"github.com/scholar-search/scholar-search/pkg/mongodb"
	"github.com/scholar-search/scholar-search/pkg/observability"
	"github.com/scholar-search/scholar-search/pkg/opensearch"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return errors.New("missing command")
	}
	verb, rest := args[0], args[1:]
	if verb == "help" || verb == "-h" || verb == "--help" {
		usage(os.Stdout)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := observability.NewLogger("indexer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch verb {
	case "phase1":
		return runPhase1(ctx, cfg, logger, rest)
	case "phase2":
		return runPhase2(ctx, cfg, logger, rest)
	case "run":
		return runStreaming(ctx, cfg, logger, rest)
	case "reindex-full":
		return runReindexFull(ctx, cfg, logger, rest)
	case "create-index":
		return runCreateIndex(ctx, cfg, logger)
	case "status":
		return runStatus(ctx, cfg, logger)
	case "clean":
		return runClean(cfg, logger)
	default:
		usage(os.Stderr)
		return errors.Errorf("unknown command %q", verb)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: indexer <command> [flags]

Commands:
  phase1        fetch documents and embed them into the checkpoint cache
  phase2        bulk index cached embeddings and back-sync engine ids
  run           streaming pipeline: fetch, embed, index, sync in one pass
  reindex-full  drop the index, clear cross-references and rebuild everything
  create-index  create the search index if it does not exist
  status        show checkpoint cache and document counts
  clean         delete the checkpoint cache

Run 'indexer <command> -h' for command flags.
`)
}

func runPhase1(ctx context.Context, cfg *config.Config, logger observability.Logger, args []string) error {
	fs := flag.NewFlagSet("phase1", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "process at most N documents (0 = all)")
	reindexAll := fs.Bool("reindex-all", false, "include documents that already carry an engine id")
	workers := fs.Int("workers", 0, "embedding workers (default NUM_WORKERS)")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}

	source, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect(source)

	embedder, err := embedding.NewClient(cfg.Embedding, nil, logger, observability.NewNoopMetricsClient())
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(cfg.Indexer.CacheDir, logger)
	if err != nil {
		return err
	}

	idx := indexer.New(cfg, indexer.Deps{
		Source:   source,
		Embedder: embedder,
		Cache:    store,
		Reporter: cli.New(*quiet),
		Logger:   logger,
	})
	return idx.Phase1(ctx, indexer.Phase1Options{
		Limit:      *limit,
		ReindexAll: *reindexAll,
		Workers:    *workers,
		Quiet:      *quiet,
	})
}

func runPhase2(ctx context.Context, cfg *config.Config, logger observability.Logger, args []string) error {
	fs := flag.NewFlagSet("phase2", flag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "suppress progress output")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}

	source, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect(source)

	engine, err := connectEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(cfg.Indexer.CacheDir, logger)
	if err != nil {
		return err
	}

	idx := indexer.New(cfg, indexer.Deps{
		Source:   source,
		Engine:   engine,
		Cache:    store,
		Reporter: cli.New(*quiet),
		Logger:   logger,
	})
	return idx.Phase2(ctx, indexer.Phase2Options{Quiet: *quiet})
}

func runStreaming(ctx context.Context, cfg *config.Config, logger observability.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "process at most N documents (0 = all)")
	reindexAll := fs.Bool("reindex-all", false, "include documents that already carry an engine id")
	workers := fs.Int("workers", 0, "workers per stage (default NUM_WORKERS)")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}

	source, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect(source)

	engine, err := connectEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewClient(cfg.Embedding, nil, logger, observability.NewNoopMetricsClient())
	if err != nil {
		return err
	}

	idx := indexer.New(cfg, indexer.Deps{
		Source:   source,
		Engine:   engine,
		Embedder: embedder,
		Reporter: cli.New(*quiet),
		Logger:   logger,
	})
	return idx.Run(ctx, indexer.RunOptions{
		Limit:      *limit,
		ReindexAll: *reindexAll,
		Workers:    *workers,
		Quiet:      *quiet,
	})
}

func runReindexFull(ctx context.Context, cfg *config.Config, logger observability.Logger, args []string) error {
	fs := flag.NewFlagSet("reindex-full", flag.ContinueOnError)
	workers := fs.Int("workers", 0, "embedding workers (default NUM_WORKERS)")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}

	source, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect(source)

	engine, err := connectEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewClient(cfg.Embedding, nil, logger, observability.NewNoopMetricsClient())
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(cfg.Indexer.CacheDir, logger)
	if err != nil {
		return err
	}

	idx := indexer.New(cfg, indexer.Deps{
		Source:   source,
		Engine:   engine,
		Embedder: embedder,
		Cache:    store,
		Reporter: cli.New(*quiet),
		Logger:   logger,
	})
	return idx.ReindexFull(ctx, indexer.ReindexOptions{Workers: *workers, Quiet: *quiet})
}

func runCreateIndex(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	engine, err := connectEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	idx := indexer.New(cfg, indexer.Deps{Engine: engine, Logger: logger})
	if err := idx.CreateIndex(ctx); err != nil {
		return err
	}
	fmt.Printf("Index %q is ready\n", cfg.OpenSearch.Index)
	return nil
}

func runStatus(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	source, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect(source)

	engine, err := opensearch.NewClient(cfg.OpenSearch, logger)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(cfg.Indexer.CacheDir, logger)
	if err != nil {
		return err
	}

	idx := indexer.New(cfg, indexer.Deps{
		Source: source,
		Engine: engine,
		Cache:  store,
		Logger: logger,
	})
	st, err := idx.Status(ctx)
	if err != nil {
		return err
	}

	out := cli.New(false)
	meta := map[string]string{}
	if st.CacheExists {
		meta["created"] = st.Cache.Metadata.CreatedAt.Format(time.RFC3339)
		meta["last modified"] = st.Cache.Metadata.LastModified.Format(time.RFC3339)
		meta["total docs"] = strconv.FormatInt(st.Cache.Metadata.TotalDocs, 10)
		meta["reindex all"] = strconv.FormatBool(st.Cache.Metadata.ReindexAll)
	}
	out.CacheStatus(st.CacheExists, st.Cache.Entries, st.Cache.EntriesBytes+st.Cache.MetadataBytes, meta)

	fmt.Printf("Documents pending index: %d of %d\n", st.Remaining, st.TotalDocs)
	if st.EngineDocs >= 0 {
		fmt.Printf("Engine documents: %d\n", st.EngineDocs)
	} else {
		fmt.Println("Engine documents: unavailable")
	}

	embedder, err := embedding.NewClient(cfg.Embedding, nil, logger, observability.NewNoopMetricsClient())
	if err != nil {
		return err
	}
	if err := embedder.Health(ctx); err != nil {
		fmt.Printf("Embedding service: unreachable (%s)\n", err)
	} else {
		fmt.Println("Embedding service: ok")
	}
	return nil
}

func runClean(cfg *config.Config, logger observability.Logger) error {
	store, err := checkpoint.NewStore(cfg.Indexer.CacheDir, logger)
	if err != nil {
		return err
	}
	idx := indexer.New(cfg, indexer.Deps{Cache: store, Logger: logger})
	if err := idx.Clean(); err != nil {
		return err
	}
	fmt.Println("Checkpoint cache removed")
	return nil
}

// connectStore dials the document store, retrying transient failures so
// the pipeline survives a database that is still coming up.
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

func flagErr(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}
