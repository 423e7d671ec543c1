package indexer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/scholar-search/scholar-search/pkg/checkpoint"
	"github.com/scholar-search/scholar-search/pkg/embedding"
	"github.com/scholar-search/scholar-search/pkg/models"
)

// autosaveInterval bounds checkpoint loss on a crash during Phase 1.
const autosaveInterval = 30 * time.Second

// Phase1Options control the fetch-and-embed phase.
type Phase1Options struct {
	Limit      int
	ReindexAll bool
	Workers    int
	Quiet      bool
}

// saveClock rations saves so concurrent workers trigger at most one per
// interval.
type saveClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *saveClock) due(interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.last) < interval {
		return false
	}
	c.last = time.Now()
	return true
}

// Phase1 streams documents from the authoritative store, embeds them in
// parallel, and persists the results into the checkpoint cache. Ids
// already in the cache are skipped, so an interrupted run restarts with
// the same flags and picks up where it left off. The final save always
// runs to completion, cancellation included.
func (idx *Indexer) Phase1(ctx context.Context, opts Phase1Options) error {
	start := time.Now()
	before := idx.stats.Snapshot()

	idx.reporter.StartPhase("phase 1: fetch and embed")

	idx.reporter.Step(1, 6, "loading checkpoint cache")
	if err := idx.cache.Load(); err != nil {
		return err
	}
	idx.reporter.Info(fmt.Sprintf("%d entries already cached", idx.cache.Count()))

	idx.reporter.Step(2, 6, "probing embedding service")
	if err := idx.embedder.Health(ctx); err != nil {
		return errors.Wrap(err, "embedding service not ready")
	}

	idx.reporter.Step(3, 6, "counting remaining documents")
	total, err := idx.source.CountDocumentsToIndex(ctx, opts.ReindexAll)
	if err != nil {
		return err
	}
	if opts.Limit > 0 && int64(opts.Limit) < total {
		total = int64(opts.Limit)
	}
	idx.reporter.Info(fmt.Sprintf("%d documents to process", total))
	if total == 0 {
		idx.reporter.Success("nothing to embed")
		idx.reporter.EndPhase()
		return nil
	}

	workers := idx.workerCount(opts.Workers)
	idx.reporter.Step(4, 6, "streaming documents from store")

	g, gctx := errgroup.WithContext(ctx)

	docs, err := idx.source.StreamDocuments(gctx, opts.ReindexAll, opts.Limit)
	if err != nil {
		return err
	}

	idx.reporter.Step(5, 6, fmt.Sprintf("embedding with %d workers", workers))
	bar := newBar(total, "embedding", opts.Quiet)
	clock := &saveClock{last: start}

	batches := make(chan []models.Document, workers*2)
	go idx.collectBatches(gctx, docs, batches, true, bar)

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case batch, ok := <-batches:
					if !ok {
						return nil
					}
					vectors, err := idx.embedDocs(gctx, batch)
					if err != nil {
						return err
					}
					if vectors == nil {
						_ = bar.Add(len(batch))
						continue
					}

					entries := make([]checkpoint.Entry, len(batch))
					for j, doc := range batch {
						entries[j] = checkpoint.NewEntry(doc, vectors[j])
					}
					idx.cache.AddEntries(entries)
					idx.stats.Embedded.Add(int64(len(batch)))
					idx.countDocs("embedded", len(batch))
					_ = bar.Add(len(batch))

					if clock.due(autosaveInterval) {
						if err := idx.cache.Save(); err != nil {
							return errors.Wrap(err, "autosaving checkpoint")
						}
					}
				}
			}
		})
	}

	runErr := g.Wait()
	_ = bar.Finish()

	// The final save runs to completion no matter how the workers
	// stopped; a crash loses at most one autosave window.
	idx.reporter.Step(6, 6, "persisting checkpoint cache")
	idx.cache.SetMetadata(total, opts.ReindexAll)
	if err := idx.cache.Save(); err != nil {
		if runErr != nil {
			idx.logger.Error("Checkpoint save failed after pipeline error", map[string]interface{}{"error": err.Error()})
			return runErr
		}
		return errors.Wrap(err, "saving checkpoint")
	}
	if runErr != nil {
		return runErr
	}

	idx.reporter.EndPhase()
	elapsed := time.Since(start)
	delta := idx.stats.Snapshot().Sub(before)
	idx.reporter.Summary("phase 1: fetch and embed", map[string]string{
		"cached entries": strconv.Itoa(idx.cache.Count()),
		"embedded":       strconv.FormatInt(delta.Embedded, 10),
		"skipped":        strconv.FormatInt(delta.Skipped, 10),
		"errors":         strconv.FormatInt(delta.Errors, 10),
		"rate":           fmt.Sprintf("%.1f docs/s", float64(delta.Embedded)/max(elapsed.Seconds(), 0.001)),
	})
	return nil
}

// collectBatches groups streamed documents into MongoBatchSize batches.
// With skipProcessed set, ids already in the checkpoint are dropped and
// counted before batching.
func (idx *Indexer) collectBatches(ctx context.Context, docs <-chan models.Document, out chan<- []models.Document, skipProcessed bool, bar *progressbar.ProgressBar) {
	defer close(out)

	batch := make([]models.Document, 0, idx.cfg.Mongo.BatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		send := make([]models.Document, len(batch))
		copy(send, batch)
		batch = batch[:0]
		select {
		case out <- send:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for doc := range docs {
		idx.stats.Fetched.Add(1)
		if skipProcessed && idx.cache.IsProcessed(doc.ID.Hex()) {
			idx.stats.Skipped.Add(1)
			idx.countDocs("skipped", 1)
			_ = bar.Add(1)
			continue
		}
		batch = append(batch, doc)
		if len(batch) >= idx.cfg.Mongo.BatchSize {
			if !flush() {
				return
			}
		}
	}
	flush()
}

// embedDocs embeds one outer batch in EmbedBatchSize sub-batches. Every
// sub-batch must succeed; on failure the whole batch is counted as
// errors and (nil, nil) is returned so the caller drops it. Only
// cancellation is returned as an error.
func (idx *Indexer) embedDocs(ctx context.Context, docs []models.Document) ([][]float32, error) {
	idx.stats.InEmbed.Add(int64(len(docs)))
	defer idx.stats.InEmbed.Add(-int64(len(docs)))

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = embedding.BuildEmbeddingText(doc.Title, doc.Abstract)
	}

	step := idx.cfg.Embedding.BatchSize
	if step <= 0 {
		step = len(texts)
	}

	vectors := make([][]float32, 0, len(docs))
	for lo := 0; lo < len(texts); lo += step {
		hi := min(lo+step, len(texts))
		sub, err := idx.embedder.Embed(ctx, texts[lo:hi])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			idx.stats.Errors.Add(int64(len(docs)))
			idx.countDocs("dropped", len(docs))
			idx.logger.Warn("Dropping batch after embedding failure", map[string]interface{}{
				"docs":  len(docs),
				"error": err.Error(),
			})
			return nil, nil
		}
		vectors = append(vectors, sub...)
	}
	return vectors, nil
}
