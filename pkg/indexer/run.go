package indexer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/scholar-search/scholar-search/pkg/checkpoint"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/mongodb"
)

// RunOptions control the single-shot streaming pipeline.
type RunOptions struct {
	Limit      int
	ReindexAll bool
	Workers    int
	Quiet      bool
}

// embeddedBatch carries one outer batch between the embed and index
// stages.
type embeddedBatch struct {
	docs    []models.Document
	vectors [][]float32
}

// Run executes fetch, embed, index, and sync as concurrent stages over
// bounded channels, bypassing the checkpoint cache entirely. A steady
// tick reports per-stage in-flight counts on the progress bar and as
// gauges.
func (idx *Indexer) Run(ctx context.Context, opts RunOptions) error {
	start := time.Now()
	before := idx.stats.Snapshot()

	idx.reporter.StartPhase("streaming pipeline")

	if err := idx.embedder.Health(ctx); err != nil {
		return errors.Wrap(err, "embedding service not ready")
	}
	if err := idx.engine.EnsureIndex(ctx); err != nil {
		return err
	}

	total, err := idx.source.CountDocumentsToIndex(ctx, opts.ReindexAll)
	if err != nil {
		return err
	}
	if opts.Limit > 0 && int64(opts.Limit) < total {
		total = int64(opts.Limit)
	}
	idx.reporter.Info(fmt.Sprintf("%d documents to process", total))
	if total == 0 {
		idx.reporter.Success("nothing to do")
		idx.reporter.EndPhase()
		return nil
	}

	workers := idx.workerCount(opts.Workers)
	idx.reporter.Info(fmt.Sprintf("pipeline mode: fetch, embed, index, sync (%d workers per stage)", workers))

	g, gctx := errgroup.WithContext(ctx)

	docs, err := idx.source.StreamDocuments(gctx, opts.ReindexAll, opts.Limit)
	if err != nil {
		return err
	}

	bar := newBar(total, "starting", opts.Quiet)

	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tickerDone:
				return
			case <-ticker.C:
				inEmbed := idx.stats.InEmbed.Load()
				inIndex := idx.stats.InIndex.Load()
				inSync := idx.stats.InSync.Load()
				bar.Describe(fmt.Sprintf("embed:%d index:%d sync:%d", inEmbed, inIndex, inSync))
				idx.metrics.RecordGauge("indexer_inflight_docs", float64(inEmbed), map[string]string{"stage": "embed"})
				idx.metrics.RecordGauge("indexer_inflight_docs", float64(inIndex), map[string]string{"stage": "index"})
				idx.metrics.RecordGauge("indexer_inflight_docs", float64(inSync), map[string]string{"stage": "sync"})
			}
		}
	}()

	batches := make(chan []models.Document, workers*2)
	go idx.collectBatches(gctx, docs, batches, false, bar)

	embedded := make(chan embeddedBatch, workers*2)
	var embedWg sync.WaitGroup
	embedWg.Add(workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			defer embedWg.Done()
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
					idx.stats.Embedded.Add(int64(len(batch)))
					idx.countDocs("embedded", len(batch))
					select {
					case embedded <- embeddedBatch{docs: batch, vectors: vectors}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
		})
	}
	go func() {
		embedWg.Wait()
		close(embedded)
	}()

	syncCh := make(chan []mongodb.IDUpdate, workers*2)
	var indexWg sync.WaitGroup
	indexWg.Add(workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			defer indexWg.Done()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case batch, ok := <-embedded:
					if !ok {
						return nil
					}
					entries := make([]checkpoint.Entry, len(batch.docs))
					for j := range batch.docs {
						entries[j] = checkpoint.NewEntry(batch.docs[j], batch.vectors[j])
					}
					idx.indexSlice(gctx, entries, syncCh, bar)
				}
			}
		})
	}
	go func() {
		indexWg.Wait()
		close(syncCh)
	}()

	// Single sync worker; it drains everything the index workers queued
	// before the group is considered done.
	g.Go(func() error {
		for updates := range syncCh {
			idx.syncUpdates(gctx, updates)
		}
		return nil
	})

	runErr := g.Wait()
	close(tickerDone)
	_ = bar.Finish()

	if runErr != nil {
		return runErr
	}

	idx.reporter.EndPhase()
	elapsed := time.Since(start)
	delta := idx.stats.Snapshot().Sub(before)
	idx.reporter.Summary("streaming pipeline", map[string]string{
		"fetched": strconv.FormatInt(delta.Fetched, 10),
		"indexed": strconv.FormatInt(delta.Indexed, 10),
		"synced":  strconv.FormatInt(delta.Synced, 10),
		"errors":  strconv.FormatInt(delta.Errors, 10),
		"rate":    fmt.Sprintf("%.1f docs/s", float64(delta.Indexed)/max(elapsed.Seconds(), 0.001)),
	})
	return nil
}
