package indexer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/scholar-search/scholar-search/pkg/checkpoint"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/mongodb"
)

// Phase2Options control the index-and-sync phase.
type Phase2Options struct {
	Quiet bool
}

// Phase2 loads the checkpoint cache, bulk-indexes every entry whose
// record still lacks an engine id, and writes the returned engine ids
// back onto the authoritative records. Entries whose records already
// carry an engine id are skipped, so re-running on the same cache only
// reconciles what the previous run left unmarked. Indexing runs in
// parallel; a single sync worker applies the id updates to keep the
// document store inside its write quota.
func (idx *Indexer) Phase2(ctx context.Context, opts Phase2Options) error {
	start := time.Now()
	before := idx.stats.Snapshot()

	idx.reporter.StartPhase("phase 2: index and sync")

	idx.reporter.Step(1, 4, "loading checkpoint cache")
	if !idx.cache.Exists() {
		return errNoCheckpoint
	}
	if err := idx.cache.Load(); err != nil {
		return err
	}
	cached := idx.cache.GetEntries()
	idx.reporter.Info(fmt.Sprintf("%d entries loaded", len(cached)))

	unmarked, err := idx.source.NotIndexedIDs(ctx)
	if err != nil {
		return err
	}
	entries := make([]checkpoint.Entry, 0, len(cached))
	for _, entry := range cached {
		if _, ok := unmarked[entry.MongoID.Hex()]; ok {
			entries = append(entries, entry)
		}
	}
	if skipped := len(cached) - len(entries); skipped > 0 {
		idx.stats.Skipped.Add(int64(skipped))
		idx.countDocs("skipped", skipped)
		idx.reporter.Info(fmt.Sprintf("%d entries already indexed, skipped", skipped))
	}
	if len(entries) == 0 {
		idx.reporter.Success("nothing to index")
		idx.reporter.EndPhase()
		return nil
	}

	idx.reporter.Step(2, 4, "ensuring index exists")
	if err := idx.engine.EnsureIndex(ctx); err != nil {
		return err
	}

	workers := idx.workerCount(0)
	idx.reporter.Step(3, 4, fmt.Sprintf("bulk indexing with %d workers", workers))

	bar := newBar(int64(len(entries)), "indexing", opts.Quiet)
	bulkSize := idx.cfg.OpenSearch.BulkSize
	if bulkSize <= 0 {
		bulkSize = len(entries)
	}

	g, gctx := errgroup.WithContext(ctx)

	slices := make(chan []checkpoint.Entry, workers)
	go func() {
		defer close(slices)
		for lo := 0; lo < len(entries); lo += bulkSize {
			hi := min(lo+bulkSize, len(entries))
			select {
			case slices <- entries[lo:hi]:
			case <-gctx.Done():
				return
			}
		}
	}()

	syncCh := make(chan []mongodb.IDUpdate, workers*2)
	var syncWg sync.WaitGroup
	syncWg.Add(1)
	go func() {
		defer syncWg.Done()
		for updates := range syncCh {
			idx.syncUpdates(ctx, updates)
		}
	}()

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case slice, ok := <-slices:
					if !ok {
						return nil
					}
					idx.indexSlice(gctx, slice, syncCh, bar)
				}
			}
		})
	}

	runErr := g.Wait()
	close(syncCh)

	idx.reporter.Step(4, 4, "waiting for id back-sync")
	syncWg.Wait()
	_ = bar.Finish()

	if runErr != nil {
		return runErr
	}

	idx.reporter.EndPhase()
	elapsed := time.Since(start)
	delta := idx.stats.Snapshot().Sub(before)
	idx.reporter.Summary("phase 2: index and sync", map[string]string{
		"indexed": strconv.FormatInt(delta.Indexed, 10),
		"synced":  strconv.FormatInt(delta.Synced, 10),
		"skipped": strconv.FormatInt(delta.Skipped, 10),
		"errors":  strconv.FormatInt(delta.Errors, 10),
		"rate":    fmt.Sprintf("%.1f docs/s", float64(delta.Indexed)/max(elapsed.Seconds(), 0.001)),
	})
	return nil
}

// indexSlice bulk-indexes one slice of entries and queues the engine
// ids it got back for back-sync. Engine failures are counted, never
// fatal: a whole-request error drops the slice, a non-2xx item drops
// that item.
func (idx *Indexer) indexSlice(ctx context.Context, entries []checkpoint.Entry, syncCh chan<- []mongodb.IDUpdate, bar *progressbar.ProgressBar) {
	idx.stats.InIndex.Add(int64(len(entries)))
	defer idx.stats.InIndex.Add(-int64(len(entries)))

	docs := make([]models.EngineDocument, len(entries))
	for i, entry := range entries {
		docs[i] = entry.EngineDocument()
	}

	idMap, err := idx.engine.BulkIndex(ctx, docs)
	if err != nil {
		idx.stats.Errors.Add(int64(len(entries)))
		idx.countDocs("dropped", len(entries))
		_ = bar.Add(len(entries))
		idx.logger.Error("Bulk index failed", map[string]interface{}{
			"docs":  len(entries),
			"error": err.Error(),
		})
		return
	}

	idx.stats.Indexed.Add(int64(len(idMap)))
	idx.stats.Errors.Add(int64(len(entries) - len(idMap)))
	idx.countDocs("indexed", len(idMap))
	_ = bar.Add(len(entries))

	updates := make([]mongodb.IDUpdate, 0, len(idMap))
	for _, entry := range entries {
		if engineID, ok := idMap[entry.MongoID.Hex()]; ok {
			updates = append(updates, mongodb.IDUpdate{MongoID: entry.MongoID, OpenSearchID: engineID})
		}
	}
	if len(updates) == 0 {
		return
	}

	idx.stats.InSync.Add(int64(len(updates)))
	select {
	case syncCh <- updates:
	case <-ctx.Done():
		idx.stats.InSync.Add(-int64(len(updates)))
	}
}

// syncUpdates writes one batch of engine ids onto the authoritative
// records. Failures are counted and logged; the engine write is never
// unwound. The next Phase 2 run reconciles unmarked records.
func (idx *Indexer) syncUpdates(ctx context.Context, updates []mongodb.IDUpdate) {
	defer idx.stats.InSync.Add(-int64(len(updates)))

	if err := idx.source.BulkUpdateOpenSearchIDs(ctx, updates); err != nil {
		idx.stats.Errors.Add(int64(len(updates)))
		idx.countDocs("sync_failed", len(updates))
		idx.logger.Error("Back-sync failed", map[string]interface{}{
			"docs":  len(updates),
			"error": err.Error(),
		})
		return
	}
	idx.stats.Synced.Add(int64(len(updates)))
	idx.countDocs("synced", len(updates))
}
