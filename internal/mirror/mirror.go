// Package mirror drives one synchronization run: load the cache manifest,
// build an incremental NVD iterator, drain it into the cache store, and
// persist the updated partitions and manifest.
package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"vulnmirror/internal/cache"
	"vulnmirror/internal/metrics"
	"vulnmirror/internal/output"
	"vulnmirror/pkg/nvd"
)

// RecordSink receives every merged page, e.g. the Postgres store. Optional.
type RecordSink interface {
	SaveBatch(ctx context.Context, recs []*nvd.CveRecord) error
}

// Options configures one mirror run.
type Options struct {
	CacheDir string
	Prefix   string
	NVD      nvd.Config
	Sink     RecordSink
	// now overrides the run clock in tests.
	now func() time.Time
}

// Run performs one incremental mirror pass. On any terminal iterator failure
// nothing is written and the prior snapshot stays intact.
func Run(ctx context.Context, opts Options) error {
	if opts.now == nil {
		opts.now = time.Now
	}

	store, err := cache.Open(opts.CacheDir, opts.Prefix)
	if err != nil {
		return err
	}

	cfg := opts.NVD
	cfg.Filters = append(cfg.Filters, deltaFilter(store.Manifest().LastModifiedDate, opts.now().UTC())...)
	if cfg.Observe == nil {
		cfg.Observe = metrics.ObserveRequest
	}

	it := nvd.NewIterator(cfg)
	defer it.Close()

	merged := 0
	for it.HasNext() {
		batch, err := it.Next(ctx)
		if err != nil {
			return fmt.Errorf("mirror aborted: %w", err)
		}
		metrics.PageFetched()
		metrics.RecordsMerged(len(batch.Records))
		store.Merge(batch.Records)
		merged += len(batch.Records)
		if opts.Sink != nil {
			if err := opts.Sink.SaveBatch(ctx, batch.Records); err != nil {
				return fmt.Errorf("mirror aborted: %w", err)
			}
		}
		slog.Info("Merged page", "records", len(batch.Records), "merged", merged, "total", it.TotalResults())
	}

	lastUpdated := it.LastUpdated()
	if err := store.Write(lastUpdated); err != nil {
		return err
	}
	slog.Info("Mirror complete", "records", store.RecordCount(), "last_modified", lastUpdated)
	return nil
}

// deltaFilter computes the incremental lastModified window. A cache newer
// than 120 days gets a delta window; anything staler (or a cold cache) means
// a full fetch.
func deltaFilter(lastModified, now time.Time) []nvd.Filter {
	if lastModified.IsZero() {
		return nil
	}
	if now.Sub(lastModified) > nvd.MaxModRange {
		slog.Warn("Cache too stale for incremental update; performing full fetch",
			"last_modified", lastModified, "age_days", int(now.Sub(lastModified).Hours()/24))
		return nil
	}
	end := lastModified.Add(nvd.MaxModRange)
	if end.After(now) {
		end = now
	}
	f, err := nvd.LastModRange(lastModified, end)
	if err != nil {
		slog.Warn("Failed to build incremental window; performing full fetch", "error", err)
		return nil
	}
	return []nvd.Filter{f}
}

// Fetch drains an iterator straight into the streaming JSON writer (non-cache
// mode). The trailing status object reports the terminating code on failure.
func Fetch(ctx context.Context, cfg nvd.Config, w io.Writer) error {
	if cfg.Observe == nil {
		cfg.Observe = metrics.ObserveRequest
	}
	it := nvd.NewIterator(cfg)
	defer it.Close()

	out := output.NewWriter(w)
	var fetchErr error
	for it.HasNext() {
		batch, err := it.Next(ctx)
		if err != nil {
			fetchErr = err
			break
		}
		metrics.PageFetched()
		if err := out.WriteBatch(batch); err != nil {
			return err
		}
	}
	if err := out.Finish(it.LastStatusCode(), it.LastUpdated()); err != nil {
		return err
	}
	return fetchErr
}
