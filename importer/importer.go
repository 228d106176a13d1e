// Package importer drives feed imports: one sequential paging pass per
// feed, the replication cursor around it and the media backfill after it.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mls_sync/config"
	"mls_sync/filter"
	"mls_sync/metrics"
	"mls_sync/models"
	"mls_sync/odata"
	"mls_sync/services"
	"mls_sync/transform"
)

// FeedSource is the remote feed as the importer sees it.
type FeedSource interface {
	Pages(ctx context.Context, q odata.Query, maxPages int, fn func(n int, p odata.Page) error) (int, error)
	Preview(ctx context.Context, expr string, top int) (odata.Page, error)
}

type Upserter interface {
	Upsert(ctx context.Context, rec *models.RawRecord, opts services.UpsertOptions) (*services.UpsertResult, error)
}

type Backfiller interface {
	Backfill(ctx context.Context, limit int) (int, error)
}

// RunStore is the operational store for run progress and run logs.
type RunStore interface {
	CreateRun(run *models.ImportRun) (int64, error)
	UpdateRun(run *models.ImportRun) error
	Log(runID *int64, level models.LogLevel, message, feed, listingKey string) error
}

// Importer imports one feed.
type Importer struct {
	feed     *config.FeedConfig
	client   FeedSource
	listings Upserter
	cursors  *services.CursorService
	media    Backfiller
	runs     RunStore
	logger   *slog.Logger
	now      func() time.Time
}

func New(feed *config.FeedConfig, client FeedSource, listings Upserter, cursors *services.CursorService, media Backfiller, runs RunStore, logger *slog.Logger) *Importer {
	return &Importer{
		feed:     feed,
		client:   client,
		listings: listings,
		cursors:  cursors,
		media:    media,
		runs:     runs,
		logger:   logger.With("feed", feed.Name, "channel", feed.Channel),
		now:      time.Now,
	}
}

func (im *Importer) Feed() *config.FeedConfig { return im.feed }

// watermark is the (timestamp, key) of the last processed record.
type watermark struct {
	ts  time.Time
	key string
	ok  bool
}

func (w *watermark) observe(rec *models.RawRecord) {
	ts := transform.Parse(rec.ModificationTimestamp.Ptr())
	key := rec.ListingKey.Trimmed()
	if ts == nil || key == nil {
		return
	}
	if !w.ok || ts.After(w.ts) || (ts.Equal(w.ts) && *key > w.key) {
		w.ts, w.key, w.ok = *ts, *key, true
	}
}

// passed reports whether a cursor at w has moved beyond a record with the
// given timestamp and key. Records without a timestamp are always passed.
func (w *watermark) passed(ts *time.Time, key string) bool {
	if !w.ok {
		return false
	}
	if ts == nil {
		return true
	}
	return ts.Before(w.ts) || (ts.Equal(w.ts) && key <= w.key)
}

// failedRecord is a record whose upsert failed with a transient error.
type failedRecord struct {
	key string
	ts  *time.Time
}

// Query builds the first page request from the stored cursor.
func (im *Importer) Query(cursor *models.ReplicationCursor) odata.Query {
	var exprs []string
	if im.feed.PushFilter {
		exprs = append(exprs, filter.PowerOfSaleFilterExpression())
	}
	if cursor != nil {
		exprs = append(exprs, filter.CursorExpression(cursor.LastTimestamp, cursor.LastKey))
	}
	return odata.Query{
		Resource: im.feed.Resource,
		Filter:   filter.And(exprs...),
		OrderBy:  odata.DefaultOrderBy,
		Top:      im.feed.PageSize,
	}
}

// Run performs one import pass. An unresolved listing conflict aborts the
// run without moving the cursor; other per-record errors are counted and
// the run continues.
func (im *Importer) Run(ctx context.Context) (*models.ImportRun, error) {
	started := im.now()
	run := &models.ImportRun{
		Feed:      im.feed.Name,
		Channel:   im.feed.Channel,
		StartedAt: started,
		Status:    models.RunStatusRunning,
	}
	if _, err := im.runs.CreateRun(run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	im.log(run, models.LogLevelInfo, fmt.Sprintf("Starting import for %s", im.feed.Name), "")

	cursor, err := im.cursors.Current(im.feed.Channel)
	if err != nil {
		return im.fail(run, fmt.Errorf("read cursor: %w", err))
	}

	opts := services.UpsertOptions{
		Source:             im.feed.Source,
		RequirePowerOfSale: im.feed.RequirePowerOfSale,
		SyncedAt:           started.UTC(),
	}
	stats := &services.ProcessStats{}
	var last watermark
	var failed []failedRecord

	pages, err := im.client.Pages(ctx, im.Query(cursor), im.feed.MaxPages, func(n int, p odata.Page) error {
		metrics.PagesFetched.WithLabelValues(im.feed.Name).Inc()
		for i := range p.Items {
			rec := &p.Items[i]
			metrics.RecordsScanned.WithLabelValues(im.feed.Name).Inc()

			res, err := im.listings.Upsert(ctx, rec, opts)
			if err != nil {
				if errors.Is(err, services.ErrConflictUnresolved) {
					return err
				}
				stats.Scanned++
				stats.Errors++
				failed = append(failed, failedRecord{key: rec.ListingKey.String(), ts: transform.Parse(rec.ModificationTimestamp.Ptr())})
				im.log(run, models.LogLevelError, fmt.Sprintf("Upsert failed: %v", err), rec.ListingKey.String())
				continue
			}
			stats.Aggregate(res)
			metrics.UpsertOutcomes.WithLabelValues(im.feed.Name, string(res.Outcome)).Inc()
			last.observe(rec)
		}
		run.Pages = n
		applyStats(run, stats)
		if err := im.runs.UpdateRun(run); err != nil {
			im.logger.Warn("progress update failed", "run_id", run.ID, "error", err)
		}
		return nil
	})
	run.Pages = pages
	applyStats(run, stats)
	if err != nil {
		return im.fail(run, err)
	}

	if last.ok {
		moved, err := im.cursors.Advance(im.feed.Channel, last.ts, last.key)
		if err != nil {
			return im.fail(run, err)
		}
		run.CursorAdvance = moved

		var skipped []string
		for _, f := range failed {
			if last.passed(f.ts, f.key) {
				skipped = append(skipped, f.key)
			}
		}
		if len(skipped) > 0 {
			im.log(run, models.LogLevelWarn,
				fmt.Sprintf("Cursor moved past %d failed records, replay: %s", len(skipped), strings.Join(skipped, ", ")), "")
		}
	}

	if im.media != nil {
		n, err := im.media.Backfill(ctx, im.feed.BackfillLimit)
		if err != nil {
			im.log(run, models.LogLevelWarn, fmt.Sprintf("Media backfill failed: %v", err), "")
		} else if n > 0 {
			im.log(run, models.LogLevelInfo, fmt.Sprintf("Queued media sync for %d listings", n), "")
		}
	}

	run.Status = models.RunStatusCompleted
	im.finish(run)
	im.log(run, models.LogLevelInfo,
		fmt.Sprintf("Completed: %d pages, %d scanned, %d matched, %d new, %d updated, %d errors",
			run.Pages, run.ItemsScanned, run.ItemsMatched, run.Inserted, run.Updated, run.ErrorsCount), "")
	return run, nil
}

// Preview runs the power-of-sale filter against the feed for a handful of
// records and surfaces any error.
func (im *Importer) Preview(ctx context.Context) (odata.Page, error) {
	return im.client.Preview(ctx, filter.PowerOfSaleFilterExpression(), im.feed.PreviewTop)
}

func (im *Importer) fail(run *models.ImportRun, err error) (*models.ImportRun, error) {
	run.Status = models.RunStatusFailed
	run.Error = err.Error()
	im.finish(run)
	im.log(run, models.LogLevelError, fmt.Sprintf("Import failed: %v", err), "")
	return run, err
}

func (im *Importer) finish(run *models.ImportRun) {
	now := im.now()
	run.FinishedAt = &now
	if err := im.runs.UpdateRun(run); err != nil {
		im.logger.Warn("run update failed", "run_id", run.ID, "error", err)
	}
	metrics.ImportRuns.WithLabelValues(im.feed.Name, string(run.Status)).Inc()
	metrics.ImportDuration.WithLabelValues(im.feed.Name).Observe(now.Sub(run.StartedAt).Seconds())
}

func (im *Importer) log(run *models.ImportRun, level models.LogLevel, message, listingKey string) {
	writeLog(im.logger, im.runs, run, im.feed.Name, level, message, listingKey)
}

// writeLog mirrors a run message to slog and the operational log table.
func writeLog(logger *slog.Logger, runs RunStore, run *models.ImportRun, feed string, level models.LogLevel, message, listingKey string) {
	attrs := []any{"run_id", run.ID}
	if listingKey != "" {
		attrs = append(attrs, "listing_key", listingKey)
	}
	switch level {
	case models.LogLevelError:
		logger.Error(message, attrs...)
	case models.LogLevelWarn:
		logger.Warn(message, attrs...)
	default:
		logger.Info(message, attrs...)
	}
	runID := run.ID
	if err := runs.Log(&runID, level, message, feed, listingKey); err != nil {
		logger.Warn("run log write failed", "error", err)
	}
}

func applyStats(run *models.ImportRun, s *services.ProcessStats) {
	run.ItemsScanned = s.Scanned
	run.ItemsMatched = s.Matched
	run.Inserted = s.Inserted
	run.Updated = s.Updated + s.Recovered
	run.Unchanged = s.Unchanged
	run.Skipped = s.Skipped
	run.ErrorsCount = s.Errors
}
