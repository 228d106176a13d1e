package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mls_sync/config"
	"mls_sync/filter"
	"mls_sync/httputil"
	"mls_sync/logging"
	"mls_sync/metrics"
	"mls_sync/models"
	"mls_sync/odata"
	"mls_sync/queue"
	"mls_sync/services"
	"mls_sync/storage"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(key string, ts time.Time) models.RawRecord {
	return models.RawRecord{
		ListingKey:            models.FlexOf(key),
		ModificationTimestamp: models.FlexOf(ts.Format(time.RFC3339)),
	}
}

func testFeed(name string) *config.FeedConfig {
	return &config.FeedConfig{
		Name:               name,
		Source:             name,
		Channel:            name + ".property.pos",
		Resource:           "Property",
		PageSize:           2,
		MaxPages:           10,
		RequirePowerOfSale: true,
		PushFilter:         true,
		BackfillLimit:      25,
		PreviewTop:         1,
	}
}

type harness struct {
	feed     *fakeFeed
	upserter *scriptedUpserter
	cursors  *memCursors
	runs     *memRuns
	media    *countingBackfill
	im       *Importer
}

func newHarness(name string, pages ...[]models.RawRecord) *harness {
	h := &harness{
		feed:     &fakeFeed{pages: pages},
		upserter: &scriptedUpserter{outcomes: map[string]services.Outcome{}, errs: map[string]error{}},
		cursors:  newMemCursors(),
		runs:     newMemRuns(),
		media:    &countingBackfill{},
	}
	cursors := services.NewCursorService(h.cursors, logging.Discard())
	h.im = New(testFeed(name), h.feed, h.upserter, cursors, h.media, h.runs, logging.Discard())
	return h
}

func TestQueryCombinesFilterAndCursor(t *testing.T) {
	h := newHarness("idx")
	cursor := &models.ReplicationCursor{LastTimestamp: base, LastKey: "K9"}

	got := h.im.Query(cursor)
	want := odata.Query{
		Resource: "Property",
		Filter:   filter.And(filter.PowerOfSaleFilterExpression(), filter.CursorExpression(base, "K9")),
		OrderBy:  odata.DefaultOrderBy,
		Top:      2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("query mismatch (-want +got):\n%s", diff)
	}

	h.im.feed.PushFilter = false
	if got := h.im.Query(nil); got.Filter != "" {
		t.Fatalf("filter without cursor or push = %q, want empty", got.Filter)
	}
}

func TestRunAggregatesAndAdvancesCursor(t *testing.T) {
	h := newHarness("agg-feed",
		[]models.RawRecord{rec("A", base), rec("B", base)},
		[]models.RawRecord{rec("C", base.Add(time.Minute)), rec("D", base.Add(time.Minute))},
	)
	h.upserter.outcomes["B"] = services.OutcomeUnchanged
	h.upserter.outcomes["C"] = services.OutcomeSkipped
	h.upserter.outcomes["D"] = services.OutcomeUpdatedExisting
	h.media.n = 3

	before := testutil.ToFloat64(metrics.ImportRuns.WithLabelValues("agg-feed", "completed"))
	run, err := h.im.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if run.Status != models.RunStatusCompleted || run.FinishedAt == nil {
		t.Fatalf("run = %+v", run)
	}
	got := [6]int{run.Pages, run.ItemsScanned, run.Inserted, run.Updated, run.Unchanged, run.Skipped}
	if diff := cmp.Diff([6]int{2, 4, 1, 1, 1, 1}, got); diff != "" {
		t.Fatalf("counters (pages, scanned, inserted, updated, unchanged, skipped) (-want +got):\n%s", diff)
	}
	if !run.CursorAdvance {
		t.Fatal("cursor should have advanced")
	}
	c, _ := h.cursors.GetCursor("agg-feed.property.pos")
	if !c.LastTimestamp.Equal(base.Add(time.Minute)) || c.LastKey != "D" {
		t.Fatalf("cursor = %+v, want (%s, D)", c, base.Add(time.Minute))
	}
	if diff := cmp.Diff([]int{25}, h.media.limits); diff != "" {
		t.Fatalf("backfill limits (-want +got):\n%s", diff)
	}
	if opts := h.upserter.opts[0]; opts.Source != "agg-feed" || !opts.RequirePowerOfSale {
		t.Fatalf("upsert options = %+v", opts)
	}
	if delta := testutil.ToFloat64(metrics.ImportRuns.WithLabelValues("agg-feed", "completed")) - before; delta != 1 {
		t.Fatalf("completed runs metric delta = %v", delta)
	}
	stored := h.runs.runs[run.ID]
	if stored.Status != models.RunStatusCompleted || stored.ItemsScanned != 4 {
		t.Fatalf("stored run = %+v", stored)
	}
	if h.runs.updates < 3 {
		t.Fatalf("expected progress updates per page plus final, got %d", h.runs.updates)
	}
}

func TestRunStartsFromStoredCursor(t *testing.T) {
	h := newHarness("resume", []models.RawRecord{rec("B", base.Add(time.Second))})
	h.cursors.cursors["resume.property.pos"] = models.ReplicationCursor{LastTimestamp: base, LastKey: "A"}

	if _, err := h.im.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	q := h.feed.queries[0]
	if !strings.Contains(q.Filter, filter.CursorExpression(base, "A")) {
		t.Fatalf("first query filter %q does not resume from cursor", q.Filter)
	}
}

func TestRunRecordErrorIsCountedAndSkipped(t *testing.T) {
	h := newHarness("errs",
		[]models.RawRecord{rec("A", base), rec("B", base.Add(time.Second)), rec("C", base.Add(2*time.Second))},
	)
	h.upserter.errs["C"] = errors.New("db timeout")

	run, err := h.im.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.ErrorsCount != 1 || run.Inserted != 2 || run.ItemsScanned != 3 {
		t.Fatalf("run = %+v", run)
	}
	c, _ := h.cursors.GetCursor("errs.property.pos")
	if c.LastKey != "B" {
		t.Fatalf("cursor key = %q, want B (failed record must not advance it)", c.LastKey)
	}
	errLogs := h.runs.levels(models.LogLevelError)
	if len(errLogs) != 1 || errLogs[0].ListingKey != "C" || !strings.Contains(errLogs[0].Message, "db timeout") {
		t.Fatalf("error logs = %+v", errLogs)
	}
	for _, l := range h.runs.levels(models.LogLevelWarn) {
		if strings.Contains(l.Message, "replay") {
			t.Fatalf("C is past the cursor and needs no replay: %q", l.Message)
		}
	}
}

func TestRunLogsFailedRecordsBehindCursor(t *testing.T) {
	h := newHarness("replay",
		[]models.RawRecord{rec("A", base), rec("B", base.Add(time.Second))},
	)
	h.upserter.errs["A"] = errors.New("db timeout")

	if _, err := h.im.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	c, _ := h.cursors.GetCursor("replay.property.pos")
	if c == nil || c.LastKey != "B" {
		t.Fatalf("cursor = %+v, want B", c)
	}
	var found bool
	for _, l := range h.runs.levels(models.LogLevelWarn) {
		if strings.Contains(l.Message, "replay: A") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no replay warning for A in %+v", h.runs.levels(models.LogLevelWarn))
	}
}

func TestRunConflictUnresolvedFailsWithoutMovingCursor(t *testing.T) {
	h := newHarness("conflict",
		[]models.RawRecord{rec("A", base)},
		[]models.RawRecord{rec("B", base.Add(time.Second))},
	)
	h.upserter.errs["B"] = fmt.Errorf("upsert B: %w", services.ErrConflictUnresolved)

	run, err := h.im.Run(context.Background())
	if !errors.Is(err, services.ErrConflictUnresolved) {
		t.Fatalf("err = %v, want ErrConflictUnresolved", err)
	}
	if run.Status != models.RunStatusFailed || run.Error == "" {
		t.Fatalf("run = %+v", run)
	}
	if c, _ := h.cursors.GetCursor("conflict.property.pos"); c != nil {
		t.Fatalf("cursor moved to %+v on a failed run", c)
	}
	if len(h.media.limits) != 0 {
		t.Fatal("failed run must not backfill media")
	}
}

func TestRunEmptyFeedKeepsCursor(t *testing.T) {
	h := newHarness("empty")
	h.cursors.cursors["empty.property.pos"] = models.ReplicationCursor{LastTimestamp: base, LastKey: "A"}

	run, err := h.im.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.CursorAdvance || run.Pages != 0 {
		t.Fatalf("run = %+v", run)
	}
	c, _ := h.cursors.GetCursor("empty.property.pos")
	if !c.LastTimestamp.Equal(base) || c.LastKey != "A" {
		t.Fatalf("cursor changed: %+v", c)
	}
}

func TestRunFeedErrorFailsRun(t *testing.T) {
	h := newHarness("cancelled", []models.RawRecord{rec("A", base)})
	h.feed.err = context.Canceled

	run, err := h.im.Run(context.Background())
	if !errors.Is(err, context.Canceled) || run.Status != models.RunStatusFailed {
		t.Fatalf("run = %+v, err = %v", run, err)
	}
}

func TestPreviewUsesPowerOfSaleFilter(t *testing.T) {
	h := newHarness("preview", []models.RawRecord{rec("A", base), rec("B", base)})

	page, err := h.im.Preview(context.Background())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("preview items = %d, want 1", len(page.Items))
	}
	if h.feed.preview != filter.PowerOfSaleFilterExpression() {
		t.Fatalf("preview filter = %q", h.feed.preview)
	}
}

// A single power-of-sale record from the IDX feed lands as one TRREB
// listing with one history row and the cursor at its timestamp.
func TestEndToEndPowerOfSaleImport(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if requests > 1 {
			json.NewEncoder(w).Encode(map[string]any{"value": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{{
			"ListingKey":            "X1",
			"OriginatingSystemName": "TRREB",
			"PublicRemarks":         "Sold under Power of Sale, as is where is.",
			"TransactionType":       "For Sale",
			"StandardStatus":        "Active",
			"City":                  "Toronto",
			"ModificationTimestamp": now.Format(time.RFC3339),
		}}})
	}))
	defer srv.Close()

	feedCfg := testFeed("idx")
	feedCfg.BaseURI = srv.URL
	feedCfg.Token = "tok"
	logger := logging.Discard()

	ops, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer ops.Close()

	store := newMemListings()
	jobs := queue.NewMemoryQueue(16, queue.WithHistory())
	mediaSvc := services.NewMediaService(store, nil, jobs, services.MediaOptions{SyncQueue: "media"}, logger)
	listings := services.NewListingService(store, jobs, mediaSvc, "media", logger)
	client := odata.NewFeedClient(feedCfg, httputil.NewRetryClient(srv.Client(), 0, time.Millisecond), logger)
	im := New(feedCfg, client, listings, services.NewCursorService(ops, logger), nil, ops, logger)

	run, err := im.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Inserted != 1 || run.ItemsMatched != 1 {
		t.Fatalf("run = %+v", run)
	}

	all := store.all()
	if len(all) != 1 {
		t.Fatalf("listings = %d, want 1", len(all))
	}
	if all[0].BoardCode != "TRREB" || all[0].ListingKey == nil || *all[0].ListingKey != "X1" {
		t.Fatalf("listing = %+v", all[0])
	}
	if len(store.history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(store.history))
	}

	c, err := ops.GetCursor(feedCfg.Channel)
	if err != nil || c == nil {
		t.Fatalf("cursor: %v %v", c, err)
	}
	if !c.LastTimestamp.Equal(now) || c.LastKey != "X1" {
		t.Fatalf("cursor = (%s, %s), want (%s, X1)", c.LastTimestamp, c.LastKey, now)
	}
	if n := len(jobs.JobsOfType(queue.TypeMediaSync)); n != 1 {
		t.Fatalf("media.sync jobs = %d, want 1", n)
	}

	stored, err := ops.GetRun(run.ID)
	if err != nil || stored.Status != models.RunStatusCompleted {
		t.Fatalf("stored run = %+v, err = %v", stored, err)
	}
}
