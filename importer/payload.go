package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"mls_sync/metrics"
	"mls_sync/models"
	"mls_sync/services"
)

// PayloadChannel names payload runs in the run table.
const PayloadChannel = "payload"

type PayloadUpserter interface {
	UpsertPayload(ctx context.Context, p *models.ListingPayload, opts services.UpsertOptions) (*services.UpsertResult, error)
}

// PayloadImporter ingests denormalized listing documents from disk. A file
// holds one document, a JSON array of documents or a stream of documents.
type PayloadImporter struct {
	listings           PayloadUpserter
	runs               RunStore
	source             string
	requirePowerOfSale bool
	logger             *slog.Logger
	now                func() time.Time
}

func NewPayloadImporter(listings PayloadUpserter, runs RunStore, source string, requirePowerOfSale bool, logger *slog.Logger) *PayloadImporter {
	return &PayloadImporter{
		listings:           listings,
		runs:               runs,
		source:             source,
		requirePowerOfSale: requirePowerOfSale,
		logger:             logger.With("feed", source, "channel", PayloadChannel),
		now:                time.Now,
	}
}

// ImportPath imports a file, or every *.json file of a directory in name
// order. An unresolved listing conflict aborts the run; unreadable files
// and failed documents are logged and counted.
func (pi *PayloadImporter) ImportPath(ctx context.Context, path string) (*models.ImportRun, error) {
	files, err := payloadFiles(path)
	if err != nil {
		return nil, err
	}

	started := pi.now()
	run := &models.ImportRun{
		Feed:      pi.source,
		Channel:   PayloadChannel,
		StartedAt: started,
		Status:    models.RunStatusRunning,
	}
	if _, err := pi.runs.CreateRun(run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	pi.log(run, models.LogLevelInfo, fmt.Sprintf("Starting payload import of %d files", len(files)), "")

	opts := services.UpsertOptions{
		Source:             pi.source,
		RequirePowerOfSale: pi.requirePowerOfSale,
		SyncedAt:           started.UTC(),
	}
	stats := &services.ProcessStats{}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return pi.fail(run, stats, err)
		}
		docs, err := readPayloads(file)
		if err != nil {
			stats.Errors++
			pi.log(run, models.LogLevelError, fmt.Sprintf("Unreadable payload file %s: %v", file, err), "")
			continue
		}
		for _, doc := range docs {
			metrics.RecordsScanned.WithLabelValues(pi.source).Inc()
			res, err := pi.listings.UpsertPayload(ctx, doc, opts)
			if err != nil {
				if errors.Is(err, services.ErrConflictUnresolved) {
					return pi.fail(run, stats, err)
				}
				stats.Scanned++
				stats.Errors++
				pi.log(run, models.LogLevelError, fmt.Sprintf("Upsert failed: %v", err), doc.ListingKey.String())
				continue
			}
			stats.Aggregate(res)
			metrics.UpsertOutcomes.WithLabelValues(pi.source, string(res.Outcome)).Inc()
		}
		run.Pages++
		applyStats(run, stats)
		if err := pi.runs.UpdateRun(run); err != nil {
			pi.logger.Warn("progress update failed", "run_id", run.ID, "error", err)
		}
	}

	applyStats(run, stats)
	run.Status = models.RunStatusCompleted
	pi.finish(run)
	pi.log(run, models.LogLevelInfo,
		fmt.Sprintf("Completed: %d files, %d scanned, %d matched, %d new, %d updated, %d errors",
			run.Pages, run.ItemsScanned, run.ItemsMatched, run.Inserted, run.Updated, run.ErrorsCount), "")
	return run, nil
}

func (pi *PayloadImporter) fail(run *models.ImportRun, stats *services.ProcessStats, err error) (*models.ImportRun, error) {
	applyStats(run, stats)
	run.Status = models.RunStatusFailed
	run.Error = err.Error()
	pi.finish(run)
	pi.log(run, models.LogLevelError, fmt.Sprintf("Payload import failed: %v", err), "")
	return run, err
}

func (pi *PayloadImporter) finish(run *models.ImportRun) {
	now := pi.now()
	run.FinishedAt = &now
	if err := pi.runs.UpdateRun(run); err != nil {
		pi.logger.Warn("run update failed", "run_id", run.ID, "error", err)
	}
	metrics.ImportRuns.WithLabelValues(pi.source, string(run.Status)).Inc()
	metrics.ImportDuration.WithLabelValues(pi.source).Observe(now.Sub(run.StartedAt).Seconds())
}

func (pi *PayloadImporter) log(run *models.ImportRun, level models.LogLevel, message, listingKey string) {
	writeLog(pi.logger, pi.runs, run, pi.source, level, message, listingKey)
}

func payloadFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("payload path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list payload files: %w", err)
	}
	slices.Sort(files)
	return files, nil
}

func readPayloads(file string) ([]*models.ListingPayload, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var docs []*models.ListingPayload
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		return slices.DeleteFunc(docs, func(d *models.ListingPayload) bool { return d == nil }), nil
	}

	var docs []*models.ListingPayload
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var doc models.ListingPayload
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, err
		}
		docs = append(docs, &doc)
	}
}
