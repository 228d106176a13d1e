package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"mls_sync/models"
	"mls_sync/storage"
)

// ErrFeedBusy is returned when a run for the same feed is still going.
var ErrFeedBusy = errors.New("import already running for feed")

const defaultBackfillLimit = 200

// Orchestrator owns the importers of every configured feed. Runs of one
// feed never overlap; different feeds run concurrently.
type Orchestrator struct {
	importers map[string]*Importer
	locks     map[string]*sync.Mutex
	media     Backfiller
	paused    atomic.Bool
	logger    *slog.Logger
}

func NewOrchestrator(importers []*Importer, media Backfiller, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		importers: make(map[string]*Importer, len(importers)),
		locks:     make(map[string]*sync.Mutex, len(importers)),
		media:     media,
		logger:    logger,
	}
	for _, im := range importers {
		name := im.Feed().Name
		o.importers[name] = im
		o.locks[name] = &sync.Mutex{}
	}
	return o
}

// RunAll runs every feed and joins their errors.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	if o.paused.Load() {
		o.logger.Info("importer is paused, skipping run")
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range o.FeedNames() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := o.RunFeed(ctx, name); err != nil {
				o.logger.Error("feed run failed", "feed", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RunFeed runs one feed. It returns ErrFeedBusy instead of waiting when a
// run of the same feed is in progress.
func (o *Orchestrator) RunFeed(ctx context.Context, name string) (*models.ImportRun, error) {
	im, ok := o.importers[name]
	if !ok {
		return nil, fmt.Errorf("unknown feed: %s", name)
	}
	lock := o.locks[name]
	if !lock.TryLock() {
		return nil, ErrFeedBusy
	}
	defer lock.Unlock()
	return im.Run(ctx)
}

func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := storage.ParseCommandParams(cmd)
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdImportNow:
		return o.RunAll(ctx)
	case models.CmdImportFeed:
		if params.Feed == "" {
			return fmt.Errorf("%s: feed is required", cmd.Command)
		}
		_, err := o.RunFeed(ctx, params.Feed)
		return err
	case models.CmdPause:
		o.paused.Store(true)
		o.logger.Info("importer paused")
	case models.CmdResume:
		o.paused.Store(false)
		o.logger.Info("importer resumed")
	case models.CmdBackfillMedia:
		if o.media == nil {
			return fmt.Errorf("%s: media sync is not configured", cmd.Command)
		}
		limit := params.Limit
		if limit <= 0 {
			limit = defaultBackfillLimit
		}
		n, err := o.media.Backfill(ctx, limit)
		if err != nil {
			return err
		}
		o.logger.Info("media backfill queued", "listings", n)
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
	return nil
}

func (o *Orchestrator) IsPaused() bool {
	return o.paused.Load()
}

func (o *Orchestrator) FeedNames() []string {
	names := make([]string, 0, len(o.importers))
	for name := range o.importers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Importer returns the importer for a feed, or nil.
func (o *Orchestrator) Importer(name string) *Importer {
	return o.importers[name]
}

func (o *Orchestrator) MarshalStatus() ([]byte, error) {
	return json.Marshal(map[string]any{
		"paused": o.paused.Load(),
		"feeds":  o.FeedNames(),
	})
}
