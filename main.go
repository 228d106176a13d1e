package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mls_sync/config"
	"mls_sync/httputil"
	"mls_sync/importer"
	"mls_sync/logging"
	"mls_sync/metrics"
	"mls_sync/migrations"
	"mls_sync/models"
	"mls_sync/odata"
	"mls_sync/queue"
	"mls_sync/scheduler"
	"mls_sync/services"
	"mls_sync/storage"
	"mls_sync/workers"
)

var (
	migrateOnly   = flag.Bool("migrate", false, "Apply Postgres migrations and exit")
	importFeed    = flag.String("import", "", "Import one feed (or \"all\") once and exit")
	importPayload = flag.String("import-payload", "", "Import listing payload documents from a JSON file or directory and exit")
	payloadSource = flag.String("payload-source", "payload", "Source slug recorded on -import-payload listings")
	payloadAll    = flag.Bool("payload-all", false, "Import payload documents without the power-of-sale filter")
	previewFeed   = flag.String("preview", "", "Run the power-of-sale filter against a feed and print the matches")
	backfill      = flag.Int("backfill", 0, "Queue media sync for up to N listings without media and exit")
	mediaChanges  = flag.Bool("media-changes", false, "Resync media changed since the media cursor and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		slog.Warn("could not set up file logging", "error", err)
	} else {
		defer logFile.Close()
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer sqliteStore.Close()

	if handled, err := runOps(cfg, sqliteStore); handled {
		return err
	}

	pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pgStore.Close()
	logger.Info("connected to postgres", "dsn", maskConnectionString(cfg.DatabaseURL))

	if *migrateOnly {
		if err := migrations.RunPool(ctx, pgStore.Pool()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	jobs, err := openQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer jobs.Close()

	clients := httputil.NewClients(cfg.HTTP)
	feedClients := make(map[string]*odata.Client, len(cfg.Feeds))
	for name, feed := range cfg.Feeds {
		feedClients[name] = odata.NewFeedClient(feed, clients.Feed, logger)
	}

	blobs, err := storage.NewBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open media disk: %w", err)
	}
	autoDownload := cfg.Media.AutoDownload
	if autoDownload && blobs == nil {
		logger.Warn("MEDIA_AUTO_DOWNLOAD is set but MEDIA_DISK is none, downloads disabled")
		autoDownload = false
	}

	var fetcher services.MediaFetcher
	mediaFeed := cfg.MediaFeed()
	if mediaFeed != nil {
		fetcher = feedClients[mediaFeed.Name]
	}
	mediaSvc := services.NewMediaService(pgStore, fetcher, jobs, services.MediaOptions{
		AutoDownload:  autoDownload,
		SyncQueue:     cfg.Jobs.MediaSyncQueue,
		DownloadQueue: cfg.Jobs.MediaDownloadQueue,
	}, logger)
	listingSvc := services.NewListingService(pgStore, jobs, mediaSvc, cfg.Jobs.MediaSyncQueue, logger)
	cursors := services.NewCursorService(sqliteStore, logger)

	importers := make([]*importer.Importer, 0, len(cfg.Feeds))
	for _, name := range cfg.FeedNames() {
		importers = append(importers, importer.New(cfg.Feeds[name], feedClients[name], listingSvc, cursors, mediaSvc, sqliteStore, logger))
	}
	orchestrator := importer.NewOrchestrator(importers, mediaSvc, logger)
	payloads := importer.NewPayloadImporter(listingSvc, sqliteStore, *payloadSource, !*payloadAll, logger)

	var changes *services.MediaChangeSync
	if mediaFeed != nil {
		changes = services.NewMediaChangeSync(feedClients[mediaFeed.Name], pgStore, mediaSvc, cursors, services.MediaChannel(mediaFeed.Name), logger)
	}

	if *previewFeed != "" {
		return preview(ctx, orchestrator, *previewFeed)
	}

	logFn := func(level models.LogLevel, message, listingKey string) {
		if err := sqliteStore.Log(nil, level, message, "media", listingKey); err != nil {
			logger.Warn("operational log write failed", "error", err)
		}
	}

	runner := queue.NewRunner(jobs, cfg.Jobs.Workers, logger)
	runner.Register(queue.TypeMediaSync, jobPolicy(cfg.Jobs, cfg.Jobs.MediaSyncPerMinute), workers.MediaSyncHandler(mediaSvc, logger, logFn))
	queues := []string{cfg.Jobs.MediaSyncQueue}

	var mediaWorker *workers.MediaWorker
	if blobs != nil {
		mediaWorker = workers.NewMediaWorker(pgStore, blobs, clients.Download, cfg.Media.PathPrefix, logger)
		mediaWorker.SetLogFunc(logFn)
		runner.Register(queue.TypeMediaDownload, jobPolicy(cfg.Jobs, cfg.Jobs.MediaDownloadPerMin), mediaWorker.HandleDownload)
		queues = append(queues, cfg.Jobs.MediaDownloadQueue)
		logger.Info("media downloads enabled", "disk", blobs.Name(), "auto", autoDownload)
	}

	if cmd := oneShot(orchestrator, payloads, mediaSvc, changes, logger); cmd != nil {
		wait := drainInProcess(ctx, jobs, runner, queues, logger)
		err := cmd(ctx)
		wait(cfg.Jobs.DrainTimeout)
		return err
	}

	// Daemon mode
	logger.Info("starting mls_sync daemon", "feeds", cfg.FeedNames())
	go metrics.Serve(ctx, cfg.MetricsAddr, logger)

	sched := scheduler.New(cfg, orchestrator, sqliteStore, logger)

	if mediaWorker != nil && cfg.Media.PruneCron != "" {
		err := sched.AddFunc(cfg.Media.PruneCron, "media-prune", func(ctx context.Context) error {
			n, err := mediaWorker.PruneOrphans(ctx)
			if err == nil && n > 0 {
				logger.Info("pruned orphaned media", "files", n)
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	if changes != nil && cfg.Media.ChangesCron != "" {
		err := sched.AddFunc(cfg.Media.ChangesCron, "media-changes", func(ctx context.Context) error {
			n, err := changes.Run(ctx)
			if n > 0 {
				logger.Info("media changes applied", "listings", n)
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	go func() {
		if err := runner.Run(ctx, queues...); err != nil {
			logger.Error("job runner stopped", "error", err)
		}
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	logger.Info("daemon running, press Ctrl+C to stop", "queues", queues)
	<-ctx.Done()

	logger.Info("shutting down")
	sched.Stop()
	return nil
}

// oneShot returns the command selected by flags, nil in daemon mode.
func oneShot(o *importer.Orchestrator, payloads *importer.PayloadImporter, media *services.MediaService, changes *services.MediaChangeSync, logger *slog.Logger) func(context.Context) error {
	switch {
	case *importFeed != "":
		return func(ctx context.Context) error { return importOnce(ctx, o, *importFeed, logger) }
	case *importPayload != "":
		return func(ctx context.Context) error {
			run, err := payloads.ImportPath(ctx, *importPayload)
			if err != nil {
				return err
			}
			logRun(logger, "payload import complete", run)
			return nil
		}
	case *backfill > 0:
		return func(ctx context.Context) error {
			n, err := media.Backfill(ctx, *backfill)
			if err != nil {
				return err
			}
			logger.Info("media backfill queued", "listings", n)
			return nil
		}
	case *mediaChanges:
		return func(ctx context.Context) error {
			if changes == nil {
				return fmt.Errorf("media changes: no feed configured")
			}
			n, err := changes.Run(ctx)
			logger.Info("media changes applied", "listings", n)
			return err
		}
	}
	return nil
}

// drainInProcess runs the job runner beside a one-shot command when jobs
// live in memory, and returns a func that waits for the queue to empty.
// A broker keeps its jobs for the daemon, so nothing runs in that case.
func drainInProcess(ctx context.Context, jobs queue.Queue, runner *queue.Runner, queues []string, logger *slog.Logger) func(timeout time.Duration) {
	mem, ok := jobs.(*queue.MemoryQueue)
	if !ok {
		return func(time.Duration) {}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runner.Run(runCtx, queues...); err != nil {
			logger.Error("job runner stopped", "error", err)
		}
	}()

	return func(timeout time.Duration) {
		defer func() {
			cancel()
			<-done
		}()
		deadline := time.After(timeout)
		tick := time.NewTicker(200 * time.Millisecond)
		defer tick.Stop()
		// queue and runner counters are read separately, so idle must
		// hold for two ticks
		quiet := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				logger.Warn("jobs dropped at exit", "pending", mem.Pending(), "in_flight", runner.Busy())
				return
			case <-tick.C:
				if mem.Pending() == 0 && runner.Busy() == 0 {
					quiet++
				} else {
					quiet = 0
				}
				if quiet >= 2 {
					return
				}
			}
		}
	}
}

func openQueue(cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP_URL not set, using in-process job queue")
		return queue.NewMemoryQueue(1024), nil
	}
	q, err := queue.NewAMQPQueue(cfg.AMQPURL, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to rabbitmq", "url", maskConnectionString(cfg.AMQPURL))
	return q, nil
}

func jobPolicy(jobs config.JobsConfig, perMinute int) queue.Policy {
	return queue.Policy{
		Tries:         jobs.Tries,
		MaxExceptions: jobs.MaxExceptions,
		RetryFor:      jobs.RetryFor,
		Backoff:       jobs.Backoff,
		PerMinute:     perMinute,
	}
}

func importOnce(ctx context.Context, o *importer.Orchestrator, feed string, logger *slog.Logger) error {
	if feed == "all" {
		return o.RunAll(ctx)
	}
	run, err := o.RunFeed(ctx, feed)
	if err != nil {
		return err
	}
	logRun(logger, "import complete", run)
	return nil
}

func logRun(logger *slog.Logger, msg string, run *models.ImportRun) {
	logger.Info(msg,
		"feed", run.Feed,
		"pages", run.Pages,
		"scanned", run.ItemsScanned,
		"matched", run.ItemsMatched,
		"inserted", run.Inserted,
		"updated", run.Updated,
		"cursor_advanced", run.CursorAdvance)
}

func preview(ctx context.Context, o *importer.Orchestrator, feed string) error {
	im := o.Importer(feed)
	if im == nil {
		return fmt.Errorf("unknown feed: %s", feed)
	}
	page, err := im.Preview(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d power-of-sale records", len(page.Items))
	if page.Count != nil {
		fmt.Printf(" (of %d)", *page.Count)
	}
	fmt.Println()
	for _, rec := range page.Items {
		fmt.Printf("  %-14s %-10s %s\n", rec.ListingKey.String(), rec.ModificationTimestamp.String(), rec.City.String())
	}
	return nil
}

// maskConnectionString hides the password of a URL-style DSN.
func maskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	return u.Redacted()
}
