package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mls_sync/config"
	"mls_sync/importer"
	"mls_sync/models"
)

const defaultPollInterval = 2 * time.Second

// Orchestrator is what the scheduler drives.
type Orchestrator interface {
	RunAll(ctx context.Context) error
	RunFeed(ctx context.Context, name string) (*models.ImportRun, error)
	HandleCommand(ctx context.Context, cmd *models.Command) error
}

// CommandStore is the operator command inbox.
type CommandStore interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
}

type Scheduler struct {
	cfg          *config.Config
	orchestrator Orchestrator
	store        CommandStore
	cron         *cron.Cron
	ticker       *time.Ticker
	stopCh       chan struct{}
	stopOnce     sync.Once
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(cfg *config.Config, orchestrator Orchestrator, store CommandStore, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// AddFunc registers extra periodic maintenance, such as media pruning.
func (s *Scheduler) AddFunc(spec, name string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(context.Background()); err != nil {
			s.logger.Error("scheduled task failed", "task", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}
	return nil
}

// Start begins command polling and registers the import schedule. Feeds
// with their own cron run on it; the global cron or interval runs all
// feeds.
func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)

	for _, name := range s.cfg.FeedNames() {
		feed := s.cfg.Feeds[name]
		if feed.Cron == "" {
			continue
		}
		s.logger.Info("scheduling feed", "feed", name, "cron", feed.Cron)
		_, err := s.cron.AddFunc(feed.Cron, func() { s.runFeed(ctx, name) })
		if err != nil {
			return fmt.Errorf("invalid cron expression for feed %s: %w", name, err)
		}
	}

	switch {
	case s.cfg.Scheduler.Cron != "":
		s.logger.Info("starting scheduler", "cron", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() { s.runAll(ctx) })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case s.cfg.Scheduler.Interval > 0:
		s.logger.Info("starting scheduler", "interval", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.runAll(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	default:
		if len(s.cron.Entries()) == 0 {
			s.logger.Info("no schedule configured, daemon will only respond to commands")
		}
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

func (s *Scheduler) runAll(ctx context.Context) {
	if err := s.orchestrator.RunAll(ctx); err != nil {
		s.logger.Error("scheduled run error", "error", err)
	}
}

func (s *Scheduler) runFeed(ctx context.Context, name string) {
	_, err := s.orchestrator.RunFeed(ctx, name)
	switch {
	case errors.Is(err, importer.ErrFeedBusy):
		s.logger.Info("feed still running, skipping tick", "feed", name)
	case err != nil:
		s.logger.Error("scheduled feed run error", "feed", name, "error", err)
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainCommands handles pending commands in order. A command is marked
// processed even when it fails so a bad command is not retried forever.
func (s *Scheduler) drainCommands(ctx context.Context) {
	cmds, err := s.store.GetPendingCommands()
	if err != nil {
		s.logger.Error("error getting commands", "error", err)
		return
	}

	for i := range cmds {
		cmd := &cmds[i]
		s.logger.Info("processing command", "command", cmd.Command, "id", cmd.ID)
		if err := s.orchestrator.HandleCommand(ctx, cmd); err != nil {
			s.logger.Error("command error", "command", cmd.Command, "error", err)
		}
		if err := s.store.MarkCommandProcessed(cmd.ID); err != nil {
			s.logger.Error("error marking command processed", "id", cmd.ID, "error", err)
		}
	}
}

func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.orchestrator.RunAll(ctx)
}
