package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"mls_sync/config"
	"mls_sync/models"
	"mls_sync/storage"
)

// Operator commands that only touch the SQLite operational store. They
// work without Postgres and talk to a running daemon through the commands
// table.
var (
	showStatus  = flag.Bool("status", false, "Print per-feed run stats and the latest run log, then exit")
	sendCommand = flag.String("send", "", "Queue a daemon command (import_now, import_feed, pause, resume, backfill_media)")
	commandFeed = flag.String("feed", "", "Feed for -send import_feed")
	commandMax  = flag.Int("limit", 0, "Limit for -send backfill_media")
	resetCursor = flag.String("reset-cursor", "", "Drop the replication cursor of a feed so the next import starts over")
	resetOps    = flag.Bool("reset-ops", false, "Clear runs, logs, cursors and commands")
)

// runOps handles the operator flags. It reports false when none was given.
func runOps(cfg *config.Config, ops *storage.SQLiteStore) (bool, error) {
	switch {
	case *showStatus:
		return true, printStatus(cfg, ops)
	case *sendCommand != "":
		params := &models.CommandParams{Feed: *commandFeed, Limit: *commandMax}
		if err := ops.EnqueueCommand(models.CommandType(*sendCommand), params); err != nil {
			return true, fmt.Errorf("queue command: %w", err)
		}
		fmt.Printf("queued %s\n", *sendCommand)
		return true, nil
	case *resetCursor != "":
		feed, ok := cfg.Feeds[*resetCursor]
		if !ok {
			return true, fmt.Errorf("unknown feed: %s", *resetCursor)
		}
		if err := ops.ResetCursor(feed.Channel); err != nil {
			return true, err
		}
		fmt.Printf("cursor reset for %s (%s)\n", feed.Name, feed.Channel)
		return true, nil
	case *resetOps:
		return true, ops.ResetAllData()
	}
	return false, nil
}

func printStatus(cfg *config.Config, ops *storage.SQLiteStore) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FEED\tCURSOR\tLAST RUN\tSTATUS\tRUNS\tMATCHED\tSUCCESS")
	for _, name := range cfg.FeedNames() {
		stats, err := ops.FeedStats(name)
		if err != nil {
			return err
		}
		cursor, err := ops.GetCursor(cfg.Feeds[name].Channel)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.0f%%\n",
			name, formatCursor(cursor), formatTime(stats.LastRunAt), stats.LastRunStatus,
			stats.TotalRuns, stats.TotalMatched, stats.SuccessRate*100)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, name := range cfg.FeedNames() {
		runs, err := ops.RecentRuns(name, 1)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			continue
		}
		run := runs[0]
		fmt.Printf("\n%s run #%d: %d pages, %d scanned, %d matched, %d errors\n",
			name, run.ID, run.Pages, run.ItemsScanned, run.ItemsMatched, run.ErrorsCount)
		logs, err := ops.RunLogs(run.ID)
		if err != nil {
			return err
		}
		for _, l := range logs {
			fmt.Printf("  %s %-5s %s %s\n", l.Timestamp.Format(time.TimeOnly), l.Level, l.ListingKey, l.Message)
		}
	}
	return nil
}

func formatCursor(c *models.ReplicationCursor) string {
	if c == nil {
		return "-"
	}
	return c.LastTimestamp.Format(time.RFC3339) + " " + c.LastKey
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
