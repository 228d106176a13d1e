package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ImportRun tracks one orchestrator pass over a feed. Counters are
// updated after every page so the dashboard can poll progress.
type ImportRun struct {
	ID            int64      `json:"id" db:"id"`
	Feed          string     `json:"feed" db:"feed"`
	Channel       string     `json:"channel" db:"channel"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	Status        RunStatus  `json:"status" db:"status"`
	Pages         int        `json:"pages" db:"pages"`
	ItemsScanned  int        `json:"items_scanned" db:"items_scanned"`
	ItemsMatched  int        `json:"items_matched" db:"items_matched"`
	Inserted      int        `json:"inserted" db:"inserted"`
	Updated       int        `json:"updated" db:"updated"`
	Unchanged     int        `json:"unchanged" db:"unchanged"`
	Skipped       int        `json:"skipped" db:"skipped"`
	ErrorsCount   int        `json:"errors_count" db:"errors_count"`
	CursorAdvance bool       `json:"cursor_advanced" db:"cursor_advanced"`
	Error         string     `json:"error,omitempty" db:"error"`
}

// FeedStats summarises the latest runs for one feed.
type FeedStats struct {
	Feed          string     `json:"feed" db:"feed"`
	LastRunAt     *time.Time `json:"last_run_at" db:"last_run_at"`
	LastRunStatus string     `json:"last_run_status" db:"last_run_status"`
	TotalRuns     int        `json:"total_runs" db:"total_runs"`
	TotalMatched  int        `json:"total_matched" db:"total_matched"`
	SuccessRate   float64    `json:"success_rate" db:"success_rate"`
}
