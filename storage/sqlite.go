package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mls_sync/models"
)

// SQLiteStore keeps operational state: replication cursors, import runs
// with their progress counters and logs, and operator commands.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS replication_cursors (
		channel TEXT PRIMARY KEY,
		last_timestamp INTEGER NOT NULL,
		last_key TEXT NOT NULL DEFAULT '',
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS import_runs (
		id INTEGER PRIMARY KEY,
		feed TEXT,
		channel TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		pages INTEGER DEFAULT 0,
		items_scanned INTEGER DEFAULT 0,
		items_matched INTEGER DEFAULT 0,
		inserted INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		unchanged INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		errors_count INTEGER DEFAULT 0,
		cursor_advanced BOOLEAN DEFAULT FALSE,
		error TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS import_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		feed TEXT,
		listing_key TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_run ON import_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_feed ON import_runs(feed, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Replication cursors
// =============================================================================

func (s *SQLiteStore) GetCursor(channel string) (*models.ReplicationCursor, error) {
	var c models.ReplicationCursor
	var ns int64
	var updated sql.NullTime
	err := s.db.QueryRow(`
		SELECT channel, last_timestamp, last_key, updated_at
		FROM replication_cursors WHERE channel = ?`, channel).Scan(&c.Channel, &ns, &c.LastKey, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.LastTimestamp = time.Unix(0, ns).UTC()
	if updated.Valid {
		c.UpdatedAt = updated.Time
	}
	return &c, nil
}

// AdvanceCursor stores (ts, key) only when it sorts strictly after the
// stored watermark. Reports whether the row changed.
func (s *SQLiteStore) AdvanceCursor(channel string, ts time.Time, key string) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO replication_cursors (channel, last_timestamp, last_key, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			last_key = excluded.last_key,
			updated_at = excluded.updated_at
		WHERE excluded.last_timestamp > replication_cursors.last_timestamp
			OR (excluded.last_timestamp = replication_cursors.last_timestamp
				AND excluded.last_key > replication_cursors.last_key)`,
		channel, ts.UTC().UnixNano(), key, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetCursor drops the watermark so the next import starts from scratch.
func (s *SQLiteStore) ResetCursor(channel string) error {
	_, err := s.db.Exec(`DELETE FROM replication_cursors WHERE channel = ?`, channel)
	return err
}

// =============================================================================
// Import runs & logs
// =============================================================================

func (s *SQLiteStore) CreateRun(run *models.ImportRun) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO import_runs (feed, channel, started_at, status)
		VALUES (?, ?, ?, ?)`,
		run.Feed, run.Channel, run.StartedAt, run.Status)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// UpdateRun writes counters and status; called after every page.
func (s *SQLiteStore) UpdateRun(run *models.ImportRun) error {
	_, err := s.db.Exec(`
		UPDATE import_runs SET finished_at = ?, status = ?, pages = ?, items_scanned = ?,
			items_matched = ?, inserted = ?, updated = ?, unchanged = ?, skipped = ?,
			errors_count = ?, cursor_advanced = ?, error = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.Pages, run.ItemsScanned, run.ItemsMatched,
		run.Inserted, run.Updated, run.Unchanged, run.Skipped, run.ErrorsCount,
		run.CursorAdvance, run.Error, run.ID)
	return err
}

func (s *SQLiteStore) GetRun(id int64) (*models.ImportRun, error) {
	runs, err := s.queryRuns(`WHERE id = ?`, id)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (s *SQLiteStore) RecentRuns(feed string, limit int) ([]models.ImportRun, error) {
	return s.queryRuns(`WHERE feed = ? ORDER BY started_at DESC, id DESC LIMIT ?`, feed, limit)
}

func (s *SQLiteStore) queryRuns(where string, args ...any) ([]models.ImportRun, error) {
	rows, err := s.db.Query(`
		SELECT id, feed, channel, started_at, finished_at, status, pages, items_scanned,
			items_matched, inserted, updated, unchanged, skipped, errors_count, cursor_advanced, error
		FROM import_runs `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ImportRun
	for rows.Next() {
		var r models.ImportRun
		if err := rows.Scan(&r.ID, &r.Feed, &r.Channel, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.Pages, &r.ItemsScanned, &r.ItemsMatched, &r.Inserted, &r.Updated, &r.Unchanged,
			&r.Skipped, &r.ErrorsCount, &r.CursorAdvance, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Log(runID *int64, level models.LogLevel, message, feed, listingKey string) error {
	_, err := s.db.Exec(`
		INSERT INTO import_logs (run_id, timestamp, level, message, feed, listing_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, time.Now(), level, message, feed, listingKey)
	return err
}

func (s *SQLiteStore) RunLogs(runID int64) ([]models.ImportLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, message, feed, listing_key
		FROM import_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ImportLog
	for rows.Next() {
		var l models.ImportLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Feed, &l.ListingKey); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) FeedStats(feed string) (*models.FeedStats, error) {
	stats := &models.FeedStats{Feed: feed}

	var lastRun time.Time
	err := s.db.QueryRow(`
		SELECT started_at, status FROM import_runs
		WHERE feed = ? ORDER BY started_at DESC, id DESC LIMIT 1`, feed).Scan(&lastRun, &stats.LastRunStatus)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feed stats: %w", err)
	}
	stats.LastRunAt = &lastRun

	var matched sql.NullInt64
	var rate sql.NullFloat64
	err = s.db.QueryRow(`
		SELECT COUNT(*), SUM(items_matched),
			CAST(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS REAL) / NULLIF(COUNT(*), 0)
		FROM import_runs WHERE feed = ?`, feed).Scan(&stats.TotalRuns, &matched, &rate)
	if err != nil {
		return nil, fmt.Errorf("feed stats: %w", err)
	}
	stats.TotalMatched = int(matched.Int64)
	stats.SuccessRate = rate.Float64
	return stats, nil
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params *models.CommandParams) error {
	var raw any
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = string(data)
	}
	_, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`, cmd, raw, time.Now())
	return err
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	if cmd.Params == nil || string(cmd.Params) == "null" {
		return &models.CommandParams{}, nil
	}
	var params models.CommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// ResetAllData clears all SQLite operational tables
func (s *SQLiteStore) ResetAllData() error {
	tables := []string{
		"import_logs",
		"import_runs",
		"replication_cursors",
		"commands",
	}

	for _, table := range tables {
		_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table))
		if err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	return nil
}
