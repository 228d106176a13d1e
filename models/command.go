package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdImportNow     CommandType = "import_now"
	CmdImportFeed    CommandType = "import_feed"
	CmdPause         CommandType = "pause"
	CmdResume        CommandType = "resume"
	CmdBackfillMedia CommandType = "backfill_media"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	Feed  string `json:"feed,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
