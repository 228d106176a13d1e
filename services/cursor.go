package services

import (
	"fmt"
	"log/slog"
	"time"

	"mls_sync/models"
)

// CursorService guards the per-channel replication watermark.
type CursorService struct {
	store  CursorStore
	logger *slog.Logger
	now    func() time.Time
}

func NewCursorService(store CursorStore, logger *slog.Logger) *CursorService {
	return &CursorService{store: store, logger: logger, now: time.Now}
}

func (s *CursorService) Current(channel string) (*models.ReplicationCursor, error) {
	return s.store.GetCursor(channel)
}

// Advance moves the channel watermark to (ts, key), clamped to the current
// time. The store only accepts strictly later positions, so older or equal
// candidates are no-ops. Reports whether the watermark moved.
func (s *CursorService) Advance(channel string, ts time.Time, key string) (bool, error) {
	clamped := Clamp(ts, s.now())
	if !clamped.Equal(ts) {
		s.logger.Warn("cursor candidate in the future, clamped",
			"channel", channel, "candidate", ts, "clamped", clamped, "listing_key", key)
	}
	moved, err := s.store.AdvanceCursor(channel, clamped, key)
	if err != nil {
		return false, fmt.Errorf("advance %s: %w", channel, err)
	}
	return moved, nil
}

// Clamp returns min(ts, now) in UTC.
func Clamp(ts, now time.Time) time.Time {
	ts, now = ts.UTC(), now.UTC()
	if ts.After(now) {
		return now
	}
	return ts
}
