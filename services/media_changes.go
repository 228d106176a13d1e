package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mls_sync/models"
	"mls_sync/transform"
)

const (
	defaultChangePageSize = 200
	defaultChangeMaxPages = 10
)

// MediaChangeSync follows the Media resource change stream with its own
// replication cursor and resyncs every stored listing whose photos moved.
// Media of listings that were never imported is ignored.
type MediaChangeSync struct {
	changes  MediaChangeFetcher
	listings ListingFinder
	media    *MediaService
	cursors  *CursorService
	channel  string
	pageSize int
	maxPages int
	logger   *slog.Logger
}

func NewMediaChangeSync(changes MediaChangeFetcher, listings ListingFinder, media *MediaService, cursors *CursorService, channel string, logger *slog.Logger) *MediaChangeSync {
	return &MediaChangeSync{
		changes:  changes,
		listings: listings,
		media:    media,
		cursors:  cursors,
		channel:  channel,
		pageSize: defaultChangePageSize,
		maxPages: defaultChangeMaxPages,
		logger:   logger.With("channel", channel),
	}
}

// MediaChannel is the cursor channel of a feed's Media change stream.
func MediaChannel(feed string) string { return feed + ".media" }

// Run walks changed media pages from the cursor. The cursor moves after a
// page is fully applied, so a failing listing stops the run and the page is
// read again next time. Returns the number of listings resynced.
func (m *MediaChangeSync) Run(ctx context.Context) (int, error) {
	cursor, err := m.cursors.Current(m.channel)
	if err != nil {
		return 0, fmt.Errorf("read media cursor: %w", err)
	}
	var ts time.Time
	var key string
	if cursor != nil {
		ts, key = cursor.LastTimestamp, cursor.LastKey
	}

	done := make(map[string]bool)
	synced := 0
	for page := 0; page < m.maxPages; page++ {
		items, err := m.changes.FetchMediaSince(ctx, ts, key, m.pageSize)
		if err != nil {
			return synced, fmt.Errorf("fetch media changes: %w", err)
		}
		if len(items) == 0 {
			break
		}

		for _, listingKey := range changedListings(items) {
			if done[listingKey] {
				continue
			}
			ok, err := m.resync(ctx, listingKey)
			if err != nil {
				return synced, err
			}
			done[listingKey] = true
			if ok {
				synced++
			}
		}

		nextTS, nextKey, ok := mediaWatermark(items)
		if !ok {
			m.logger.Warn("media page without timestamps, cursor not moved", "items", len(items))
			break
		}
		moved, err := m.cursors.Advance(m.channel, nextTS, nextKey)
		if err != nil {
			return synced, err
		}
		if !moved || len(items) < m.pageSize {
			break
		}
		ts, key = nextTS, nextKey
	}
	return synced, nil
}

func (m *MediaChangeSync) resync(ctx context.Context, listingKey string) (bool, error) {
	l, err := m.listings.FindListingByExternalID(ctx, listingKey)
	if err != nil {
		return false, fmt.Errorf("find listing %s: %w", listingKey, err)
	}
	if l == nil || l.IsDeleted() {
		m.logger.Debug("media change for unknown listing", "listing_key", listingKey)
		return false, nil
	}
	if _, err := m.media.SyncFromFeed(ctx, models.ListingRef{ID: l.ID, ListingKey: listingKey}); err != nil {
		return false, err
	}
	return true, nil
}

// changedListings returns the distinct record keys of items in first-seen
// order.
func changedListings(items []models.RawMedia) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, item := range items {
		k := item.ResourceRecordKey.Trimmed()
		if k == nil || seen[*k] {
			continue
		}
		seen[*k] = true
		keys = append(keys, *k)
	}
	return keys
}

// mediaWatermark is the greatest (MediaModificationTimestamp, MediaKey)
// of a page.
func mediaWatermark(items []models.RawMedia) (time.Time, string, bool) {
	var ts time.Time
	var key string
	ok := false
	for _, item := range items {
		t := transform.Parse(item.MediaModificationTimestamp.Ptr())
		k := item.MediaKey.Trimmed()
		if t == nil || k == nil {
			continue
		}
		if !ok || t.After(ts) || (t.Equal(ts) && *k > key) {
			ts, key, ok = *t, *k, true
		}
	}
	return ts, key, ok
}
