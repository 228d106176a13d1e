package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"mls_sync/models"
	"mls_sync/queue"
)

// Preferred preview renditions, by pixel width
var previewSizes = []string{"900", "600"}

// MediaOptions configures job dispatch for media.
type MediaOptions struct {
	AutoDownload  bool
	SyncQueue     string
	DownloadQueue string
}

// MediaService rebuilds listing media from the feed or from payloads
type MediaService struct {
	store  MediaStore
	feed   MediaFetcher
	jobs   queue.Enqueuer
	opts   MediaOptions
	logger *slog.Logger
}

// NewMediaService creates a new MediaService. feed is only needed for
// SyncFromFeed and jobs only for downloads and backfill.
func NewMediaService(store MediaStore, feed MediaFetcher, jobs queue.Enqueuer, opts MediaOptions, logger *slog.Logger) *MediaService {
	return &MediaService{store: store, feed: feed, jobs: jobs, opts: opts, logger: logger}
}

// SyncFromFeed replaces the media of a listing with the remote Media
// resource items for its key. Returns the number of rows written.
func (s *MediaService) SyncFromFeed(ctx context.Context, ref models.ListingRef) (int, error) {
	if s.feed == nil {
		return 0, errors.New("media sync: no feed client configured")
	}
	items, err := s.feed.FetchMedia(ctx, ref.ListingKey)
	if err != nil {
		return 0, fmt.Errorf("fetch media for %s: %w", ref.ListingKey, err)
	}
	return s.replace(ctx, ref.ID, BuildFromFeed(items))
}

// SyncFromPayload replaces the media of a listing with the embedded image
// sets, or the flat image list when there are no sets.
func (s *MediaService) SyncFromPayload(ctx context.Context, listingID uuid.UUID, sets []models.ImageSet, images []string) (int, error) {
	return s.replace(ctx, listingID, BuildFromImageSets(sets, images))
}

func (s *MediaService) replace(ctx context.Context, listingID uuid.UUID, rows []models.ListingMedia) (int, error) {
	if err := s.store.ReplaceListingMedia(ctx, listingID, rows); err != nil {
		return 0, err
	}
	s.queueDownloads(ctx, listingID, rows)
	return len(rows), nil
}

func (s *MediaService) queueDownloads(ctx context.Context, listingID uuid.UUID, rows []models.ListingMedia) {
	if !s.opts.AutoDownload || s.jobs == nil {
		return
	}
	for _, m := range rows {
		job := MediaDownloadJob{MediaID: m.ID, ListingID: listingID}
		if err := s.jobs.Enqueue(ctx, queue.TypeMediaDownload, job, s.opts.DownloadQueue); err != nil {
			s.logger.Warn("media download not queued", "media_id", m.ID, "error", err)
		}
	}
}

// ListingsMissingMedia returns listings without any media row.
func (s *MediaService) ListingsMissingMedia(ctx context.Context, limit int) ([]models.ListingRef, error) {
	return s.store.ListingsMissingMedia(ctx, limit)
}

// Backfill queues a media.sync job for up to limit listings lacking media.
// A full queue ends the pass early; the rest stay eligible for the next one.
func (s *MediaService) Backfill(ctx context.Context, limit int) (int, error) {
	if s.jobs == nil {
		return 0, nil
	}
	refs, err := s.store.ListingsMissingMedia(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("listings missing media: %w", err)
	}
	queued := 0
	for _, ref := range refs {
		job := MediaSyncJob{ListingID: ref.ID, ListingKey: ref.ListingKey}
		if err := s.jobs.Enqueue(ctx, queue.TypeMediaSync, job, s.opts.SyncQueue); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				s.logger.Warn("media backfill stopped, queue full", "queued", queued, "remaining", len(refs)-queued)
				return queued, nil
			}
			return queued, fmt.Errorf("queue media sync: %w", err)
		}
		queued++
	}
	return queued, nil
}

// BuildFromFeed maps Media resource items to rows in feed order. Items
// without a URL are dropped; the first kept item is primary.
func BuildFromFeed(items []models.RawMedia) []models.ListingMedia {
	rows := make([]models.ListingMedia, 0, len(items))
	for _, item := range items {
		url := item.MediaURL.Trimmed()
		if url == nil {
			continue
		}
		rows = append(rows, models.ListingMedia{
			ID:         uuid.New(),
			MediaKey:   item.MediaKey.Trimmed(),
			URL:        *url,
			PreviewURL: *url,
			Caption:    item.ShortDescription.Trimmed(),
			Position:   len(rows),
		})
	}
	markPrimary(rows)
	return rows
}

// BuildFromImageSets prefers image sets and falls back to the flat image
// list. Sets that resolve to no usable URL are skipped.
func BuildFromImageSets(sets []models.ImageSet, images []string) []models.ListingMedia {
	var rows []models.ListingMedia
	if len(sets) == 0 {
		for _, img := range images {
			img = strings.TrimSpace(img)
			if img == "" {
				continue
			}
			rows = append(rows, models.ListingMedia{ID: uuid.New(), URL: img, PreviewURL: img, Position: len(rows)})
		}
		markPrimary(rows)
		return rows
	}

	for i := range sets {
		set := &sets[i]
		primary := primaryURL(set, i, images)
		if primary == "" {
			continue
		}
		m := models.ListingMedia{
			ID:         uuid.New(),
			URL:        primary,
			PreviewURL: previewURL(set, primary),
			Position:   len(rows),
		}
		if d := strings.TrimSpace(set.Description); d != "" {
			m.Caption = &d
		}
		rows = append(rows, m)
	}
	markPrimary(rows)
	return rows
}

// primaryURL: explicit url, else the first non-empty size, else the
// same-index fallback image, else the first fallback image.
func primaryURL(set *models.ImageSet, index int, images []string) string {
	if u := strings.TrimSpace(set.URL); u != "" {
		return u
	}
	for _, u := range set.OrderedSizes() {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	if index < len(images) {
		if u := strings.TrimSpace(images[index]); u != "" {
			return u
		}
	}
	if len(images) > 0 {
		return strings.TrimSpace(images[0])
	}
	return ""
}

func previewURL(set *models.ImageSet, primary string) string {
	for _, size := range previewSizes {
		if u := strings.TrimSpace(set.Sizes[size]); u != "" {
			return u
		}
	}
	return primary
}

func markPrimary(rows []models.ListingMedia) {
	if len(rows) > 0 {
		rows[0].IsPrimary = true
	}
}
