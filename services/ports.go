package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mls_sync/models"
)

// ListingStore is the persistence the upserter needs. Lookups include
// soft-deleted rows and return (nil, nil) when nothing matches.
type ListingStore interface {
	FindListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error)
	FindListingByBoardAndMLS(ctx context.Context, boardCode, mlsNumber string) (*models.Listing, error)
	InsertListing(ctx context.Context, l *models.Listing) error
	UpdateListing(ctx context.Context, l *models.Listing) error
	InsertStatusHistory(ctx context.Context, h *models.ListingStatusHistory) error
	FindOrCreateSource(ctx context.Context, slug string) (*models.Source, error)
	SourceByID(ctx context.Context, id int64) (*models.Source, error)
	FindOrCreateMunicipality(ctx context.Context, name, province string) (*models.Municipality, error)
}

type MediaStore interface {
	ReplaceListingMedia(ctx context.Context, listingID uuid.UUID, items []models.ListingMedia) error
	ListingsMissingMedia(ctx context.Context, limit int) ([]models.ListingRef, error)
	GetListingMedia(ctx context.Context, id uuid.UUID) (*models.ListingMedia, error)
	MarkMediaDownloaded(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) error
	StoragePaths(ctx context.Context) (map[string]bool, error)
}

// MediaFetcher reads the remote Media resource of one listing.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, listingKey string) ([]models.RawMedia, error)
}

// MediaChangeFetcher pages the remote Media resource by modification
// watermark.
type MediaChangeFetcher interface {
	FetchMediaSince(ctx context.Context, ts time.Time, key string, top int) ([]models.RawMedia, error)
}

type ListingFinder interface {
	FindListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error)
}

type CursorStore interface {
	GetCursor(channel string) (*models.ReplicationCursor, error)
	AdvanceCursor(channel string, ts time.Time, key string) (bool, error)
}

// MediaSyncJob is the payload of a media.sync job.
type MediaSyncJob struct {
	ListingID  uuid.UUID `json:"listing_id"`
	ListingKey string    `json:"listing_key"`
}

// MediaDownloadJob is the payload of a media.download job.
type MediaDownloadJob struct {
	MediaID   uuid.UUID `json:"media_id"`
	ListingID uuid.UUID `json:"listing_id"`
}
