package workers

import (
	"context"
	"log/slog"

	"mls_sync/models"
	"mls_sync/queue"
	"mls_sync/services"
)

// MediaSyncHandler is the media.sync job handler: it rebuilds a listing's
// media from the remote Media resource.
func MediaSyncHandler(media *services.MediaService, logger *slog.Logger, logFn LogFunc) queue.Handler {
	if logFn == nil {
		logFn = NoOpLogger
	}
	return func(ctx context.Context, job *queue.Job) error {
		var p services.MediaSyncJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		n, err := media.SyncFromFeed(ctx, models.ListingRef{ID: p.ListingID, ListingKey: p.ListingKey})
		if err != nil {
			logFn(models.LogLevelWarn, "Media sync failed: "+err.Error(), p.ListingKey)
			return err
		}
		logger.Debug("media synced", "listing_key", p.ListingKey, "items", n)
		return nil
	}
}
