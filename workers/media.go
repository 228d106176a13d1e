package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mls_sync/metrics"
	"mls_sync/models"
	"mls_sync/queue"
	"mls_sync/services"
	"mls_sync/storage"
)

const maxMediaSize = 50 << 20

// MediaRecords is the slice of the media store the download worker needs.
type MediaRecords interface {
	GetListingMedia(ctx context.Context, id uuid.UUID) (*models.ListingMedia, error)
	MarkMediaDownloaded(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) error
	StoragePaths(ctx context.Context) (map[string]bool, error)
}

// MediaWorker downloads media binaries, hashes them and stores them on the
// media disk.
type MediaWorker struct {
	store      MediaRecords
	blobs      storage.BlobStore
	httpClient *http.Client
	prefix     string
	logger     *slog.Logger
	logFn      LogFunc
	now        func() time.Time

	// paths written but not yet recorded on their media row; pruning
	// leaves them alone
	mu      sync.Mutex
	pending map[string]int
}

// NewMediaWorker creates a new media worker
func NewMediaWorker(store MediaRecords, blobs storage.BlobStore, client *http.Client, prefix string, logger *slog.Logger) *MediaWorker {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &MediaWorker{
		store:      store,
		blobs:      blobs,
		httpClient: client,
		prefix:     strings.Trim(prefix, "/"),
		logger:     logger,
		logFn:      NoOpLogger,
		now:        time.Now,
		pending:    make(map[string]int),
	}
}

// SetLogFunc routes worker events to the operational log.
func (w *MediaWorker) SetLogFunc(fn LogFunc) {
	if fn != nil {
		w.logFn = fn
	}
}

// MediaProcessResult contains the outcome of storing one media binary
type MediaProcessResult struct {
	MediaID     uuid.UUID
	Path        string
	ContentHash string
	Size        int64
	Existed     bool
}

// HandleDownload is the media.download job handler.
func (w *MediaWorker) HandleDownload(ctx context.Context, job *queue.Job) error {
	var p services.MediaDownloadJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	if w.blobs == nil {
		return queue.Permanent(errors.New("no media disk configured"))
	}

	m, err := w.store.GetListingMedia(ctx, p.MediaID)
	if err != nil {
		return fmt.Errorf("get media %s: %w", p.MediaID, err)
	}
	if m == nil {
		// replaced by a later sync
		return queue.Permanent(fmt.Errorf("media %s no longer exists", p.MediaID))
	}
	if m.StoragePath != nil {
		return nil
	}

	res, err := w.process(ctx, m)
	if err != nil {
		metrics.MediaStored.WithLabelValues(w.blobs.Name(), "error").Inc()
		return err
	}
	defer w.release(res.Path)
	if err := w.store.MarkMediaDownloaded(ctx, m.ID, res.Path, w.now().UTC()); err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}

	// A prune that listed the file before it was held can still delete it.
	exists, err := w.blobs.Exists(ctx, res.Path)
	if err != nil {
		return fmt.Errorf("check %s: %w", res.Path, err)
	}
	if !exists {
		w.logger.Warn("stored media vanished, storing again", "media_id", m.ID, "path", res.Path)
		again, err := w.process(ctx, m)
		if err != nil {
			return err
		}
		w.release(again.Path)
	}

	w.logger.Debug("media stored", "media_id", m.ID, "path", res.Path, "bytes", res.Size, "existed", res.Existed)
	return nil
}

func (w *MediaWorker) hold(path string) {
	w.mu.Lock()
	w.pending[path]++
	w.mu.Unlock()
}

func (w *MediaWorker) release(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[path] <= 1 {
		delete(w.pending, path)
		return
	}
	w.pending[path]--
}

func (w *MediaWorker) held(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending[path] > 0
}

// process downloads a media file, computes its hash and stores it under
// <prefix>/<listing_id>/<hash><ext>, skipping the upload when the object
// already exists. On success the path stays held until release.
func (w *MediaWorker) process(ctx context.Context, m *models.ListingMedia) (MediaProcessResult, error) {
	result := MediaProcessResult{MediaID: m.ID}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return result, queue.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return result, queue.Permanent(fmt.Errorf("download status: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return result, fmt.Errorf("download status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	if err != nil {
		return result, fmt.Errorf("read body: %w", err)
	}
	result.Size = int64(len(data))

	hash := sha256.Sum256(data)
	result.ContentHash = hex.EncodeToString(hash[:])

	contentType := resp.Header.Get("Content-Type")
	ext := guessExtension(m.URL, contentType)
	result.Path = fmt.Sprintf("%s/%s/%s%s", w.prefix, m.ListingID, result.ContentHash, ext)
	result.Path = strings.TrimPrefix(result.Path, "/")

	w.hold(result.Path)
	exists, err := w.blobs.Exists(ctx, result.Path)
	if err != nil {
		w.release(result.Path)
		return result, fmt.Errorf("check %s: %w", result.Path, err)
	}
	if exists {
		result.Existed = true
		metrics.MediaStored.WithLabelValues(w.blobs.Name(), "exists").Inc()
		return result, nil
	}

	if contentType == "" {
		contentType = "image/jpeg"
	}
	if err := w.blobs.Put(ctx, result.Path, data, contentType); err != nil {
		w.release(result.Path)
		return result, fmt.Errorf("upload: %w", err)
	}
	metrics.MediaStored.WithLabelValues(w.blobs.Name(), "stored").Inc()
	return result, nil
}

// PruneOrphans deletes stored binaries no media row points at any more,
// which happens after a full media replace. Files a download is still
// recording are skipped.
func (w *MediaWorker) PruneOrphans(ctx context.Context) (int, error) {
	if w.blobs == nil {
		return 0, nil
	}
	files, err := w.blobs.AllFiles(ctx, w.prefix+"/")
	if err != nil {
		return 0, fmt.Errorf("list media files: %w", err)
	}
	known, err := w.store.StoragePaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("load storage paths: %w", err)
	}

	deleted := 0
	for _, f := range files {
		if known[f] || w.held(f) {
			continue
		}
		ok, err := w.blobs.Delete(ctx, f)
		if err != nil {
			w.logger.Warn("prune media failed", "path", f, "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}
	if deleted > 0 {
		w.logger.Info("pruned orphaned media", "deleted", deleted, "scanned", len(files))
		w.logFn(models.LogLevelInfo, fmt.Sprintf("Pruned %d orphaned media files", deleted), "")
	}
	return deleted, nil
}

// guessExtension determines file extension from URL or content-type
func guessExtension(rawURL, contentType string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext != "" && isImageExt(ext) {
		return ext
	}

	switch strings.TrimSpace(strings.Split(contentType, ";")[0]) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff":
		return true
	}
	return false
}
