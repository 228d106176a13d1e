// Package metrics exposes Prometheus counters for the import pipeline.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_sync_feed_requests_total",
			Help: "OData requests by resource and result",
		},
		[]string{"resource", "status"}, // status=2xx, 4xx, 5xx, error
	)

	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_sync_pages_fetched_total",
			Help: "Feed pages processed per feed",
		},
		[]string{"feed"},
	)

	RecordsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_sync_records_scanned_total",
			Help: "Feed records seen per feed",
		},
		[]string{"feed"},
	)

	UpsertOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_sync_upsert_outcomes_total",
			Help: "Listing upsert results by outcome",
		},
		[]string{"feed", "outcome"},
	)

	ImportRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_sync_import_runs_total",
			Help: "Import runs by final status",
		},
		[]string{"feed", "status"},
	)

	ImportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mls_sync_import_duration_seconds",
			Help:    "Wall time of one import run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"feed"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_sync_jobs_processed_total",
			Help: "Queued jobs by type and result",
		},
		[]string{"type", "result"}, // success, retry, released, failed
	)

	MediaStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_sync_media_stored_total",
			Help: "Media binaries written to blob storage",
		},
		[]string{"disk", "result"}, // stored, exists, error
	)
)

// StatusClass buckets an HTTP status code for labels.
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}
