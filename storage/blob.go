package storage

import (
	"context"
	"fmt"

	"mls_sync/config"
)

// BlobStore is the media disk: a flat key space of binary objects.
type BlobStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Delete(ctx context.Context, path string) (bool, error)
	AllFiles(ctx context.Context, prefix string) ([]string, error)
	Name() string
}

// NewBlobStore opens the disk selected by MEDIA_DISK. "none" yields nil,
// which disables binary downloads.
func NewBlobStore(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.Media.Disk {
	case "", "none":
		return nil, nil
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	case "minio":
		return NewMinioStore(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("unknown media disk %q", cfg.Media.Disk)
	}
}
