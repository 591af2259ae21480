// Package storage holds the content store: write-once receipt bytes keyed by
// owner and checksum.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

// ContentStore persists raw uploads. Put on an existing key is a no-op, Get
// of a missing key returns an error matching common.ErrNotFound, Delete of a
// missing key succeeds.
type ContentStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key builds the content-addressed key for an upload.
func Key(ownerID, checksum string) string {
	return url.PathEscape(ownerID) + "/" + checksum
}

// New opens the backend named in cfg.
func New(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (ContentStore, error) {
	logger = common.OrDefault(logger)
	switch cfg.Backend {
	case "", "local":
		return NewLocalStorage(cfg.Dir)
	case "bolt":
		return NewBoltStorage(cfg.BoltPath)
	case "gcs":
		return NewGCSStorage(ctx, cfg.GCSBucket, cfg.GCSPrefix, logger)
	default:
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown storage backend %q", cfg.Backend), common.ErrInvalidInput)
	}
}

func notFound(key string) error {
	return common.NewNotFoundError("content " + key + " not found")
}
