package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSStorage keeps content as objects in a Cloud Storage bucket.
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger *slog.Logger
}

// NewGCSStorage uses Application Default Credentials unless opts say otherwise.
func NewGCSStorage(ctx context.Context, bucket, prefix string, logger *slog.Logger, opts ...option.ClientOption) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStorage{client: client, bucket: client.Bucket(bucket), prefix: prefix, logger: logger}, nil
}

func (g *GCSStorage) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(path.Join(g.prefix, key))
}

func (g *GCSStorage) Put(ctx context.Context, key string, data []byte) error {
	w := g.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			g.logger.Debug("storage.gcs.exists", "key", key)
			return nil
		}
		return fmt.Errorf("finalize upload %s: %w", key, err)
	}
	return nil
}

func (g *GCSStorage) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GCS object: %w", err)
	}
	return data, nil
}

func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete GCS object: %w", err)
	}
	return nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}
