//go:build gcp

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
)

// GCSStore persists blobs in a Google Cloud Storage bucket. It is built only
// under the gcp tag so default builds do not pull the GCS client in.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewGCSStore builds a GCSStore using Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs store: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs store: new client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "blob.gcs"),
	}, nil
}

func (s *GCSStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.objectKey(key))
}

// Head reports whether an object exists under key.
func (s *GCSStore) Head(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs store: attrs %s: %w", key, err)
	}
	return true, nil
}

// Get returns the object bytes, or ErrNotFound when the key is absent.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs store: open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs store: read %s: %w", key, err)
	}
	return data, nil
}

// Put writes the object under key.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs store: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs store: close %s: %w", key, err)
	}
	s.logger.Debug("stored blob", "key", key, "bytes", len(data))
	return nil
}

// Delete removes the object. A missing key is not an error.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("gcs store: delete %s: %w", key, err)
	}
	return nil
}
