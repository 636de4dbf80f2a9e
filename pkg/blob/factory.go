package blob

import (
	"context"
	"fmt"
	"log/slog"
)

// BackendType names a physical blob store implementation.
type BackendType string

const (
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// BackendConfig selects and configures the physical blob store. The
// daemon wraps whatever this yields in the at-rest encryption layer, so
// the choice of backend never changes what lands on the wire.
type BackendConfig struct {
	// Backend picks the implementation. Empty selects S3.
	Backend string

	S3 S3StoreConfig

	GCSBucket string
	GCSPrefix string
}

// NewBackend constructs the configured physical store. The GCS backend
// is compiled in only under the gcp build tag.
func NewBackend(ctx context.Context, cfg BackendConfig, logger *slog.Logger) (Store, error) {
	switch BackendType(cfg.Backend) {
	case "", BackendS3:
		return NewS3Store(ctx, cfg.S3, logger)
	case BackendGCS:
		return newGCSBackend(ctx, cfg.GCSBucket, cfg.GCSPrefix, logger)
	default:
		return nil, fmt.Errorf("blob: unsupported backend %q", cfg.Backend)
	}
}
