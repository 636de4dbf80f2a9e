//go:build gcp

package blob

import (
	"context"
	"log/slog"
)

func newGCSBackend(ctx context.Context, bucket, prefix string, logger *slog.Logger) (Store, error) {
	return NewGCSStore(ctx, bucket, prefix, logger)
}
