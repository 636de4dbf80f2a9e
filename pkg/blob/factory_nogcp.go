//go:build !gcp

package blob

import (
	"context"
	"fmt"
	"log/slog"
)

func newGCSBackend(context.Context, string, string, *slog.Logger) (Store, error) {
	return nil, fmt.Errorf("blob: gcs backend is not enabled in this build (use -tags gcp)")
}
