//go:build !gcp

package telemetry

import (
	"context"
	"fmt"
)

func newGCSArchive(ctx context.Context, bucket string) (Archive, error) {
	return nil, fmt.Errorf("telemetry: gs:// archive is not enabled in this build (use -tags gcp)")
}
