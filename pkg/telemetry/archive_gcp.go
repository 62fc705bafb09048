//go:build gcp

package telemetry

import (
	"context"
	"errors"
	"fmt"

	gcs "cloud.google.com/go/storage"
)

// gcsArchive stores batch objects in a GCS bucket. Enabled with -tags gcp.
type gcsArchive struct {
	client *gcs.Client
	bucket string
}

func newGCSArchive(ctx context.Context, bucket string) (*gcsArchive, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create gcs client: %w", err)
	}
	return &gcsArchive{client: client, bucket: bucket}, nil
}

func (a *gcsArchive) Put(ctx context.Context, key string, data []byte) error {
	obj := a.client.Bucket(a.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	} else if !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("telemetry: gcs attrs %s: %w", key, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("telemetry: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telemetry: gcs close %s: %w", key, err)
	}
	return nil
}
