package telemetry

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
)

// Archive is an object store the exporter writes batches into.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Exporter writes event batches to object storage as JSONL, one object per
// batch, keyed by the batch content hash so re-exports are idempotent.
type Exporter struct {
	archive Archive
	prefix  string
}

// NewExporter parses archiveURL ("s3://bucket/prefix" or "gs://bucket/prefix")
// and connects the matching backend.
func NewExporter(ctx context.Context, archiveURL string) (*Exporter, error) {
	u, err := url.Parse(archiveURL)
	if err != nil {
		return nil, fmt.Errorf("telemetry: parse archive url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("telemetry: archive url %q has no bucket", archiveURL)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var archive Archive
	switch u.Scheme {
	case "s3":
		archive, err = newS3Archive(ctx, u.Host)
	case "gs":
		archive, err = newGCSArchive(ctx, u.Host)
	default:
		return nil, fmt.Errorf("telemetry: unsupported archive scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return &Exporter{archive: archive, prefix: prefix}, nil
}

// Export uploads events as one JSONL object and returns its key.
func (x *Exporter) Export(ctx context.Context, events []*Event) (string, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("telemetry: nothing to export")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("telemetry: encode event %s: %w", e.ID, err)
		}
	}

	hash := hex.EncodeToString(crypto.Hash(buf.Bytes()))
	key := x.prefix + hash + ".jsonl"
	if err := x.archive.Put(ctx, key, buf.Bytes()); err != nil {
		return "", err
	}
	return key, nil
}

// s3Archive stores batch objects in an S3 bucket.
type s3Archive struct {
	client *s3.Client
	bucket string
}

func newS3Archive(ctx context.Context, bucket string) (*s3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: load aws config: %w", err)
	}
	return &s3Archive{client: s3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

func (a *s3Archive) Put(ctx context.Context, key string, data []byte) error {
	// Content-addressed keys make uploads idempotent.
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("telemetry: s3 put %s: %w", key, err)
	}
	return nil
}
