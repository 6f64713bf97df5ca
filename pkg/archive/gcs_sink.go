package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSSink stores snapshots in a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSSink.
type GCSConfig struct {
	Bucket string
	Prefix string
	// Endpoint targets an emulator; Anonymous skips credential lookup.
	Endpoint  string
	Anonymous bool
}

func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs sink: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	// Application Default Credentials unless overridden above.
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) object(h string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + objectName(h))
}

func (s *GCSSink) Put(ctx context.Context, data []byte) (string, error) {
	ref, h := digest(data)
	obj := s.object(h)
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return ref, nil
}

func (s *GCSSink) Get(ctx context.Context, ref string) ([]byte, error) {
	h, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	reader, err := s.object(h).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, ref)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", ref, err)
	}
	if err := checkDigest(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *GCSSink) Exists(ctx context.Context, ref string) (bool, error) {
	h, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := s.object(h).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}
