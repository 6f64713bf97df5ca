package archive

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// SinkOptions carries backend settings that do not fit in a destination URI.
type SinkOptions struct {
	S3Region   string
	S3Endpoint string
	GCSAnon    bool
	GCSHost    string
}

// SinkOptionsFromEnv reads AWS_REGION, FOODTRACE_S3_ENDPOINT and
// STORAGE_EMULATOR_HOST.
func SinkOptionsFromEnv() SinkOptions {
	opts := SinkOptions{
		S3Region:   os.Getenv("AWS_REGION"),
		S3Endpoint: os.Getenv("FOODTRACE_S3_ENDPOINT"),
	}
	if host := os.Getenv("STORAGE_EMULATOR_HOST"); host != "" {
		opts.GCSHost = host
		opts.GCSAnon = true
	}
	return opts
}

// OpenSink resolves a destination into a sink:
//
//	/var/backups/foodtrace     local directory
//	file:///var/backups/ft     local directory
//	s3://bucket/prefix         Amazon S3 or compatible
//	gs://bucket/prefix         Google Cloud Storage
func OpenSink(ctx context.Context, dest string, opts SinkOptions) (Sink, error) {
	if dest == "" {
		return nil, fmt.Errorf("archive destination is empty")
	}
	if !strings.Contains(dest, "://") {
		return NewFileSink(dest)
	}

	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("parse archive destination: %w", err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	switch u.Scheme {
	case "file":
		return NewFileSink(u.Path)
	case "s3":
		return NewS3Sink(ctx, S3Config{
			Bucket:   u.Host,
			Prefix:   prefix,
			Region:   opts.S3Region,
			Endpoint: opts.S3Endpoint,
		})
	case "gs":
		cfg := GCSConfig{Bucket: u.Host, Prefix: prefix, Anonymous: opts.GCSAnon}
		if opts.GCSHost != "" {
			cfg.Endpoint = "http://" + strings.TrimPrefix(opts.GCSHost, "http://") + "/storage/v1/"
		}
		return NewGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q", u.Scheme)
	}
}
