package config

import (
	"context"
	"fmt"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/lazytiff/internal/logger"
	"github.com/marmos91/lazytiff/pkg/fetch"
	"github.com/marmos91/lazytiff/pkg/fetch/cache"
	"github.com/marmos91/lazytiff/pkg/fetch/fs"
	"github.com/marmos91/lazytiff/pkg/fetch/ratelimit"
	"github.com/marmos91/lazytiff/pkg/fetch/s3"
	"github.com/marmos91/lazytiff/pkg/metrics"
)

// NewReader builds the range reader chain described by cfg.
//
// The chain, innermost first: source backend (file or S3), optional rate
// limiter, optional read-through cache. The rate limiter sits under the
// cache so cache hits are never throttled.
//
// The returned close function releases every resource the chain holds
// (file handles, the cache database) and must be called when the reader is
// no longer needed.
func NewReader(ctx context.Context, cfg *Config) (fetch.RangeReader, func() error, error) {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	var closers []func() error
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	reader, name, err := newSource(ctx, cfg, &closers)
	if err != nil {
		return nil, nil, err
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst == 0 {
			burst = cfg.RateLimit.RequestsPerSecond
		}
		reader = ratelimit.New(reader, cfg.RateLimit.RequestsPerSecond, burst)
		logger.Debug("rate limiting %s source to %d req/s (burst %d)",
			name, cfg.RateLimit.RequestsPerSecond, burst)
	}

	if cfg.Cache.Enabled {
		cached, err := cache.New(ctx, cache.Config{
			Dir:          cfg.Cache.Dir,
			Source:       reader,
			Namespace:    name,
			MaxEntrySize: cfg.Cache.MaxEntrySize,
			Metrics:      metrics.NewFetchMetrics("cache"),
		})
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("failed to open range cache: %w", err)
		}
		closers = append(closers, cached.Close)
		reader = cached
	}

	return reader, closeAll, nil
}

// newSource builds the innermost reader and returns it with a namespace
// string identifying the file it reads.
func newSource(ctx context.Context, cfg *Config, closers *[]func() error) (fetch.RangeReader, string, error) {
	switch cfg.Source.Type {
	case "file":
		reader, err := fs.Open(cfg.Source.File.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open %s: %w", cfg.Source.File.Path, err)
		}
		reader.SetMetrics(metrics.NewFetchMetrics("fs"))
		*closers = append(*closers, reader.Close)
		return reader, cfg.Source.File.Path, nil

	case "s3":
		client, err := newS3Client(ctx, &cfg.Source.S3)
		if err != nil {
			return nil, "", err
		}
		reader, err := s3.New(ctx, s3.Config{
			Client:  client,
			Bucket:  cfg.Source.S3.Bucket,
			Key:     cfg.Source.S3.Key,
			Metrics: metrics.NewFetchMetrics("s3"),
		})
		if err != nil {
			return nil, "", err
		}
		return reader, "s3://" + cfg.Source.S3.Bucket + "/" + cfg.Source.S3.Key, nil

	default:
		return nil, "", fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

func newS3Client(ctx context.Context, cfg *S3SourceConfig) (*awss3.Client, error) {
	if cfg.AccessKey != "" {
		return s3.NewClientWithStaticCredentials(ctx,
			cfg.Region, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UsePathStyle)
	}
	return s3.NewClient(ctx, cfg.Region, cfg.Endpoint, cfg.UsePathStyle)
}
