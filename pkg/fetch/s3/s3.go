// Package s3 implements fetch.RangeReader over an object in Amazon S3 or any
// S3-compatible store.
//
// Every Fetch range maps to one GetObject call with an HTTP Range header, so
// only the requested bytes are transferred. This is what makes lazy COG
// reading economical: directory tables and tag data are a few hundred bytes
// each, while the object itself may be tens of gigabytes.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/lazytiff/pkg/fetch"
)

// Reader serves byte ranges from a single S3 object.
//
// Thread Safety:
// The S3 client is safe for concurrent use and the Reader holds no other
// mutable state, so Fetch may be called from any number of goroutines.
type Reader struct {
	client  *awss3.Client
	bucket  string
	key     string
	size    uint64
	metrics fetch.Metrics
}

// Config contains the settings needed to open an S3-backed reader.
type Config struct {
	// Client is the configured S3 client.
	Client *awss3.Client

	// Bucket is the S3 bucket name.
	Bucket string

	// Key is the object key of the TIFF file.
	Key string

	// Metrics optionally receives fetch observations.
	Metrics fetch.Metrics
}

// New creates a Reader for one S3 object.
//
// The object must exist: New issues a HeadObject call both to verify access
// and to learn the object size, which is used to reject out-of-bounds ranges
// locally instead of paying for a doomed GetObject round trip.
func New(ctx context.Context, cfg Config) (*Reader, error) {
	// ========================================================================
	// Step 1: Validate configuration
	// ========================================================================

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("object key is required")
	}

	// ========================================================================
	// Step 2: Verify object access and capture its size
	// ========================================================================

	head, err := cfg.Client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("object s3://%s/%s not found: %w", cfg.Bucket, cfg.Key, err)
		}
		return nil, fmt.Errorf("failed to access object s3://%s/%s: %w", cfg.Bucket, cfg.Key, err)
	}

	return &Reader{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		key:     cfg.Key,
		size:    uint64(aws.ToInt64(head.ContentLength)),
		metrics: cfg.Metrics,
	}, nil
}

// NewClient builds an S3 client from the default AWS configuration chain
// (environment, shared config, instance metadata).
//
// endpoint overrides the S3 endpoint for S3-compatible stores; pass "" for
// AWS proper. usePathStyle must be true for most non-AWS endpoints.
func NewClient(ctx context.Context, region, endpoint string, usePathStyle bool) (*awss3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	}), nil
}

// NewClientWithStaticCredentials builds an S3 client with explicit
// credentials. Intended for S3-compatible stores and test environments; for
// AWS proper prefer NewClient and the default chain.
func NewClientWithStaticCredentials(ctx context.Context, region, endpoint, accessKey, secretKey string, usePathStyle bool) (*awss3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	}), nil
}

// Fetch implements fetch.RangeReader.
//
// Each range becomes one GetObject request with "bytes=start-end". Requests
// are issued sequentially; concurrency across Fetch calls is the caller's
// (and the SDK connection pool's) concern, matching the shared-resource
// policy of the decoder.
func (r *Reader) Fetch(ctx context.Context, ranges []fetch.Range) (bufs [][]byte, err error) {
	start := time.Now()
	defer func() {
		var n int64
		for _, b := range bufs {
			n += int64(len(b))
		}
		fetch.ObserveFetch(r.metrics, len(ranges), n, time.Since(start), err)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]byte, len(ranges))
	for i, rg := range ranges {
		if rg.End() < rg.Offset || rg.End() > r.size {
			return nil, fmt.Errorf("range %d+%d exceeds object size %d: %w",
				rg.Offset, rg.Length, r.size, fetch.ErrOutOfBounds)
		}
		if rg.Length == 0 {
			out[i] = []byte{}
			continue
		}

		buf, err := r.getRange(ctx, rg)
		if err != nil {
			return nil, err
		}
		out[i] = buf
	}

	return out, nil
}

// getRange downloads one byte range. S3 ranges are inclusive on both ends.
func (r *Reader) getRange(ctx context.Context, rg fetch.Range) ([]byte, error) {
	rangeStr := fmt.Sprintf("bytes=%d-%d", rg.Offset, rg.End()-1)

	result, err := r.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rangeStr),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("object s3://%s/%s disappeared: %w", r.bucket, r.key, err)
		}
		return nil, fmt.Errorf("failed to get range %s: %w", rangeStr, err)
	}
	defer result.Body.Close()

	buf := make([]byte, rg.Length)
	if _, err := io.ReadFull(result.Body, buf); err != nil {
		return nil, fmt.Errorf("short read for range %s: %w", rangeStr, err)
	}

	return buf, nil
}

// Size implements fetch.Sizer.
func (r *Reader) Size(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.size, nil
}
