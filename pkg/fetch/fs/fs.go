// Package fs implements fetch.RangeReader over a local file.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/marmos91/lazytiff/pkg/fetch"
)

// Reader serves byte ranges from a file on the local filesystem.
//
// Reads go through os.File.ReadAt, which is safe for concurrent use, so a
// single Reader can back any number of in-flight decode tasks.
type Reader struct {
	file    *os.File
	size    uint64
	metrics fetch.Metrics
}

// Open opens path for range reading.
//
// The file size is captured once at open time; a file that is being appended
// to concurrently is not supported.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return &Reader{file: file, size: uint64(info.Size())}, nil
}

// SetMetrics attaches a metrics sink. Must be called before the reader is
// shared across goroutines.
func (r *Reader) SetMetrics(m fetch.Metrics) {
	r.metrics = m
}

// Fetch implements fetch.RangeReader.
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
			return nil, fmt.Errorf("range %d+%d exceeds file size %d: %w",
				rg.Offset, rg.Length, r.size, fetch.ErrOutOfBounds)
		}

		buf := make([]byte, rg.Length)
		n, err := r.file.ReadAt(buf, int64(rg.Offset))
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read range %d+%d: %w", rg.Offset, rg.Length, err)
		}
		// ReadAt reports EOF alongside a short read when the file shrank
		// after open; a zero-padded buffer must never pass for file bytes.
		if uint64(n) < rg.Length {
			return nil, fmt.Errorf("short read for range %d+%d (got %d bytes): %w",
				rg.Offset, rg.Length, n, fetch.ErrOutOfBounds)
		}
		out[i] = buf
	}

	return out, nil
}

// Size implements fetch.Sizer.
func (r *Reader) Size(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.size, nil
}

// Close releases the underlying file. Fetch calls after Close fail.
func (r *Reader) Close() error {
	return r.file.Close()
}
