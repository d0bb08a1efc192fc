// Package fetch defines the byte-range read capability consumed by the
// lazytiff decoder, together with shared errors and the metrics hook used by
// the concrete readers in the subpackages (memory, fs, s3, cache, ratelimit).
package fetch

import "context"

// Range identifies a contiguous byte span inside the source file.
type Range struct {
	// Offset is the absolute position of the first byte.
	Offset uint64

	// Length is the number of bytes to read. Zero-length ranges are valid
	// and yield empty buffers.
	Length uint64
}

// End returns the offset one past the last byte of the range.
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

// RangeReader fetches byte ranges from a (possibly remote) source.
//
// This is the only capability the decoder requires from its surrounding
// application. Implementations decide how the bytes are obtained: a local
// file, an in-memory buffer, an S3 object, or any HTTP-range-capable origin.
//
// Contract:
//   - The returned buffers match the requested ranges in order and length.
//   - Fetch is safe for concurrent use; the implementation owns its internal
//     connection and request limits.
//   - Fetch respects context cancellation. A cancelled call returns ctx.Err()
//     (possibly wrapped) and no partial buffers.
//   - Short or failed reads are reported as errors, never as truncated
//     buffers. Ranges beyond the end of the source fail with ErrOutOfBounds.
//
// Implementations may batch or split the requested ranges internally as long
// as the returned slice lines up with the request.
type RangeReader interface {
	Fetch(ctx context.Context, ranges []Range) ([][]byte, error)
}

// Sizer is an optional interface for readers that know the total size of the
// underlying source. The CLI uses it for reporting; the decoder does not
// require it.
type Sizer interface {
	Size(ctx context.Context) (uint64, error)
}
