// Package memory implements fetch.RangeReader over an in-memory byte slice.
//
// It is intended for tests, for small files that are cheap to slurp whole,
// and as the reference implementation of the RangeReader contract.
package memory

import (
	"context"
	"fmt"

	"github.com/marmos91/lazytiff/pkg/fetch"
)

// Reader serves ranges from a byte slice held in memory.
//
// The slice is not copied at construction time; callers must not mutate it
// after handing it over. Fetch returns copies, so buffers handed out are
// safe to retain and modify.
//
// Thread safety: the underlying data is never written, so Fetch is safe for
// unlimited concurrent use without locking.
type Reader struct {
	data []byte
}

// New creates a Reader over data.
func New(data []byte) *Reader {
	return &Reader{data: data}
}

// Fetch implements fetch.RangeReader.
func (r *Reader) Fetch(ctx context.Context, ranges []fetch.Range) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := uint64(len(r.data))
	out := make([][]byte, len(ranges))

	for i, rg := range ranges {
		if rg.End() < rg.Offset || rg.End() > size {
			return nil, fmt.Errorf("range %d+%d exceeds source size %d: %w",
				rg.Offset, rg.Length, size, fetch.ErrOutOfBounds)
		}

		buf := make([]byte, rg.Length)
		copy(buf, r.data[rg.Offset:rg.End()])
		out[i] = buf
	}

	return out, nil
}

// Size implements fetch.Sizer.
func (r *Reader) Size(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return uint64(len(r.data)), nil
}
