package fetch

import "errors"

// Standard errors shared by all RangeReader implementations. Callers should
// match with errors.Is; implementations wrap them with context:
//
//	return nil, fmt.Errorf("range %d+%d: %w", r.Offset, r.Length, fetch.ErrOutOfBounds)
var (
	// ErrOutOfBounds indicates a requested range extends past the end of the
	// source. The decoder treats this as a format error (the file lied about
	// an offset), not as a transient transport failure.
	ErrOutOfBounds = errors.New("range out of bounds")

	// ErrClosed indicates the reader has been closed and can no longer serve
	// fetches.
	ErrClosed = errors.New("reader closed")
)
