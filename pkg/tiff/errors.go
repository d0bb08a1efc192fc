package tiff

import (
	"errors"
	"fmt"
)

// Error taxonomy of the metadata layer. Callers match with errors.Is/As:
//
//	if errors.Is(err, tiff.ErrMissingTag) { ... caller logic error ... }
//	var terr *tiff.TransportError
//	if errors.As(err, &terr) { ... retry with backoff ... }
var (
	// ErrFormat indicates the file itself is malformed (bad magic, bad
	// directory table, offset cycles). Unrecoverable for the decoder
	// instance that hit it.
	ErrFormat = errors.New("malformed tiff")

	// ErrMissingTag indicates a requested tag was never present in the
	// directory. This is a caller logic error, not a transient condition.
	ErrMissingTag = errors.New("tag not present in directory")

	// ErrMalformedData indicates fetched bytes contradict the declared
	// type/count of the entry they were fetched for.
	ErrMalformedData = errors.New("tag data does not match declared type and count")

	// ErrUnsupported indicates a feature of the file the library does not
	// implement (exotic planar layouts, unknown predictors).
	ErrUnsupported = errors.New("unsupported tiff feature")
)

// TransportError wraps a failure of the underlying RangeReader. The
// operation that hit it may be retried verbatim: per-tag resolution is
// atomic, so no partial state survives the failure.
type TransportError struct {
	// Op names the operation that was fetching ("resolve", "directory",
	// "chunk").
	Op string

	// Err is the reader's error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
