package tiff

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// BufferedEntry is the resolved form of a tag's value: the raw bytes exactly
// as stored in the file, plus the declared type and count needed to interpret
// them. Entries are immutable once constructed and safe to share across
// goroutines.
//
// Values are kept opaque and interpreted on demand by the typed accessors;
// there is deliberately no structured value tree.
type BufferedEntry struct {
	typ   TagType
	count uint64
	data  []byte
	order binary.ByteOrder
}

// NewBufferedEntry validates that data is consistent with the declared type
// and count and wraps it. data must be in the file's byte order and is not
// copied; the caller hands over ownership.
func NewBufferedEntry(typ TagType, count uint64, data []byte, order binary.ByteOrder) (*BufferedEntry, error) {
	size := typ.Size()
	if size == 0 {
		return nil, fmt.Errorf("unknown tag type %d: %w", typ, ErrMalformedData)
	}
	if uint64(len(data)) != count*size {
		return nil, fmt.Errorf("got %d bytes for type %d count %d (want %d): %w",
			len(data), typ, count, count*size, ErrMalformedData)
	}

	return &BufferedEntry{typ: typ, count: count, data: data, order: order}, nil
}

// Type returns the declared tag type.
func (e *BufferedEntry) Type() TagType { return e.typ }

// Count returns the declared number of values.
func (e *BufferedEntry) Count() uint64 { return e.count }

// Bytes returns the raw value bytes in file byte order. Callers must not
// mutate the returned slice.
func (e *BufferedEntry) Bytes() []byte { return e.data }

// Uint returns the i-th value as an unsigned integer. Fails for non-integer
// types and out-of-range indices.
func (e *BufferedEntry) Uint(i int) (uint64, error) {
	if i < 0 || uint64(i) >= e.count {
		return 0, fmt.Errorf("index %d out of range (count %d): %w", i, e.count, ErrMalformedData)
	}

	switch e.typ {
	case TypeByte, TypeUndefined:
		return uint64(e.data[i]), nil
	case TypeShort:
		return uint64(e.order.Uint16(e.data[i*2:])), nil
	case TypeLong, TypeIFD:
		return uint64(e.order.Uint32(e.data[i*4:])), nil
	case TypeLong8, TypeIFD8:
		return e.order.Uint64(e.data[i*8:]), nil
	default:
		return 0, fmt.Errorf("type %d is not an unsigned integer: %w", e.typ, ErrMalformedData)
	}
}

// FirstUint returns the first value as an unsigned integer. Convenience for
// the many single-valued tags.
func (e *BufferedEntry) FirstUint() (uint64, error) {
	return e.Uint(0)
}

// UintSlice returns all values as unsigned integers.
func (e *BufferedEntry) UintSlice() ([]uint64, error) {
	out := make([]uint64, e.count)
	for i := range out {
		v, err := e.Uint(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Float returns the i-th value as a float. Fails for non-float types.
func (e *BufferedEntry) Float(i int) (float64, error) {
	if i < 0 || uint64(i) >= e.count {
		return 0, fmt.Errorf("index %d out of range (count %d): %w", i, e.count, ErrMalformedData)
	}

	switch e.typ {
	case TypeFloat:
		return float64(math.Float32frombits(e.order.Uint32(e.data[i*4:]))), nil
	case TypeDouble:
		return math.Float64frombits(e.order.Uint64(e.data[i*8:])), nil
	default:
		return 0, fmt.Errorf("type %d is not a float: %w", e.typ, ErrMalformedData)
	}
}

// ASCII returns the value as a string with trailing NULs stripped. Fails for
// non-text types.
func (e *BufferedEntry) ASCII() (string, error) {
	switch e.typ {
	case TypeASCII, TypeByte, TypeUndefined:
		return strings.TrimRight(string(e.data), "\x00"), nil
	default:
		return "", fmt.Errorf("type %d is not text: %w", e.typ, ErrMalformedData)
	}
}

// DirectoryEntry is one slot of a directory: either an unresolved pointer
// (file offset plus byte length, as parsed from the fixed-size entry table)
// or a resolved BufferedEntry. Resolution is one-way; an entry never loses
// its value.
//
// The value pointer is atomic so callers holding an entry from Lookup may
// poll Resolved and Value while a concurrent Resolve installs the value.
type DirectoryEntry struct {
	tag    Tag
	typ    TagType
	count  uint64
	offset uint64
	value  atomic.Pointer[BufferedEntry]
}

// Tag returns the entry's tag.
func (e *DirectoryEntry) Tag() Tag { return e.tag }

// Type returns the declared tag type.
func (e *DirectoryEntry) Type() TagType { return e.typ }

// Count returns the declared number of values.
func (e *DirectoryEntry) Count() uint64 { return e.count }

// Resolved reports whether the entry's value is in memory.
func (e *DirectoryEntry) Resolved() bool { return e.value.Load() != nil }

// Value returns the buffered value, or nil while the entry is unresolved.
func (e *DirectoryEntry) Value() *BufferedEntry { return e.value.Load() }

// resolve installs the value if the entry is still unresolved and returns
// the entry's value either way.
func (e *DirectoryEntry) resolve(v *BufferedEntry) *BufferedEntry {
	if e.value.CompareAndSwap(nil, v) {
		return v
	}
	return e.value.Load()
}

// Offset returns the file offset of the value data. Meaningless once the
// entry is resolved from an inline value.
func (e *DirectoryEntry) Offset() uint64 { return e.offset }

// byteLength is the size of the value data region in the file.
func (e *DirectoryEntry) byteLength() uint64 {
	return e.count * e.typ.Size()
}
