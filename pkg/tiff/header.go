package tiff

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/marmos91/lazytiff/pkg/fetch"
)

const (
	byteOrderLittle = 0x4949 // "II"
	byteOrderBig    = 0x4D4D // "MM"

	magicClassic = 42
	magicBig     = 43
)

// Header is the decoded file header: byte order, offset width, and where the
// directory chain starts.
type Header struct {
	Order          binary.ByteOrder
	BigTIFF        bool
	FirstDirOffset uint64
}

// ReadHeader fetches and parses the file header.
//
// Classic TIFF uses an 8-byte header; BigTIFF uses 16. The first fetch reads
// the common 8 bytes, and a second fetch reads the BigTIFF offset when
// needed.
func ReadHeader(ctx context.Context, reader fetch.RangeReader) (Header, error) {
	bufs, err := reader.Fetch(ctx, []fetch.Range{{Offset: 0, Length: 8}})
	if err != nil {
		return Header{}, &TransportError{Op: "header", Err: err}
	}
	buf := bufs[0]

	var order binary.ByteOrder
	switch binary.BigEndian.Uint16(buf[0:2]) {
	case byteOrderLittle:
		// The order marker bytes read the same either way; "II" begins
		// little-endian content.
		order = binary.LittleEndian
	case byteOrderBig:
		order = binary.BigEndian
	default:
		return Header{}, fmt.Errorf("no tiff signature: %w", ErrFormat)
	}

	switch magic := order.Uint16(buf[2:4]); magic {
	case magicClassic:
		return Header{
			Order:          order,
			FirstDirOffset: uint64(order.Uint32(buf[4:8])),
		}, nil

	case magicBig:
		// BigTIFF: u16 offset size (must be 8), u16 pad (must be 0), then
		// the u64 first directory offset.
		if order.Uint16(buf[4:6]) != 8 || order.Uint16(buf[6:8]) != 0 {
			return Header{}, fmt.Errorf("invalid bigtiff header: %w", ErrFormat)
		}

		offBufs, err := reader.Fetch(ctx, []fetch.Range{{Offset: 8, Length: 8}})
		if err != nil {
			return Header{}, &TransportError{Op: "header", Err: err}
		}
		return Header{
			Order:          order,
			BigTIFF:        true,
			FirstDirOffset: order.Uint64(offBufs[0]),
		}, nil

	default:
		return Header{}, fmt.Errorf("bad magic %d: %w", magic, ErrFormat)
	}
}
