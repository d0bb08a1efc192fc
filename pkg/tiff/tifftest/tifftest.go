// Package tifftest builds small synthetic TIFF and BigTIFF files in memory
// for tests. Files are assembled bottom-up: out-of-line tag payloads and
// chunk data first, directory tables last, so every entry's
// offset-versus-inline decision matches what a real writer produces.
package tifftest

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/marmos91/lazytiff/pkg/fetch/memory"
	"github.com/marmos91/lazytiff/pkg/tiff"
)

// Entry is one directory entry to be written. Data holds the value bytes in
// the file's byte order, Count values of Type's width. The builder decides
// whether the value fits inline or is written out-of-line.
type Entry struct {
	Tag   tiff.Tag
	Type  tiff.TagType
	Count uint64
	Data  []byte
}

// File accumulates a TIFF file image. Create with New, add directories with
// AddIFD or AddDetachedIFD, then read the result via Bytes or Reader.
type File struct {
	Order   binary.ByteOrder
	BigTIFF bool

	buf []byte
	// position of the pointer to patch when the next chained IFD is added:
	// the header's first-IFD field initially, then the previous IFD's next
	// pointer.
	nextPtrPos int
}

// New starts a file with just a header and an empty directory chain.
func New(order binary.ByteOrder, bigTIFF bool) *File {
	f := &File{Order: order, BigTIFF: bigTIFF}

	var sig [2]byte
	if order == binary.BigEndian {
		sig = [2]byte{'M', 'M'}
	} else {
		sig = [2]byte{'I', 'I'}
	}
	f.buf = append(f.buf, sig[0], sig[1])

	if bigTIFF {
		f.appendUint16(43)
		f.appendUint16(8) // offset size
		f.appendUint16(0) // padding
		f.nextPtrPos = len(f.buf)
		f.appendUint64(0)
	} else {
		f.appendUint16(42)
		f.nextPtrPos = len(f.buf)
		f.appendUint32(0)
	}
	return f
}

// Bytes returns the assembled file image.
func (f *File) Bytes() []byte {
	return f.buf
}

// Reader returns an in-memory range reader over the assembled file.
func (f *File) Reader() *memory.Reader {
	return memory.New(f.buf)
}

// Append places raw bytes at the end of the file and returns their offset.
func (f *File) Append(data []byte) uint64 {
	off := uint64(len(f.buf))
	f.buf = append(f.buf, data...)
	return off
}

// AddIFD writes a directory and links it at the end of the top-level chain.
// Returns the directory's offset.
func (f *File) AddIFD(entries []Entry) uint64 {
	off := f.writeIFD(entries)
	f.patchPointer(f.nextPtrPos, off)
	// the next pointer of the IFD just written is its last field
	if f.BigTIFF {
		f.nextPtrPos = len(f.buf) - 8
	} else {
		f.nextPtrPos = len(f.buf) - 4
	}
	return off
}

// AddDetachedIFD writes a directory without linking it into the top-level
// chain, for use as a SubIFDs target. Returns the directory's offset.
func (f *File) AddDetachedIFD(entries []Entry) uint64 {
	return f.writeIFD(entries)
}

func (f *File) writeIFD(entries []Entry) uint64 {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tag < sorted[j].Tag })

	inlineCap := uint64(4)
	if f.BigTIFF {
		inlineCap = 8
	}

	// out-of-line payloads go before the table; inline-fitting values stay
	// in the value/offset field, IFD-typed pointers included
	payloadOffsets := make([]uint64, len(sorted))
	for i, e := range sorted {
		if uint64(len(e.Data)) > inlineCap {
			payloadOffsets[i] = f.Append(e.Data)
		}
	}

	off := uint64(len(f.buf))
	if f.BigTIFF {
		f.appendUint64(uint64(len(sorted)))
	} else {
		f.appendUint16(uint16(len(sorted)))
	}

	for i, e := range sorted {
		f.appendUint16(uint16(e.Tag))
		f.appendUint16(uint16(e.Type))
		if f.BigTIFF {
			f.appendUint64(e.Count)
		} else {
			f.appendUint32(uint32(e.Count))
		}

		if payloadOffsets[i] != 0 {
			if f.BigTIFF {
				f.appendUint64(payloadOffsets[i])
			} else {
				f.appendUint32(uint32(payloadOffsets[i]))
			}
			continue
		}

		// inline, left-justified
		field := make([]byte, inlineCap)
		copy(field, e.Data)
		f.buf = append(f.buf, field...)
	}

	if f.BigTIFF {
		f.appendUint64(0)
	} else {
		f.appendUint32(0)
	}
	return off
}

func (f *File) patchPointer(pos int, off uint64) {
	if f.BigTIFF {
		f.Order.PutUint64(f.buf[pos:pos+8], off)
	} else {
		f.Order.PutUint32(f.buf[pos:pos+4], uint32(off))
	}
}

func (f *File) appendUint16(v uint16) {
	var b [2]byte
	f.Order.PutUint16(b[:], v)
	f.buf = append(f.buf, b[:]...)
}

func (f *File) appendUint32(v uint32) {
	var b [4]byte
	f.Order.PutUint32(b[:], v)
	f.buf = append(f.buf, b[:]...)
}

func (f *File) appendUint64(v uint64) {
	var b [8]byte
	f.Order.PutUint64(b[:], v)
	f.buf = append(f.buf, b[:]...)
}

// Shorts encodes uint16 values in the file's byte order.
func (f *File) Shorts(vs ...uint16) []byte {
	out := make([]byte, 0, 2*len(vs))
	var b [2]byte
	for _, v := range vs {
		f.Order.PutUint16(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

// Longs encodes uint32 values in the file's byte order.
func (f *File) Longs(vs ...uint32) []byte {
	out := make([]byte, 0, 4*len(vs))
	var b [4]byte
	for _, v := range vs {
		f.Order.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

// Longs8 encodes uint64 values in the file's byte order.
func (f *File) Longs8(vs ...uint64) []byte {
	out := make([]byte, 0, 8*len(vs))
	var b [8]byte
	for _, v := range vs {
		f.Order.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

// Short is a SHORT entry with one value.
func (f *File) Short(tag tiff.Tag, v uint16) Entry {
	return Entry{Tag: tag, Type: tiff.TypeShort, Count: 1, Data: f.Shorts(v)}
}

// Long is a LONG entry with one value.
func (f *File) Long(tag tiff.Tag, v uint32) Entry {
	return Entry{Tag: tag, Type: tiff.TypeLong, Count: 1, Data: f.Longs(v)}
}

// LongArray is a LONG entry with many values, out-of-line when they do not
// fit the inline field.
func (f *File) LongArray(tag tiff.Tag, vs ...uint32) Entry {
	return Entry{Tag: tag, Type: tiff.TypeLong, Count: uint64(len(vs)), Data: f.Longs(vs...)}
}

// ASCII is an ASCII entry including the NUL terminator.
func (f *File) ASCII(tag tiff.Tag, s string) Entry {
	data := append([]byte(s), 0)
	return Entry{Tag: tag, Type: tiff.TypeASCII, Count: uint64(len(data)), Data: data}
}

// ImageSpec describes a synthetic single-plane grayscale image. Zero
// TileWidth/TileLength means strip layout.
type ImageSpec struct {
	Width  uint32
	Height uint32

	// RowsPerStrip defaults to Height. Ignored for tiled layout.
	RowsPerStrip uint32

	TileWidth  uint32
	TileLength uint32

	// Compression defaults to CompressionNone. Deflate is the only other
	// supported value.
	Compression tiff.Compression

	Predictor tiff.Predictor
}

// AddImage appends a complete, valid 8-bit grayscale image and links its
// directory into the top-level chain. Pixel (x, y) has value
// uint8(x+y*Width) before any predictor. It returns the raw payload of each
// chunk as a decoder should recover it.
func AddImage(f *File, spec ImageSpec) [][]byte {
	chunks := rawChunks(spec)

	stored := make([][]byte, len(chunks))
	for i, c := range chunks {
		stored[i] = encodeChunk(c, spec)
	}

	offsets := make([]uint32, len(stored))
	counts := make([]uint32, len(stored))
	for i, c := range stored {
		offsets[i] = uint32(f.Append(c))
		counts[i] = uint32(len(c))
	}

	compression := spec.Compression
	if compression == 0 {
		compression = tiff.CompressionNone
	}

	entries := []Entry{
		f.Long(tiff.TagImageWidth, spec.Width),
		f.Long(tiff.TagImageLength, spec.Height),
		f.Short(tiff.TagBitsPerSample, 8),
		f.Short(tiff.TagCompression, uint16(compression)),
		f.Short(tiff.TagPhotometricInterpretation, uint16(tiff.PhotometricBlackIsZero)),
		f.Short(tiff.TagSamplesPerPixel, 1),
	}
	if spec.Predictor != 0 {
		entries = append(entries, f.Short(tiff.TagPredictor, uint16(spec.Predictor)))
	}

	if spec.TileWidth != 0 {
		entries = append(entries,
			f.Long(tiff.TagTileWidth, spec.TileWidth),
			f.Long(tiff.TagTileLength, spec.TileLength),
			f.LongArray(tiff.TagTileOffsets, offsets...),
			f.LongArray(tiff.TagTileByteCounts, counts...),
		)
	} else {
		rows := spec.RowsPerStrip
		if rows == 0 {
			rows = spec.Height
		}
		entries = append(entries,
			f.Long(tiff.TagRowsPerStrip, rows),
			f.LongArray(tiff.TagStripOffsets, offsets...),
			f.LongArray(tiff.TagStripByteCounts, counts...),
		)
	}

	f.AddIFD(entries)
	return chunks
}

// rawChunks renders the pixel pattern into per-chunk payloads, tiles padded
// to full size as the format requires.
func rawChunks(spec ImageSpec) [][]byte {
	pixel := func(x, y uint32) byte {
		return byte(x + y*spec.Width)
	}

	if spec.TileWidth != 0 {
		across := (spec.Width + spec.TileWidth - 1) / spec.TileWidth
		down := (spec.Height + spec.TileLength - 1) / spec.TileLength
		chunks := make([][]byte, 0, across*down)
		for ty := uint32(0); ty < down; ty++ {
			for tx := uint32(0); tx < across; tx++ {
				tile := make([]byte, spec.TileWidth*spec.TileLength)
				for y := uint32(0); y < spec.TileLength; y++ {
					for x := uint32(0); x < spec.TileWidth; x++ {
						px, py := tx*spec.TileWidth+x, ty*spec.TileLength+y
						if px < spec.Width && py < spec.Height {
							tile[y*spec.TileWidth+x] = pixel(px, py)
						}
					}
				}
				chunks = append(chunks, tile)
			}
		}
		return chunks
	}

	rows := spec.RowsPerStrip
	if rows == 0 {
		rows = spec.Height
	}
	count := (spec.Height + rows - 1) / rows
	chunks := make([][]byte, 0, count)
	for s := uint32(0); s < count; s++ {
		top := s * rows
		bottom := top + rows
		if bottom > spec.Height {
			bottom = spec.Height
		}
		strip := make([]byte, 0, (bottom-top)*spec.Width)
		for y := top; y < bottom; y++ {
			for x := uint32(0); x < spec.Width; x++ {
				strip = append(strip, pixel(x, y))
			}
		}
		chunks = append(chunks, strip)
	}
	return chunks
}

// encodeChunk applies spec's predictor and compression to one raw chunk.
func encodeChunk(raw []byte, spec ImageSpec) []byte {
	data := raw
	if spec.Predictor == tiff.PredictorHorizontal {
		rowWidth := spec.Width
		if spec.TileWidth != 0 {
			rowWidth = spec.TileWidth
		}
		data = differenceRows(raw, int(rowWidth))
	}

	switch spec.Compression {
	case 0, tiff.CompressionNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out
	case tiff.CompressionDeflate, tiff.CompressionOldDeflate:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, _ = w.Write(data)
		_ = w.Close()
		return buf.Bytes()
	default:
		panic("tifftest: unsupported compression in spec")
	}
}

// differenceRows is the horizontal predictor's forward transform.
func differenceRows(raw []byte, rowWidth int) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	for row := 0; row+rowWidth <= len(out); row += rowWidth {
		for i := rowWidth - 1; i > 0; i-- {
			out[row+i] -= out[row+i-1]
		}
	}
	return out
}
