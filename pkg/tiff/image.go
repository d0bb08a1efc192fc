package tiff

import (
	"context"
	"fmt"

	"github.com/marmos91/lazytiff/pkg/fetch"
)

// imageTags is the fixed tag set resolved before an image becomes
// decodable. Tags absent from a directory are simply skipped; required ones
// are enforced by the option builder afterwards.
var imageTags = []Tag{
	TagImageWidth,
	TagImageLength,
	TagBitsPerSample,
	TagSamplesPerPixel,
	TagSampleFormat,
	TagPhotometricInterpretation,
	TagCompression,
	TagPredictor,
	TagPlanarConfiguration,
	TagJPEGTables,
	TagRowsPerStrip,
	TagTileWidth,
	TagTileLength,
	TagStripOffsets,
	TagStripByteCounts,
	TagTileOffsets,
	TagTileByteCounts,
}

// ChunkOptions is the immutable per-image decode configuration. It is
// decided once, before any chunk of the image is decoded, and then shared
// read-only by every decode task. Nothing mutates it after construction.
type ChunkOptions struct {
	Width  uint32
	Height uint32

	BitsPerSample   uint16
	SamplesPerPixel uint16
	SampleFormat    SampleFormat
	Photometric     Photometric

	Compression Compression
	Predictor   Predictor
	Planar      PlanarConfig

	// JPEGTables carries the shared quantization/huffman tables for
	// JPEG-in-TIFF; nil for other compressions.
	JPEGTables []byte

	// Layout selects between the strip fields and the tile fields.
	Layout ChunkType

	// RowsPerStrip is meaningful when Layout == ChunkStrip.
	RowsPerStrip uint32

	// TileWidth and TileLength are meaningful when Layout == ChunkTile.
	TileWidth  uint32
	TileLength uint32
}

// Planes returns the number of separate sample planes chunks are split into.
func (o *ChunkOptions) Planes() uint32 {
	if o.Planar == PlanarSeparate {
		return uint32(o.SamplesPerPixel)
	}
	return 1
}

// ChunksAcross returns the number of chunks per row of one plane.
func (o *ChunkOptions) ChunksAcross() uint32 {
	if o.Layout == ChunkTile {
		return (o.Width + o.TileWidth - 1) / o.TileWidth
	}
	return 1
}

// ChunksDown returns the number of chunks per column of one plane.
func (o *ChunkOptions) ChunksDown() uint32 {
	if o.Layout == ChunkTile {
		return (o.Height + o.TileLength - 1) / o.TileLength
	}
	return (o.Height + o.RowsPerStrip - 1) / o.RowsPerStrip
}

// ChunkCount returns the total number of chunks across all planes.
func (o *ChunkOptions) ChunkCount() uint32 {
	return o.ChunksAcross() * o.ChunksDown() * o.Planes()
}

// ChunkIndex is the resolved pair of parallel arrays locating every chunk of
// one image: byte offsets and byte lengths, indexed by chunk number.
type ChunkIndex struct {
	offsets *BufferedEntry
	counts  *BufferedEntry
}

// Count returns the number of chunks.
func (x *ChunkIndex) Count() int {
	return int(x.offsets.Count())
}

// Range returns the byte range of chunk i.
func (x *ChunkIndex) Range(i int) (fetch.Range, error) {
	off, err := x.offsets.Uint(i)
	if err != nil {
		return fetch.Range{}, fmt.Errorf("chunk %d offset: %w", i, err)
	}
	size, err := x.counts.Uint(i)
	if err != nil {
		return fetch.Range{}, fmt.Errorf("chunk %d size: %w", i, err)
	}
	return fetch.Range{Offset: off, Length: size}, nil
}

// ImageMetadata is the frozen aggregate served to chunk decoders: the
// directory it came from, the decode options, and the chunk index. Once
// built it is published as-is and never mutated, which is what lets any
// number of decode tasks read it without locks.
type ImageMetadata struct {
	Directory *Directory
	Options   *ChunkOptions
	Index     *ChunkIndex
}

// BuildImage resolves the image tag set of dir and assembles the frozen
// metadata aggregate. It is the only constructor of ImageMetadata; when it
// returns, every tag the chunk path needs is Resolved.
//
// BuildImage is safe to call concurrently for the same directory; resolution
// de-duplicates the underlying fetches and option assembly is pure.
func BuildImage(ctx context.Context, reader fetch.RangeReader, dir *Directory) (*ImageMetadata, error) {
	present := make([]Tag, 0, len(imageTags))
	for _, tag := range imageTags {
		if _, ok := dir.Lookup(tag); ok {
			present = append(present, tag)
		}
	}

	values, err := dir.Resolve(ctx, reader, present...)
	if err != nil {
		return nil, err
	}

	opts, err := buildChunkOptions(values)
	if err != nil {
		return nil, err
	}

	index, err := buildChunkIndex(values, opts)
	if err != nil {
		return nil, err
	}

	return &ImageMetadata{Directory: dir, Options: opts, Index: index}, nil
}

// firstUint reads the first value of an optional single-valued tag.
func firstUint(values map[Tag]*BufferedEntry, tag Tag, def uint64) (uint64, error) {
	e, ok := values[tag]
	if !ok {
		return def, nil
	}
	v, err := e.FirstUint()
	if err != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, err)
	}
	return v, nil
}

// uniformUint reads a tag that may legally hold one value per sample, all of
// which must agree.
func uniformUint(values map[Tag]*BufferedEntry, tag Tag, def uint64) (uint64, error) {
	e, ok := values[tag]
	if !ok {
		return def, nil
	}
	vs, err := e.UintSlice()
	if err != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, err)
	}
	if len(vs) == 0 {
		return 0, fmt.Errorf("tag %d is empty: %w", tag, ErrFormat)
	}
	for _, v := range vs[1:] {
		if v != vs[0] {
			return 0, fmt.Errorf("tag %d has mixed per-sample values %v: %w", tag, vs, ErrUnsupported)
		}
	}
	return vs[0], nil
}

// buildChunkOptions assembles and validates ChunkOptions from resolved tag
// values, applying the format's defaults for absent tags.
func buildChunkOptions(values map[Tag]*BufferedEntry) (*ChunkOptions, error) {
	widthEntry, ok := values[TagImageWidth]
	if !ok {
		return nil, fmt.Errorf("tag %d (ImageWidth): %w", TagImageWidth, ErrMissingTag)
	}
	heightEntry, ok := values[TagImageLength]
	if !ok {
		return nil, fmt.Errorf("tag %d (ImageLength): %w", TagImageLength, ErrMissingTag)
	}

	width, err := widthEntry.FirstUint()
	if err != nil {
		return nil, err
	}
	height, err := heightEntry.FirstUint()
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d: %w", width, height, ErrFormat)
	}

	photoEntry, ok := values[TagPhotometricInterpretation]
	if !ok {
		return nil, fmt.Errorf("tag %d (PhotometricInterpretation): %w", TagPhotometricInterpretation, ErrMissingTag)
	}
	photo, err := photoEntry.FirstUint()
	if err != nil {
		return nil, err
	}

	samples, err := firstUint(values, TagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	if samples == 0 {
		return nil, fmt.Errorf("samples per pixel is zero: %w", ErrFormat)
	}

	bits, err := uniformUint(values, TagBitsPerSample, 1)
	if err != nil {
		return nil, err
	}
	if bits == 0 {
		return nil, fmt.Errorf("bits per sample is zero: %w", ErrFormat)
	}

	format, err := uniformUint(values, TagSampleFormat, uint64(SampleFormatUint))
	if err != nil {
		return nil, err
	}

	compression, err := firstUint(values, TagCompression, uint64(CompressionNone))
	if err != nil {
		return nil, err
	}

	predictor, err := firstUint(values, TagPredictor, uint64(PredictorNone))
	if err != nil {
		return nil, err
	}
	switch Predictor(predictor) {
	case PredictorNone, PredictorHorizontal, PredictorFloatingPoint:
	default:
		return nil, fmt.Errorf("unknown predictor %d: %w", predictor, ErrFormat)
	}

	planar, err := firstUint(values, TagPlanarConfiguration, uint64(PlanarChunky))
	if err != nil {
		return nil, err
	}
	switch PlanarConfig(planar) {
	case PlanarChunky, PlanarSeparate:
	default:
		return nil, fmt.Errorf("unknown planar configuration %d: %w", planar, ErrFormat)
	}

	opts := &ChunkOptions{
		Width:           uint32(width),
		Height:          uint32(height),
		BitsPerSample:   uint16(bits),
		SamplesPerPixel: uint16(samples),
		SampleFormat:    SampleFormat(format),
		Photometric:     Photometric(photo),
		Compression:     Compression(compression),
		Predictor:       Predictor(predictor),
		Planar:          PlanarConfig(planar),
	}

	if tables, ok := values[TagJPEGTables]; ok && opts.Compression == CompressionJPEG {
		raw := tables.Bytes()
		if len(raw) < 2 {
			return nil, fmt.Errorf("jpeg tables too short: %w", ErrFormat)
		}
		opts.JPEGTables = raw
	}

	if err := fillChunkLayout(values, opts); err != nil {
		return nil, err
	}

	return opts, nil
}

// fillChunkLayout decides between strip and tile layout from which tag pair
// the directory carries, and fills the layout-specific fields.
func fillChunkLayout(values map[Tag]*BufferedEntry, opts *ChunkOptions) error {
	_, stripOff := values[TagStripOffsets]
	_, stripCnt := values[TagStripByteCounts]
	_, tileOff := values[TagTileOffsets]
	_, tileCnt := values[TagTileByteCounts]

	switch {
	case stripOff && stripCnt && !tileOff && !tileCnt:
		opts.Layout = ChunkStrip
		rows, err := firstUint(values, TagRowsPerStrip, uint64(opts.Height))
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("rows per strip is zero: %w", ErrFormat)
		}
		opts.RowsPerStrip = uint32(rows)
		return nil

	case tileOff && tileCnt && !stripOff && !stripCnt:
		opts.Layout = ChunkTile
		tw, err := firstUint(values, TagTileWidth, 0)
		if err != nil {
			return err
		}
		tl, err := firstUint(values, TagTileLength, 0)
		if err != nil {
			return err
		}
		if tw == 0 || tl == 0 {
			return fmt.Errorf("invalid tile geometry %dx%d: %w", tw, tl, ErrFormat)
		}
		opts.TileWidth = uint32(tw)
		opts.TileLength = uint32(tl)
		return nil

	default:
		return fmt.Errorf("expected either strip or tile offset/bytecount tag pair: %w", ErrFormat)
	}
}

// buildChunkIndex wraps the offset and bytecount entries and validates they
// agree with each other and with the chunk geometry.
func buildChunkIndex(values map[Tag]*BufferedEntry, opts *ChunkOptions) (*ChunkIndex, error) {
	offTag, cntTag := TagStripOffsets, TagStripByteCounts
	if opts.Layout == ChunkTile {
		offTag, cntTag = TagTileOffsets, TagTileByteCounts
	}

	offsets := values[offTag]
	counts := values[cntTag]

	if offsets.Count() != counts.Count() {
		return nil, fmt.Errorf("chunk offsets (%d) and byte counts (%d) disagree: %w",
			offsets.Count(), counts.Count(), ErrFormat)
	}
	if offsets.Count() != uint64(opts.ChunkCount()) {
		return nil, fmt.Errorf("chunk index has %d entries, geometry implies %d: %w",
			offsets.Count(), opts.ChunkCount(), ErrFormat)
	}

	return &ChunkIndex{offsets: offsets, counts: counts}, nil
}
