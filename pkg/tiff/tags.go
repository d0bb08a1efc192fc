// Package tiff implements the partially-loaded TIFF/BigTIFF metadata model
// used by the lazytiff decoder: tag directories whose entries resolve from
// file offsets to buffered values on demand, and the frozen per-image
// aggregates served to concurrent chunk decoders.
package tiff

// Tag is the numeric key of one metadata field within a directory.
type Tag uint16

// Baseline and extension tags the decoder cares about. Unknown tags are kept
// in directories untouched; they resolve like any other tag.
const (
	TagImageWidth                Tag = 256
	TagImageLength               Tag = 257
	TagBitsPerSample             Tag = 258
	TagCompression               Tag = 259
	TagPhotometricInterpretation Tag = 262
	TagImageDescription          Tag = 270
	TagStripOffsets              Tag = 273
	TagSamplesPerPixel           Tag = 277
	TagRowsPerStrip              Tag = 278
	TagStripByteCounts           Tag = 279
	TagPlanarConfiguration       Tag = 284
	TagPredictor                 Tag = 317
	TagTileWidth                 Tag = 322
	TagTileLength                Tag = 323
	TagTileOffsets               Tag = 324
	TagTileByteCounts            Tag = 325
	TagSubIFDs                   Tag = 330
	TagSampleFormat              Tag = 339
	TagJPEGTables                Tag = 347
)

// TagType is the declared value type of a directory entry.
type TagType uint16

const (
	TypeByte      TagType = 1
	TypeASCII     TagType = 2
	TypeShort     TagType = 3
	TypeLong      TagType = 4
	TypeRational  TagType = 5
	TypeSByte     TagType = 6
	TypeUndefined TagType = 7
	TypeSShort    TagType = 8
	TypeSLong     TagType = 9
	TypeSRational TagType = 10
	TypeFloat     TagType = 11
	TypeDouble    TagType = 12
	TypeIFD       TagType = 13
	TypeLong8     TagType = 16
	TypeSLong8    TagType = 17
	TypeIFD8      TagType = 18
)

// Size returns the byte width of one value of this type, or 0 for unknown
// types.
func (t TagType) Size() uint64 {
	switch t {
	case TypeByte, TypeASCII, TypeSByte, TypeUndefined:
		return 1
	case TypeShort, TypeSShort:
		return 2
	case TypeLong, TypeSLong, TypeFloat, TypeIFD:
		return 4
	case TypeRational, TypeSRational, TypeDouble, TypeLong8, TypeSLong8, TypeIFD8:
		return 8
	default:
		return 0
	}
}

// isSubIFDPointer reports whether an entry with this tag and type points at
// nested directory tables rather than plain tag data.
func isSubIFDPointer(tag Tag, typ TagType) bool {
	return typ == TypeIFD || typ == TypeIFD8 || tag == TagSubIFDs
}

// Compression identifies the codec used for chunk data.
type Compression uint16

const (
	CompressionNone       Compression = 1
	CompressionCCITT      Compression = 2
	CompressionLZW        Compression = 5
	CompressionOldJPEG    Compression = 6
	CompressionJPEG       Compression = 7
	CompressionDeflate    Compression = 8
	CompressionPackBits   Compression = 32773
	CompressionOldDeflate Compression = 32946
)

// Predictor identifies the per-row differencing applied before compression.
type Predictor uint16

const (
	PredictorNone          Predictor = 1
	PredictorHorizontal    Predictor = 2
	PredictorFloatingPoint Predictor = 3
)

// Photometric identifies the photometric interpretation of the samples.
type Photometric uint16

const (
	PhotometricWhiteIsZero Photometric = 0
	PhotometricBlackIsZero Photometric = 1
	PhotometricRGB         Photometric = 2
	PhotometricPalette     Photometric = 3
	PhotometricMask        Photometric = 4
	PhotometricCMYK        Photometric = 5
	PhotometricYCbCr       Photometric = 6
)

// PlanarConfig identifies how samples of one pixel are laid out in chunks.
type PlanarConfig uint16

const (
	PlanarChunky   PlanarConfig = 1
	PlanarSeparate PlanarConfig = 2
)

// SampleFormat identifies the numeric interpretation of samples.
type SampleFormat uint16

const (
	SampleFormatUint  SampleFormat = 1
	SampleFormatInt   SampleFormat = 2
	SampleFormatFloat SampleFormat = 3
)

// ChunkType distinguishes the two chunk layouts a TIFF image can use.
type ChunkType int

const (
	ChunkStrip ChunkType = iota
	ChunkTile
)

func (c ChunkType) String() string {
	if c == ChunkTile {
		return "tile"
	}
	return "strip"
}
