package codec

import (
	"fmt"

	"github.com/marmos91/lazytiff/pkg/tiff"
)

// applyPredictor reverses the horizontal differencing predictor in place.
//
// Rows are the chunk's own rows (tile width or image width), so the pass
// needs only the options, not the chunk's position in the image. The
// floating-point predictor is not implemented.
func applyPredictor(data []byte, opts *tiff.ChunkOptions) error {
	switch opts.Predictor {
	case tiff.PredictorNone:
		return nil
	case tiff.PredictorFloatingPoint:
		return fmt.Errorf("floating point predictor: %w", tiff.ErrUnsupported)
	case tiff.PredictorHorizontal:
	default:
		return fmt.Errorf("predictor %d: %w", opts.Predictor, tiff.ErrUnsupported)
	}

	samples := int(opts.SamplesPerPixel)
	if opts.Planar == tiff.PlanarSeparate {
		samples = 1
	}

	rowWidth := int(opts.Width)
	if opts.Layout == tiff.ChunkTile {
		rowWidth = int(opts.TileWidth)
	}

	// Only 8-bit samples are differenced here; wider samples would need the
	// file byte order, which deliberately does not travel with ChunkOptions.
	if opts.BitsPerSample != 8 {
		return fmt.Errorf("horizontal predictor with %d bits per sample: %w",
			opts.BitsPerSample, tiff.ErrUnsupported)
	}

	rowBytes := rowWidth * samples
	if rowBytes == 0 {
		return nil
	}
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		for i := row + samples; i < row+rowBytes; i++ {
			data[i] += data[i-samples]
		}
	}
	return nil
}
