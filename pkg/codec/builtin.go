package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/marmos91/lazytiff/pkg/tiff"
)

// rawCodec handles uncompressed chunks. It copies so the caller may recycle
// the fetched buffer.
type rawCodec struct{}

func (rawCodec) Decode(data []byte, _ *tiff.ChunkOptions) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// deflateCodec handles Deflate-in-TIFF, which is zlib-wrapped (both the
// official id 8 and the legacy 32946).
type deflateCodec struct{}

func (deflateCodec) Decode(data []byte, _ *tiff.ChunkOptions) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("deflate: %v: %w", err, ErrCorrupt)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("deflate: %v: %w", err, ErrCorrupt)
	}
	return out, nil
}

// lzwCodec handles TIFF's LZW variant (MSB-first with early code-width
// change), which is why this uses x/image's reader rather than compress/lzw.
type lzwCodec struct{}

func (lzwCodec) Decode(data []byte, _ *tiff.ChunkOptions) ([]byte, error) {
	lr := tifflzw.NewReader(bytes.NewReader(data), tifflzw.MSB, 8)
	defer lr.Close()

	out, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("lzw: %v: %w", err, ErrCorrupt)
	}
	return out, nil
}

// packBitsCodec handles the PackBits run-length scheme.
type packBitsCodec struct{}

func (packBitsCodec) Decode(data []byte, _ *tiff.ChunkOptions) ([]byte, error) {
	var out []byte
	for i := 0; i < len(data); {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			// Literal run of n+1 bytes.
			if i+n+1 > len(data) {
				return nil, fmt.Errorf("packbits: truncated literal run: %w", ErrCorrupt)
			}
			out = append(out, data[i:i+n+1]...)
			i += n + 1
		case n > -128:
			// Next byte repeated 1-n times.
			if i >= len(data) {
				return nil, fmt.Errorf("packbits: truncated repeat run: %w", ErrCorrupt)
			}
			for j := 0; j < 1-n; j++ {
				out = append(out, data[i])
			}
			i++
		default:
			// -128 is a no-op.
		}
	}
	return out, nil
}
