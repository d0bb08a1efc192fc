// Package codec turns fetched chunk bytes into pixel data.
//
// The package is deliberately thin: it owns the dispatch from a TIFF
// compression id to a decompressor plus the predictor post-pass, and it
// ships decompressors for the mechanical schemes (none, Deflate, LZW,
// PackBits). Anything heavier (JPEG, JPEG2000) is registered by the caller.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/lazytiff/pkg/tiff"
)

// Errors of the decode path. Both mark the chunk, not the decoder, as bad:
// a failed chunk never affects sibling chunks or loaded metadata.
var (
	// ErrUnsupportedCompression indicates no codec is registered for the
	// image's compression id.
	ErrUnsupportedCompression = errors.New("no codec registered for compression")

	// ErrCorrupt indicates the chunk bytes failed to decode.
	ErrCorrupt = errors.New("corrupt chunk data")
)

// Codec decompresses one chunk. Implementations must be safe for concurrent
// use and must not retain data or opts after returning.
type Codec interface {
	Decode(data []byte, opts *tiff.ChunkOptions) ([]byte, error)
}

// Registry maps compression ids to codecs.
//
// The zero value is unusable; NewRegistry returns one preloaded with the
// built-in codecs. Registration after the registry is shared with a decoder
// is allowed (callers typically register JPEG support at startup).
type Registry struct {
	mu     sync.RWMutex
	codecs map[tiff.Compression]Codec
}

// NewRegistry returns a registry with the built-in codecs registered:
// none/raw, Deflate (both ids), LZW, and PackBits.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[tiff.Compression]Codec)}
	r.Register(tiff.CompressionNone, rawCodec{})
	r.Register(tiff.CompressionDeflate, deflateCodec{})
	r.Register(tiff.CompressionOldDeflate, deflateCodec{})
	r.Register(tiff.CompressionLZW, lzwCodec{})
	r.Register(tiff.CompressionPackBits, packBitsCodec{})
	return r
}

// Register installs (or replaces) the codec for a compression id.
func (r *Registry) Register(c tiff.Compression, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c] = codec
}

// Lookup returns the codec for a compression id.
func (r *Registry) Lookup(c tiff.Compression) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[c]
	return codec, ok
}

// Decode dispatches data to the codec for opts.Compression and applies the
// predictor post-pass.
func (r *Registry) Decode(data []byte, opts *tiff.ChunkOptions) ([]byte, error) {
	codec, ok := r.Lookup(opts.Compression)
	if !ok {
		return nil, fmt.Errorf("compression %d: %w", opts.Compression, ErrUnsupportedCompression)
	}

	out, err := codec.Decode(data, opts)
	if err != nil {
		return nil, err
	}

	if err := applyPredictor(out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
