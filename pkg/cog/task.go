package cog

import (
	"context"
	"fmt"

	"github.com/marmos91/lazytiff/pkg/codec"
	"github.com/marmos91/lazytiff/pkg/fetch"
	"github.com/marmos91/lazytiff/pkg/tiff"
)

// DecodeTask decodes one chunk of one loaded overview level. It references
// only immutable state (a frozen metadata snapshot, the reader, the codec
// registry), so any number of tasks may run concurrently with each other
// and with the decoder's own operations.
//
// Obtain tasks from Decoder.RequestChunk; the zero value is not usable.
type DecodeTask struct {
	image  *tiff.ImageMetadata
	reader fetch.RangeReader
	codecs *codec.Registry
	chunk  int
	level  int
}

// Level returns the overview level this task decodes from.
func (t *DecodeTask) Level() int { return t.level }

// Chunk returns the chunk index this task decodes.
func (t *DecodeTask) Chunk() int { return t.chunk }

// Run fetches the chunk's compressed bytes and decompresses them, returning
// raw sample data with any predictor already undone. A chunk recorded with
// zero length yields an empty slice, which some writers use for fully
// omitted tiles.
//
// Fetch failures come back as *tiff.TransportError; decode failures wrap
// codec.ErrCorrupt or codec.ErrUnsupportedCompression.
func (t *DecodeTask) Run(ctx context.Context) ([]byte, error) {
	rng, err := t.image.Index.Range(t.chunk)
	if err != nil {
		return nil, err
	}
	if rng.Length == 0 {
		return nil, nil
	}

	bufs, err := t.reader.Fetch(ctx, []fetch.Range{rng})
	if err != nil {
		return nil, &tiff.TransportError{Op: fmt.Sprintf("chunk %d of level %d", t.chunk, t.level), Err: err}
	}

	return t.codecs.Decode(bufs[0], t.image.Options)
}
