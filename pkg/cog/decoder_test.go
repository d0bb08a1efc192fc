package cog_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/lazytiff/pkg/cog"
	"github.com/marmos91/lazytiff/pkg/fetch/memory"
	"github.com/marmos91/lazytiff/pkg/tiff"
	"github.com/marmos91/lazytiff/pkg/tiff/tifftest"
)

// buildPyramid makes a three-level file (64, 32, 16 pixels wide) and
// returns the expected raw chunks per level.
func buildPyramid(t *testing.T) (*tifftest.File, [][][]byte) {
	t.Helper()

	f := tifftest.New(binary.LittleEndian, false)
	chunks := [][][]byte{
		tifftest.AddImage(f, tifftest.ImageSpec{Width: 64, Height: 64, RowsPerStrip: 16}),
		tifftest.AddImage(f, tifftest.ImageSpec{Width: 32, Height: 32, RowsPerStrip: 16}),
		tifftest.AddImage(f, tifftest.ImageSpec{Width: 16, Height: 16}),
	}
	return f, chunks
}

func TestOpen_DiscoversLevels(t *testing.T) {
	f, _ := buildPyramid(t)

	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	assert.Equal(t, 3, decoder.Levels())
	assert.Equal(t, cog.StateReady, decoder.State())
	assert.False(t, decoder.Header().BigTIFF)

	// discovery reads entry tables only; tag arrays stay unresolved
	entry, ok, err := decoder.LookupTag(0, tiff.TagStripOffsets)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, entry.Resolved())

	for lvl := 0; lvl < 3; lvl++ {
		assert.False(t, decoder.IsLevelLoaded(lvl))
	}
}

func TestOpen_NotATIFF(t *testing.T) {
	_, err := cog.Open(context.Background(), memory.New([]byte("not a tiff, honestly")))
	assert.ErrorIs(t, err, tiff.ErrFormat)
}

func TestOpen_DirectoryCycle(t *testing.T) {
	f := tifftest.New(binary.LittleEndian, false)
	f.AddIFD([]tifftest.Entry{f.Long(tiff.TagImageWidth, 8)})

	// point the IFD's next pointer back at itself
	buf := append([]byte(nil), f.Bytes()...)
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], 8)

	_, err := cog.Open(context.Background(), memory.New(buf))
	assert.ErrorIs(t, err, tiff.ErrFormat)
}

func TestLoadLevels_Subset(t *testing.T) {
	f, _ := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	report, err := decoder.LoadLevels(context.Background(), 0, 2)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2}, report.Loaded)
	assert.Empty(t, report.Failed)
	assert.True(t, decoder.IsLevelLoaded(0))
	assert.False(t, decoder.IsLevelLoaded(1))
	assert.True(t, decoder.IsLevelLoaded(2))
	assert.Equal(t, cog.StateReady, decoder.State())

	img, ok := decoder.Image(2)
	require.True(t, ok)
	assert.Equal(t, uint32(16), img.Options.Width)
}

func TestLoadLevels_AlreadyLoadedIsNoop(t *testing.T) {
	f, _ := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	_, err = decoder.LoadLevels(context.Background(), 1)
	require.NoError(t, err)

	report, err := decoder.LoadLevels(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, report.Loaded)
}

func TestLoadLevels_NonexistentLevel(t *testing.T) {
	f, _ := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	report, err := decoder.LoadLevels(context.Background(), 0, 5)
	require.Error(t, err)

	// the good level loaded anyway, and the decoder stays usable
	assert.Equal(t, []int{0}, report.Loaded)
	assert.ErrorIs(t, report.Failed[5], tiff.ErrMissingTag)
	assert.Equal(t, cog.StateReady, decoder.State())

	_, err = decoder.DecodeChunk(context.Background(), 0, 0)
	assert.NoError(t, err)
}

func TestLoadLevels_Cancelled(t *testing.T) {
	f, _ := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := decoder.LoadLevels(ctx, 0)
	require.Error(t, err)
	assert.Empty(t, report.Loaded)
	assert.False(t, decoder.IsLevelLoaded(0))
	assert.Equal(t, cog.StateReady, decoder.State())

	// the identical call succeeds after cancellation
	_, err = decoder.LoadLevels(context.Background(), 0)
	assert.NoError(t, err)
	assert.True(t, decoder.IsLevelLoaded(0))
}

func TestRequestChunk_BeforeLoadFailsFast(t *testing.T) {
	f, _ := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	_, err = decoder.RequestChunk(0, 1)

	var notLoaded *cog.OverviewNotLoadedError
	require.ErrorAs(t, err, &notLoaded)
	assert.Equal(t, 1, notLoaded.Level)

	// the failed request must not have loaded anything implicitly
	assert.False(t, decoder.IsLevelLoaded(1))
}

func TestRequestChunk_InvalidIndex(t *testing.T) {
	f, _ := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	_, err = decoder.LoadLevels(context.Background(), 2)
	require.NoError(t, err)

	_, err = decoder.RequestChunk(99, 2)
	assert.ErrorIs(t, err, cog.ErrInvalidChunkIndex)

	_, err = decoder.RequestChunk(-1, 2)
	assert.ErrorIs(t, err, cog.ErrInvalidChunkIndex)
}

func TestDecodeChunk_Uncompressed(t *testing.T) {
	f, chunks := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	_, err = decoder.LoadLevels(context.Background(), 0)
	require.NoError(t, err)

	for i, want := range chunks[0] {
		got, err := decoder.DecodeChunk(context.Background(), i, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got, "chunk %d", i)
	}
}

func TestDecodeChunk_DeflateWithPredictor(t *testing.T) {
	f := tifftest.New(binary.LittleEndian, false)
	chunks := tifftest.AddImage(f, tifftest.ImageSpec{
		Width:       48,
		Height:      48,
		TileWidth:   16,
		TileLength:  16,
		Compression: tiff.CompressionDeflate,
		Predictor:   tiff.PredictorHorizontal,
	})

	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)
	_, err = decoder.LoadLevels(context.Background(), 0)
	require.NoError(t, err)

	for i, want := range chunks {
		got, err := decoder.DecodeChunk(context.Background(), i, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got, "tile %d", i)
	}
}

func TestDecodeTask_RunsDetached(t *testing.T) {
	f, chunks := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	_, err = decoder.LoadLevels(context.Background(), 0)
	require.NoError(t, err)

	task, err := decoder.RequestChunk(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Chunk())
	assert.Equal(t, 0, task.Level())

	// run the task while another level is loading
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := decoder.LoadLevels(context.Background(), 1, 2)
		assert.NoError(t, err)
	}()

	got, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chunks[0][1], got)
	wg.Wait()
}

func TestDecoder_ConcurrentLoadAndDecode(t *testing.T) {
	f, chunks := buildPyramid(t)
	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	_, err = decoder.LoadLevels(context.Background(), 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := decoder.LoadLevels(context.Background(), 1, 2)
			assert.NoError(t, err)
		}()

		wg.Add(1)
		go func(chunk int) {
			defer wg.Done()
			got, err := decoder.DecodeChunk(context.Background(), chunk, 0)
			assert.NoError(t, err)
			assert.Equal(t, chunks[0][chunk], got)
		}(i % len(chunks[0]))
	}
	wg.Wait()

	assert.Equal(t, cog.StateReady, decoder.State())
	for lvl := 0; lvl < 3; lvl++ {
		assert.True(t, decoder.IsLevelLoaded(lvl))
	}
}

func TestLoadLevels_FormatErrorPoisonsDecoder(t *testing.T) {
	f := tifftest.New(binary.LittleEndian, false)
	tifftest.AddImage(f, tifftest.ImageSpec{Width: 16, Height: 16})
	// second level is malformed: zero width
	f.AddIFD([]tifftest.Entry{
		f.Long(tiff.TagImageWidth, 0),
		f.Long(tiff.TagImageLength, 8),
		f.Short(tiff.TagPhotometricInterpretation, uint16(tiff.PhotometricBlackIsZero)),
		f.LongArray(tiff.TagStripOffsets, 0),
		f.LongArray(tiff.TagStripByteCounts, 64),
	})

	decoder, err := cog.Open(context.Background(), f.Reader())
	require.NoError(t, err)

	_, err = decoder.LoadLevels(context.Background(), 1)
	require.ErrorIs(t, err, tiff.ErrFormat)
	assert.Equal(t, cog.StateFailed, decoder.State())

	var wrongState *cog.WrongStateError
	_, err = decoder.LoadLevels(context.Background(), 0)
	require.ErrorAs(t, err, &wrongState)

	_, err = decoder.RequestChunk(0, 0)
	assert.True(t, errors.As(err, &wrongState))
}
