package tiff_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/lazytiff/pkg/fetch"
	"github.com/marmos91/lazytiff/pkg/tiff"
	"github.com/marmos91/lazytiff/pkg/tiff/tifftest"
)

// countingReader records every fetched range for assertions on fetch counts
// and de-duplication.
type countingReader struct {
	inner fetch.RangeReader

	mu     sync.Mutex
	calls  int
	ranges []fetch.Range

	// failNext makes the next Fetch fail once.
	failNext error
}

func (c *countingReader) Fetch(ctx context.Context, ranges []fetch.Range) ([][]byte, error) {
	c.mu.Lock()
	c.calls++
	c.ranges = append(c.ranges, ranges...)
	fail := c.failNext
	c.failNext = nil
	c.mu.Unlock()

	if fail != nil {
		return nil, fail
	}
	return c.inner.Fetch(ctx, ranges)
}

func (c *countingReader) fetchedCount(rng fetch.Range) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.ranges {
		if r == rng {
			n++
		}
	}
	return n
}

// buildDirectory makes a single-IFD file whose BitsPerSample needs an
// out-of-line fetch and returns a parsed directory over it.
func buildDirectory(t *testing.T) (*tiff.Directory, *countingReader) {
	t.Helper()

	f := tifftest.New(binary.LittleEndian, false)
	f.AddIFD([]tifftest.Entry{
		f.Long(tiff.TagImageWidth, 640),
		f.Long(tiff.TagImageLength, 480),
		{Tag: tiff.TagBitsPerSample, Type: tiff.TypeShort, Count: 3, Data: f.Shorts(8, 8, 8)},
		f.ASCII(tiff.TagImageDescription, "synthetic test image"),
	})

	reader := &countingReader{inner: f.Reader()}
	h, err := tiff.ReadHeader(context.Background(), reader)
	require.NoError(t, err)

	dir, next, err := tiff.ReadDirectory(context.Background(), reader, h.FirstDirOffset, h.Order, h.BigTIFF)
	require.NoError(t, err)
	require.Zero(t, next)
	return dir, reader
}

func TestReadDirectory_ParsesFixedKeySet(t *testing.T) {
	dir, _ := buildDirectory(t)

	assert.Equal(t, 4, dir.Len())
	assert.Equal(t, []tiff.Tag{
		tiff.TagImageWidth,
		tiff.TagImageLength,
		tiff.TagBitsPerSample,
		tiff.TagImageDescription,
	}, dir.Tags())

	// inline values resolve at parse time
	width, ok := dir.Lookup(tiff.TagImageWidth)
	require.True(t, ok)
	assert.True(t, width.Resolved())

	// out-of-line arrays do not
	bits, ok := dir.Lookup(tiff.TagBitsPerSample)
	require.True(t, ok)
	assert.False(t, bits.Resolved())

	_, ok = dir.Lookup(tiff.TagCompression)
	assert.False(t, ok)
}

func TestResolve_OutOfLineValue(t *testing.T) {
	dir, reader := buildDirectory(t)

	values, err := dir.Resolve(context.Background(), reader, tiff.TagBitsPerSample, tiff.TagImageDescription)
	require.NoError(t, err)

	vs, err := values[tiff.TagBitsPerSample].UintSlice()
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 8, 8}, vs)

	desc, err := values[tiff.TagImageDescription].ASCII()
	require.NoError(t, err)
	assert.Equal(t, "synthetic test image", desc)
}

func TestResolve_Idempotent(t *testing.T) {
	dir, reader := buildDirectory(t)

	_, err := dir.Resolve(context.Background(), reader, tiff.TagBitsPerSample)
	require.NoError(t, err)
	calls := reader.calls

	// second call returns the buffered value without I/O
	values, err := dir.Resolve(context.Background(), reader, tiff.TagBitsPerSample)
	require.NoError(t, err)
	assert.Equal(t, calls, reader.calls)

	vs, err := values[tiff.TagBitsPerSample].UintSlice()
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 8, 8}, vs)
}

func TestResolve_InlineTagsNeedNoIO(t *testing.T) {
	dir, reader := buildDirectory(t)
	calls := reader.calls

	values, err := dir.Resolve(context.Background(), reader, tiff.TagImageWidth, tiff.TagImageLength)
	require.NoError(t, err)
	assert.Equal(t, calls, reader.calls)

	w, err := values[tiff.TagImageWidth].FirstUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(640), w)
}

func TestResolve_MissingTag(t *testing.T) {
	dir, reader := buildDirectory(t)

	_, err := dir.Resolve(context.Background(), reader, tiff.TagCompression)
	assert.ErrorIs(t, err, tiff.ErrMissingTag)
}

func TestResolve_TransportFailureLeavesEntriesUnresolved(t *testing.T) {
	dir, reader := buildDirectory(t)

	reader.failNext = errors.New("connection reset")
	_, err := dir.Resolve(context.Background(), reader, tiff.TagBitsPerSample)

	var te *tiff.TransportError
	require.ErrorAs(t, err, &te)

	// nothing transitioned; the identical call succeeds on retry
	bits, _ := dir.Lookup(tiff.TagBitsPerSample)
	assert.False(t, bits.Resolved())

	values, err := dir.Resolve(context.Background(), reader, tiff.TagBitsPerSample)
	require.NoError(t, err)
	vs, err := values[tiff.TagBitsPerSample].UintSlice()
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 8, 8}, vs)
}

func TestResolve_CancelledContext(t *testing.T) {
	dir, reader := buildDirectory(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dir.Resolve(ctx, reader, tiff.TagBitsPerSample)
	assert.ErrorIs(t, err, context.Canceled)

	bits, _ := dir.Lookup(tiff.TagBitsPerSample)
	assert.False(t, bits.Resolved())
}

func TestResolve_ConcurrentCallersFetchRangeOnce(t *testing.T) {
	dir, reader := buildDirectory(t)

	e, _ := dir.Lookup(tiff.TagBitsPerSample)
	valueRange := fetch.Range{Offset: e.Offset(), Length: 6}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values, err := dir.Resolve(context.Background(), reader, tiff.TagBitsPerSample, tiff.TagImageDescription)
			assert.NoError(t, err)
			vs, err := values[tiff.TagBitsPerSample].UintSlice()
			assert.NoError(t, err)
			assert.Equal(t, []uint64{8, 8, 8}, vs)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reader.fetchedCount(valueRange))
}

func TestLookup_EntryReadableDuringResolve(t *testing.T) {
	// An entry handed out by Lookup stays valid while loading is in flight:
	// another goroutine may poll it for the resolution to land without
	// synchronizing with the resolver.
	dir, reader := buildDirectory(t)

	e, ok := dir.Lookup(tiff.TagBitsPerSample)
	require.True(t, ok)
	require.False(t, e.Resolved())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if v := e.Value(); v != nil {
				assert.Equal(t, uint64(3), v.Count())
				return
			}
		}
	}()

	_, err := dir.Resolve(context.Background(), reader, tiff.TagBitsPerSample)
	assert.NoError(t, err)
	wg.Wait()

	require.True(t, e.Resolved())
}

func TestResolve_SubIFDDiscovery(t *testing.T) {
	f := tifftest.New(binary.LittleEndian, false)

	subOff := f.AddDetachedIFD([]tifftest.Entry{
		f.Long(tiff.TagImageWidth, 320),
		f.Long(tiff.TagImageLength, 240),
	})

	f.AddIFD([]tifftest.Entry{
		f.Long(tiff.TagImageWidth, 640),
		{Tag: tiff.TagSubIFDs, Type: tiff.TypeIFD, Count: 1, Data: f.Longs(uint32(subOff))},
	})

	reader := f.Reader()
	h, err := tiff.ReadHeader(context.Background(), reader)
	require.NoError(t, err)
	dir, _, err := tiff.ReadDirectory(context.Background(), reader, h.FirstDirOffset, h.Order, h.BigTIFF)
	require.NoError(t, err)

	assert.Empty(t, dir.SubDirectories())

	// A single pointer fits the value/offset field, so the entry is already
	// resolved and its value is the sub-directory offset itself, not the
	// location of an offset array.
	e, ok := dir.Lookup(tiff.TagSubIFDs)
	require.True(t, ok)
	require.True(t, e.Resolved())
	offsets, err := e.Value().UintSlice()
	require.NoError(t, err)
	assert.Equal(t, []uint64{subOff}, offsets)

	_, err = dir.Resolve(context.Background(), reader, tiff.TagSubIFDs)
	require.NoError(t, err)

	subs := dir.SubDirectories()
	require.Len(t, subs, 1)
	assert.Equal(t, 2, subs[0].Len())

	width, ok := subs[0].Lookup(tiff.TagImageWidth)
	require.True(t, ok)
	v, err := width.Value().FirstUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(320), v)

	// resolving the pointer again must not duplicate the discovery
	_, err = dir.Resolve(context.Background(), reader, tiff.TagSubIFDs)
	require.NoError(t, err)
	assert.Len(t, dir.SubDirectories(), 1)
}

func TestResolve_SubIFDDiscoveryOutOfLine(t *testing.T) {
	f := tifftest.New(binary.LittleEndian, false)

	subOffA := f.AddDetachedIFD([]tifftest.Entry{
		f.Long(tiff.TagImageWidth, 320),
	})
	subOffB := f.AddDetachedIFD([]tifftest.Entry{
		f.Long(tiff.TagImageWidth, 160),
	})

	// Two pointers exceed the 4-byte field, so the offset array itself
	// lives out of line and must be fetched before discovery.
	f.AddIFD([]tifftest.Entry{
		f.Long(tiff.TagImageWidth, 640),
		{Tag: tiff.TagSubIFDs, Type: tiff.TypeIFD, Count: 2, Data: f.Longs(uint32(subOffA), uint32(subOffB))},
	})

	reader := f.Reader()
	h, err := tiff.ReadHeader(context.Background(), reader)
	require.NoError(t, err)
	dir, _, err := tiff.ReadDirectory(context.Background(), reader, h.FirstDirOffset, h.Order, h.BigTIFF)
	require.NoError(t, err)

	e, ok := dir.Lookup(tiff.TagSubIFDs)
	require.True(t, ok)
	assert.False(t, e.Resolved())

	_, err = dir.Resolve(context.Background(), reader, tiff.TagSubIFDs)
	require.NoError(t, err)

	offsets, err := e.Value().UintSlice()
	require.NoError(t, err)
	assert.Equal(t, []uint64{subOffA, subOffB}, offsets)
	require.Len(t, dir.SubDirectories(), 2)
}

func TestReadDirectory_BigTIFF(t *testing.T) {
	f := tifftest.New(binary.BigEndian, true)
	f.AddIFD([]tifftest.Entry{
		{Tag: tiff.TagImageWidth, Type: tiff.TypeLong8, Count: 1, Data: f.Longs8(1 << 33)},
	})

	reader := f.Reader()
	h, err := tiff.ReadHeader(context.Background(), reader)
	require.NoError(t, err)
	dir, _, err := tiff.ReadDirectory(context.Background(), reader, h.FirstDirOffset, h.Order, h.BigTIFF)
	require.NoError(t, err)

	width, ok := dir.Lookup(tiff.TagImageWidth)
	require.True(t, ok)
	require.True(t, width.Resolved())
	v, err := width.Value().FirstUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<33, v)
}
