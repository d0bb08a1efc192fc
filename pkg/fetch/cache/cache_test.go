package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/lazytiff/pkg/fetch"
	"github.com/marmos91/lazytiff/pkg/fetch/memory"
)

type countingSource struct {
	inner fetch.RangeReader

	mu    sync.Mutex
	calls int
}

func (c *countingSource) Fetch(ctx context.Context, ranges []fetch.Range) ([][]byte, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Fetch(ctx, ranges)
}

func newCache(t *testing.T, cfg Config) *Reader {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "test.tif"
	}
	r, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNew_RequiresSourceAndNamespace(t *testing.T) {
	_, err := New(context.Background(), Config{Dir: t.TempDir(), Namespace: "x"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Dir: t.TempDir(), Source: memory.New(nil)})
	assert.Error(t, err)
}

func TestFetch_ReadThrough(t *testing.T) {
	source := &countingSource{inner: memory.New([]byte("0123456789"))}
	r := newCache(t, Config{Source: source})

	want := [][]byte{[]byte("012"), []byte("789")}
	ranges := []fetch.Range{{Offset: 0, Length: 3}, {Offset: 7, Length: 3}}

	bufs, err := r.Fetch(context.Background(), ranges)
	require.NoError(t, err)
	assert.Equal(t, want, bufs)
	assert.Equal(t, 1, source.calls)

	// second fetch is served entirely from the cache
	bufs, err = r.Fetch(context.Background(), ranges)
	require.NoError(t, err)
	assert.Equal(t, want, bufs)
	assert.Equal(t, 1, source.calls)
}

func TestFetch_PartialHitForwardsOnlyMisses(t *testing.T) {
	source := &countingSource{inner: memory.New([]byte("0123456789"))}
	r := newCache(t, Config{Source: source})

	_, err := r.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 2}})
	require.NoError(t, err)

	bufs, err := r.Fetch(context.Background(), []fetch.Range{
		{Offset: 0, Length: 2},
		{Offset: 5, Length: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("01"), []byte("56")}, bufs)
	assert.Equal(t, 2, source.calls)
}

func TestFetch_ExactMatchOnly(t *testing.T) {
	source := &countingSource{inner: memory.New([]byte("0123456789"))}
	r := newCache(t, Config{Source: source})

	_, err := r.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 8}})
	require.NoError(t, err)

	// a sub-range of a cached range is still a miss
	_, err = r.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 4}})
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestFetch_LargeRangesPassThrough(t *testing.T) {
	data := make([]byte, 100)
	source := &countingSource{inner: memory.New(data)}
	r := newCache(t, Config{Source: source, MaxEntrySize: 10})

	rng := []fetch.Range{{Offset: 0, Length: 50}}
	_, err := r.Fetch(context.Background(), rng)
	require.NoError(t, err)

	// above MaxEntrySize nothing was stored, so the refetch hits the source
	_, err = r.Fetch(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestFetch_SourceErrorPropagates(t *testing.T) {
	source := &countingSource{inner: memory.New([]byte("abc"))}
	r := newCache(t, Config{Source: source})

	_, err := r.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 100}})
	assert.ErrorIs(t, err, fetch.ErrOutOfBounds)
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	source := &countingSource{inner: memory.New([]byte("persistent"))}

	r, err := New(context.Background(), Config{Dir: dir, Source: source, Namespace: "f"})
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 6}})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r2, err := New(context.Background(), Config{Dir: dir, Source: source, Namespace: "f"})
	require.NoError(t, err)
	defer r2.Close()

	bufs, err := r2.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 6}})
	require.NoError(t, err)
	assert.Equal(t, []byte("persis"), bufs[0])
	assert.Equal(t, 1, source.calls)
}

func TestCache_NamespacesAreIsolated(t *testing.T) {
	dir := t.TempDir()
	a := &countingSource{inner: memory.New([]byte("aaaa"))}
	b := &countingSource{inner: memory.New([]byte("bbbb"))}

	ra, err := New(context.Background(), Config{Dir: dir, Source: a, Namespace: "a"})
	require.NoError(t, err)
	_, err = ra.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 2}})
	require.NoError(t, err)
	require.NoError(t, ra.Close())

	rb, err := New(context.Background(), Config{Dir: dir, Source: b, Namespace: "b"})
	require.NoError(t, err)
	defer rb.Close()

	bufs, err := rb.Fetch(context.Background(), []fetch.Range{{Offset: 0, Length: 2}})
	require.NoError(t, err)
	assert.Equal(t, []byte("bb"), bufs[0])
	assert.Equal(t, 1, b.calls)
}
