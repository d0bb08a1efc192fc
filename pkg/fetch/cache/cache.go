// Package cache implements a read-through, badger-backed range cache that
// wraps any fetch.RangeReader.
//
// COG access patterns hit the same small ranges repeatedly: the header, the
// directory chain, and tag arrays are refetched every time a process opens
// the same remote file. Persisting those ranges locally turns a reopen into
// a handful of badger point lookups instead of network round trips.
//
// The cache is exact-match: a stored (offset, length) range only serves a
// request for the identical range. The decoder's fetch pattern is already
// deduplicated per range, so overlap handling buys nothing here.
package cache

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/lazytiff/internal/logger"
	"github.com/marmos91/lazytiff/pkg/fetch"
)

// Reader is a caching wrapper around another RangeReader.
//
// Thread Safety:
// Badger transactions and the wrapped reader are both safe for concurrent
// use; Reader adds no state of its own beyond them.
type Reader struct {
	db       *badger.DB
	source   fetch.RangeReader
	prefix   []byte
	maxEntry uint64
	metrics  fetch.Metrics
}

// Config contains the settings for a caching reader.
type Config struct {
	// Dir is the badger database directory. Created if missing.
	Dir string

	// Source is the reader consulted on cache misses.
	Source fetch.RangeReader

	// Namespace separates entries of different source files sharing one
	// database, e.g. the object URL or file path. Required.
	Namespace string

	// MaxEntrySize caps the size of a range the cache will store. Larger
	// ranges (chunk data, typically) pass through uncached. Zero means
	// 1 MiB.
	MaxEntrySize uint64

	// Metrics optionally receives cache hit/miss observations.
	Metrics fetch.Metrics
}

const defaultMaxEntrySize = 1 << 20

// New opens (or creates) the cache database and returns the caching reader.
//
// The caller owns closing the Reader; the wrapped source is not closed.
func New(ctx context.Context, cfg Config) (*Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source reader is required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("cache namespace is required")
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database at %s: %w", cfg.Dir, err)
	}

	logger.Debug("range cache opened at %s (namespace %q)", cfg.Dir, cfg.Namespace)

	maxEntry := cfg.MaxEntrySize
	if maxEntry == 0 {
		maxEntry = defaultMaxEntrySize
	}

	return &Reader{
		db:       db,
		source:   cfg.Source,
		prefix:   []byte(cfg.Namespace + "/"),
		maxEntry: maxEntry,
		metrics:  cfg.Metrics,
	}, nil
}

// key builds the badger key for one range: "<namespace>/<offset>+<length>".
func (r *Reader) key(rg fetch.Range) []byte {
	return append(append([]byte{}, r.prefix...), fmt.Sprintf("%d+%d", rg.Offset, rg.Length)...)
}

// Fetch implements fetch.RangeReader.
//
// Hits are served from badger; all misses are forwarded to the source in a
// single Fetch call (preserving whatever batching the source performs) and
// written back on the way out. A write-back failure is logged and ignored:
// the bytes are already in hand and the cache is an optimization.
func (r *Reader) Fetch(ctx context.Context, ranges []fetch.Range) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]byte, len(ranges))
	var missIdx []int
	var missRanges []fetch.Range

	for i, rg := range ranges {
		buf, err := r.get(rg)
		if err == nil {
			fetch.ObserveCache(r.metrics, true)
			out[i] = buf
			continue
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("cache lookup failed: %w", err)
		}
		fetch.ObserveCache(r.metrics, false)
		missIdx = append(missIdx, i)
		missRanges = append(missRanges, rg)
	}

	if len(missRanges) == 0 {
		return out, nil
	}

	fetched, err := r.source.Fetch(ctx, missRanges)
	if err != nil {
		return nil, err
	}

	for j, i := range missIdx {
		out[i] = fetched[j]
		if uint64(len(fetched[j])) > r.maxEntry {
			continue
		}
		if err := r.put(missRanges[j], fetched[j]); err != nil {
			logger.Warn("range cache write-back failed: %v", err)
		}
	}

	return out, nil
}

func (r *Reader) get(rg fetch.Range) ([]byte, error) {
	var buf []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(rg))
		if err != nil {
			return err
		}
		buf, err = item.ValueCopy(nil)
		return err
	})
	return buf, err
}

func (r *Reader) put(rg fetch.Range, data []byte) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.key(rg), data)
	})
}

// Close releases the badger database. The wrapped source is untouched.
func (r *Reader) Close() error {
	return r.db.Close()
}
