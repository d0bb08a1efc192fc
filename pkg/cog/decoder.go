// Package cog implements the overview decoder for cloud-optimized,
// multi-resolution TIFF files: a state machine that discovers the top-level
// directory chain cheaply, loads per-level image metadata on demand, and
// serves concurrent chunk-decode requests against frozen snapshots.
//
// The concurrency contract in one paragraph: directories and the level map
// are mutable only inside LoadLevels, under a short exclusive section that
// never spans a fetch. Everything a decode task touches (ImageMetadata) is
// frozen before publication and never mutated again, so chunk decoding for
// loaded levels proceeds lock-free and unordered, even while other levels
// are still loading.
package cog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/lazytiff/internal/logger"
	"github.com/marmos91/lazytiff/pkg/codec"
	"github.com/marmos91/lazytiff/pkg/fetch"
	"github.com/marmos91/lazytiff/pkg/tiff"
)

// defaultMaxLevels caps the directory chain walk so a corrupt next-pointer
// loop cannot spin forever even past cycle detection.
const defaultMaxLevels = 1024

// Decoder owns the per-file decode state: the partially-resolved directory
// of every overview level and the map of frozen image metadata for levels
// that have been loaded.
//
// Levels are discovered, not invented: level i is the i-th directory in the
// file's top-level chain, finest resolution first by COG convention.
//
// Thread Safety:
// All methods are safe for concurrent use. The images map only grows;
// nothing is ever evicted (an eviction policy is a caller concern).
type Decoder struct {
	reader fetch.RangeReader
	codecs *codec.Registry
	header tiff.Header

	mu      sync.RWMutex
	state   State
	loading int
	dirs    []*tiff.Directory
	images  map[int]*tiff.ImageMetadata
}

// Options tunes Open.
type Options struct {
	// Codecs is the codec registry decode tasks dispatch through.
	// Defaults to codec.NewRegistry().
	Codecs *codec.Registry

	// MaxLevels caps how many top-level directories are read. Zero means
	// a high default.
	MaxLevels int
}

// Open reads the file header and the full chain of top-level directory
// entry tables, and returns a Ready decoder whose directories are all still
// Unresolved. Only fixed-size records are fetched; no tag data is read.
//
// Fails with a tiff.ErrFormat-wrapping error on a malformed header or
// chain, and with *tiff.TransportError if the reader fails. No decoder is
// returned on error.
func Open(ctx context.Context, reader fetch.RangeReader) (*Decoder, error) {
	return OpenWithOptions(ctx, reader, Options{})
}

// OpenWithOptions is Open with explicit options.
func OpenWithOptions(ctx context.Context, reader fetch.RangeReader, opts Options) (*Decoder, error) {
	codecs := opts.Codecs
	if codecs == nil {
		codecs = codec.NewRegistry()
	}
	maxLevels := opts.MaxLevels
	if maxLevels <= 0 {
		maxLevels = defaultMaxLevels
	}

	header, err := tiff.ReadHeader(ctx, reader)
	if err != nil {
		return nil, err
	}
	if header.FirstDirOffset == 0 {
		return nil, fmt.Errorf("no image file directory: %w", tiff.ErrFormat)
	}

	// Walk the chain. Offsets already visited mean the file contains a
	// cycle, which would otherwise make this loop (and every reopen of the
	// same file) endless.
	var dirs []*tiff.Directory
	seen := make(map[uint64]bool)
	offset := header.FirstDirOffset
	for offset != 0 {
		if seen[offset] {
			return nil, fmt.Errorf("cycle in directory chain at 0x%x: %w", offset, tiff.ErrFormat)
		}
		seen[offset] = true
		if len(dirs) >= maxLevels {
			return nil, fmt.Errorf("more than %d directories: %w", maxLevels, tiff.ErrFormat)
		}

		dir, next, err := tiff.ReadDirectory(ctx, reader, offset, header.Order, header.BigTIFF)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, dir)
		offset = next
	}

	logger.Debug("opened tiff: %d overview level(s), bigtiff=%v", len(dirs), header.BigTIFF)

	return &Decoder{
		reader: reader,
		codecs: codecs,
		header: header,
		state:  StateReady,
		dirs:   dirs,
		images: make(map[int]*tiff.ImageMetadata),
	}, nil
}

// State returns the decoder's current lifecycle state.
func (d *Decoder) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Header returns the parsed file header.
func (d *Decoder) Header() tiff.Header {
	return d.header
}

// Levels returns how many overview levels the file contains.
func (d *Decoder) Levels() int {
	return len(d.dirs)
}

// Image returns the frozen image metadata for a loaded level. The boolean
// is false when the level is not loaded.
func (d *Decoder) Image(level int) (*tiff.ImageMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	img, ok := d.images[level]
	return img, ok
}

// IsLevelLoaded reports whether level has frozen image metadata.
func (d *Decoder) IsLevelLoaded(level int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.images[level]
	return ok
}

// LookupTag returns the directory entry for tag at level, as currently
// known, without fetching. The entry may still be Unresolved. The boolean
// is false when the tag was never present in that level's directory.
func (d *Decoder) LookupTag(level int, tag tiff.Tag) (*tiff.DirectoryEntry, bool, error) {
	if err := d.checkUsable("lookup tag"); err != nil {
		return nil, false, err
	}
	if level < 0 || level >= len(d.dirs) {
		return nil, false, fmt.Errorf("overview level %d (file has %d): %w", level, len(d.dirs), tiff.ErrMissingTag)
	}
	e, ok := d.dirs[level].Lookup(tag)
	return e, ok, nil
}

// LoadReport describes the outcome of one LoadLevels call: which levels
// were loaded (including levels that were already loaded) and which failed,
// with their individual errors.
type LoadReport struct {
	Loaded []int
	Failed map[int]error
}

// LoadLevels resolves the image tag set for each requested level, freezes
// the resulting image metadata, and publishes it. Levels load independently:
// one level's failure never discards a sibling's success, and the returned
// report says exactly which is which. The returned error joins the per-level
// errors and is nil when every requested level loaded.
//
// Chunk requests for levels that are already loaded proceed concurrently
// with this call; they read only frozen snapshots. A level never becomes
// visible half-populated: metadata is built and frozen first, published
// under the lock after.
//
// Cancelling the context aborts unfinished levels cleanly: their
// directories keep unfinished tags Unresolved and the levels stay absent
// from the loaded set, so the identical call may simply be retried.
//
// A tiff.ErrFormat-class failure (malformed directory data) poisons the
// decoder: the file itself is bad and every future read would hit the same
// wall. Transport failures and missing tags/levels do not.
func (d *Decoder) LoadLevels(ctx context.Context, levels ...int) (*LoadReport, error) {
	if err := d.beginLoad(); err != nil {
		return nil, err
	}
	defer d.endLoad()

	report := &LoadReport{Failed: make(map[int]error)}
	var errs []error

	for _, level := range levels {
		if err := d.loadLevel(ctx, level); err != nil {
			report.Failed[level] = err
			errs = append(errs, fmt.Errorf("level %d: %w", level, err))

			if errors.Is(err, tiff.ErrFormat) {
				d.markFailed()
			}
			continue
		}
		report.Loaded = append(report.Loaded, level)
	}

	sort.Ints(report.Loaded)
	return report, errors.Join(errs...)
}

// loadLevel loads one level. Already-loaded levels succeed without I/O.
func (d *Decoder) loadLevel(ctx context.Context, level int) error {
	d.mu.RLock()
	if _, ok := d.images[level]; ok {
		d.mu.RUnlock()
		return nil
	}
	if level < 0 || level >= len(d.dirs) {
		d.mu.RUnlock()
		return fmt.Errorf("overview level %d (file has %d): %w", level, len(d.dirs), tiff.ErrMissingTag)
	}
	dir := d.dirs[level]
	d.mu.RUnlock()

	// All fetching happens here, outside any decoder lock. BuildImage is
	// the freeze point: the aggregate it returns is complete and immutable.
	img, err := tiff.BuildImage(ctx, d.reader, dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, ok := d.images[level]; !ok {
		d.images[level] = img
	}
	d.mu.Unlock()

	logger.Debug("level %d loaded: %dx%d, %d chunk(s), compression %d",
		level, img.Options.Width, img.Options.Height, img.Index.Count(), img.Options.Compression)
	return nil
}

// RequestChunk returns a detached decode task for one chunk of one level.
//
// The call is synchronous and never fetches: if the level is not loaded it
// fails immediately with *OverviewNotLoadedError. It does not trigger a
// load and does not wait for a concurrent LoadLevels to finish. The caller
// decides whether to load and retry; that keeps cancellation and ordering
// in the caller's hands.
//
// The returned task holds only the frozen snapshot, the reader, and the
// codec registry. It runs independently of the decoder: concurrent tasks,
// concurrent LoadLevels calls, and even dropping the decoder do not affect
// it.
func (d *Decoder) RequestChunk(chunk, level int) (*DecodeTask, error) {
	if err := d.checkUsable("request chunk"); err != nil {
		return nil, err
	}

	d.mu.RLock()
	img, ok := d.images[level]
	d.mu.RUnlock()

	if !ok {
		return nil, &OverviewNotLoadedError{Level: level}
	}
	if chunk < 0 || chunk >= img.Index.Count() {
		return nil, fmt.Errorf("chunk %d of level %d (valid range [0,%d)): %w",
			chunk, level, img.Index.Count(), ErrInvalidChunkIndex)
	}

	return &DecodeTask{
		image:  img,
		reader: d.reader,
		codecs: d.codecs,
		chunk:  chunk,
		level:  level,
	}, nil
}

// DecodeChunk is RequestChunk followed by Run.
func (d *Decoder) DecodeChunk(ctx context.Context, chunk, level int) ([]byte, error) {
	task, err := d.RequestChunk(chunk, level)
	if err != nil {
		return nil, err
	}
	return task.Run(ctx)
}

// checkUsable rejects operations on a poisoned decoder.
func (d *Decoder) checkUsable(op string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == StateFailed {
		return &WrongStateError{State: d.state, Op: op}
	}
	return nil
}

func (d *Decoder) beginLoad() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateFailed {
		return &WrongStateError{State: d.state, Op: "load levels"}
	}
	d.loading++
	d.state = StateLoadingTagData
	return nil
}

func (d *Decoder) endLoad() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loading--
	if d.state == StateLoadingTagData && d.loading == 0 {
		d.state = StateReady
	}
}

func (d *Decoder) markFailed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateFailed
	logger.Warn("decoder poisoned by format error")
}
