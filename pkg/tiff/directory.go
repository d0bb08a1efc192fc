package tiff

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/lazytiff/internal/logger"
	"github.com/marmos91/lazytiff/pkg/fetch"
)

// maxDirectoryEntries caps the entry count of a single directory table. The
// classic format is limited to 65535 by its u16 count; BigTIFF is not, so a
// corrupt count could otherwise trigger a gigantic fetch.
const maxDirectoryEntries = 1 << 20

// Directory is one image file directory (IFD): a fixed set of tag entries,
// each either resolved in memory or still a file offset, plus lazily
// discovered sub-directories.
//
// The key set is fixed at parse time: it comes from the directory's own
// fixed-size entry table and never grows or shrinks. Resolution only
// replaces unresolved entries with resolved ones for the same key.
//
// Thread Safety:
// All methods are safe for concurrent use. The mutex guards entry
// transitions, the in-flight fetch registry, and the sub-directory list; it
// is held only for in-memory bookkeeping, never across a fetch.
type Directory struct {
	order   binary.ByteOrder
	bigTIFF bool

	// offset of the entry table in the file, kept for diagnostics.
	offset uint64

	mu       sync.Mutex
	entries  map[Tag]*DirectoryEntry
	subDirs  []*Directory
	subSeen  map[Tag]bool
	inflight map[fetch.Range]chan struct{}
}

// Order returns the file's byte order.
func (d *Directory) Order() binary.ByteOrder { return d.order }

// BigTIFF reports whether the file uses 8-byte offsets.
func (d *Directory) BigTIFF() bool { return d.bigTIFF }

// Len returns the number of entries (resolved or not).
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Tags returns all tags present in this directory in ascending order.
func (d *Directory) Tags() []Tag {
	d.mu.Lock()
	defer d.mu.Unlock()

	tags := make([]Tag, 0, len(d.entries))
	for tag := range d.entries {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Lookup returns the entry for tag as currently known, without fetching.
// The second return is false if the tag was never present in this directory,
// which is distinct from "present but not yet resolved".
func (d *Directory) Lookup(tag Tag) (*DirectoryEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[tag]
	return e, ok
}

// SubDirectories returns the sub-directories discovered so far.
func (d *Directory) SubDirectories() []*Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Directory, len(d.subDirs))
	copy(out, d.subDirs)
	return out
}

// Resolve ensures every requested tag is resolved and returns the values.
//
// Tags already resolved are returned without I/O. For the rest, Resolve
// computes the needed byte ranges, claims them in the per-directory
// in-flight registry, and fetches all claimed ranges in one Fetch call.
// Ranges already claimed by a concurrent Resolve are waited on instead of
// fetched again, so the same byte range is never fetched twice no matter how
// many callers race on overlapping tag sets. If the concurrent claimant
// fails, the waiter claims the range itself on the next pass, so one
// caller's failure (or cancellation) never poisons another's retry.
//
// Failure modes:
//   - ErrMissingTag: a requested tag was never present in this directory.
//   - TransportError: the reader failed; nothing was transitioned, callers
//     may retry the identical call.
//   - ErrMalformedData: fetched bytes contradict the declared type/count.
//
// Resolving a tag whose value points at nested directory tables (SubIFDs or
// IFD-typed entries) additionally parses those tables and appends them to
// SubDirectories, once, no matter how often the tag is resolved.
func (d *Directory) Resolve(ctx context.Context, reader fetch.RangeReader, tags ...Tag) (map[Tag]*BufferedEntry, error) {
	result := make(map[Tag]*BufferedEntry, len(tags))

	pending := tags
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			claimedTags    []Tag
			claimedEntries []*DirectoryEntry
			claimedRanges  []fetch.Range
			claimedChans   []chan struct{}
			waitTags       []Tag
			waitChans      []chan struct{}
		)

		d.mu.Lock()
		for _, tag := range pending {
			e, ok := d.entries[tag]
			if !ok {
				d.mu.Unlock()
				return nil, fmt.Errorf("tag %d: %w", tag, ErrMissingTag)
			}
			if v := e.Value(); v != nil {
				result[tag] = v
				continue
			}

			rng := fetch.Range{Offset: e.offset, Length: e.byteLength()}
			if ch, exists := d.inflight[rng]; exists {
				waitTags = append(waitTags, tag)
				waitChans = append(waitChans, ch)
				continue
			}

			ch := make(chan struct{})
			d.inflight[rng] = ch
			claimedTags = append(claimedTags, tag)
			claimedEntries = append(claimedEntries, e)
			claimedRanges = append(claimedRanges, rng)
			claimedChans = append(claimedChans, ch)
		}
		d.mu.Unlock()

		if len(claimedRanges) > 0 {
			if err := d.fetchClaimed(ctx, reader, claimedTags, claimedEntries, claimedRanges, claimedChans, result); err != nil {
				return nil, err
			}
		}

		// Ranges owned by concurrent calls: wait for their outcome, then
		// loop; a tag left unresolved by a failed claimant is re-claimed.
		for _, ch := range waitChans {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
			}
		}
		pending = waitTags
	}

	// Sub-directory discovery happens after resolution so the pointer tag
	// itself is already Resolved when tables are read.
	for _, tag := range tags {
		d.mu.Lock()
		e := d.entries[tag]
		d.mu.Unlock()

		if e != nil && isSubIFDPointer(tag, e.typ) {
			if v := e.Value(); v != nil {
				if err := d.discoverSubIFDs(ctx, reader, tag, v); err != nil {
					return nil, err
				}
			}
		}
	}

	return result, nil
}

// fetchClaimed fetches the claimed ranges in one call, validates the buffers
// and installs them. On any failure every claim is released un-transitioned
// so the tags stay cleanly Unresolved.
func (d *Directory) fetchClaimed(
	ctx context.Context,
	reader fetch.RangeReader,
	tags []Tag,
	entries []*DirectoryEntry,
	ranges []fetch.Range,
	chans []chan struct{},
	result map[Tag]*BufferedEntry,
) error {
	bufs, err := reader.Fetch(ctx, ranges)
	if err != nil {
		d.releaseClaims(ranges, chans)
		return &TransportError{Op: "resolve", Err: err}
	}

	values := make([]*BufferedEntry, len(entries))
	for i, e := range entries {
		v, err := NewBufferedEntry(e.typ, e.count, bufs[i], d.order)
		if err != nil {
			d.releaseClaims(ranges, chans)
			return fmt.Errorf("tag %d: %w", tags[i], err)
		}
		values[i] = v
	}

	d.mu.Lock()
	for i, e := range entries {
		result[tags[i]] = e.resolve(values[i])
		delete(d.inflight, ranges[i])
		close(chans[i])
	}
	d.mu.Unlock()

	logger.Debug("directory 0x%x: resolved %d tag(s)", d.offset, len(entries))
	return nil
}

// releaseClaims removes failed claims from the registry and wakes waiters
// without transitioning any entry.
func (d *Directory) releaseClaims(ranges []fetch.Range, chans []chan struct{}) {
	d.mu.Lock()
	for i := range ranges {
		delete(d.inflight, ranges[i])
		close(chans[i])
	}
	d.mu.Unlock()
}

// discoverSubIFDs parses the directory tables a pointer tag references and
// appends them to subDirs. Idempotent per tag.
func (d *Directory) discoverSubIFDs(ctx context.Context, reader fetch.RangeReader, tag Tag, value *BufferedEntry) error {
	d.mu.Lock()
	if d.subSeen[tag] {
		d.mu.Unlock()
		return nil
	}
	d.subSeen[tag] = true
	d.mu.Unlock()

	rollback := func() {
		d.mu.Lock()
		delete(d.subSeen, tag)
		d.mu.Unlock()
	}

	offsets, err := value.UintSlice()
	if err != nil {
		rollback()
		return fmt.Errorf("sub-directory pointer tag %d: %w", tag, err)
	}

	subs := make([]*Directory, 0, len(offsets))
	for _, off := range offsets {
		sub, _, err := ReadDirectory(ctx, reader, off, d.order, d.bigTIFF)
		if err != nil {
			rollback()
			return fmt.Errorf("sub-directory at 0x%x: %w", off, err)
		}
		subs = append(subs, sub)
	}

	d.mu.Lock()
	d.subDirs = append(d.subDirs, subs...)
	d.mu.Unlock()

	logger.Debug("directory 0x%x: discovered %d sub-directories via tag %d", d.offset, len(subs), tag)
	return nil
}

// ReadDirectory reads and parses the fixed-size directory entry table at
// offset. It returns the directory (all out-of-line entries Unresolved) and
// the offset of the next directory in the chain, 0 meaning end of chain.
//
// Two fetches are issued: one for the entry count, one for the table itself
// plus the next-directory pointer. Both are small fixed-size records; no tag
// data is read.
func ReadDirectory(ctx context.Context, reader fetch.RangeReader, offset uint64, order binary.ByteOrder, bigTIFF bool) (*Directory, uint64, error) {
	countSize := uint64(2)
	entrySize := uint64(12)
	ptrSize := uint64(4)
	if bigTIFF {
		countSize, entrySize, ptrSize = 8, 20, 8
	}

	countBufs, err := reader.Fetch(ctx, []fetch.Range{{Offset: offset, Length: countSize}})
	if err != nil {
		return nil, 0, &TransportError{Op: "directory", Err: err}
	}

	var numEntries uint64
	if bigTIFF {
		numEntries = order.Uint64(countBufs[0])
	} else {
		numEntries = uint64(order.Uint16(countBufs[0]))
	}
	if numEntries > maxDirectoryEntries {
		return nil, 0, fmt.Errorf("directory at 0x%x declares %d entries: %w", offset, numEntries, ErrFormat)
	}

	tableLen := numEntries*entrySize + ptrSize
	tableBufs, err := reader.Fetch(ctx, []fetch.Range{{Offset: offset + countSize, Length: tableLen}})
	if err != nil {
		return nil, 0, &TransportError{Op: "directory", Err: err}
	}
	table := tableBufs[0]

	dir := &Directory{
		order:    order,
		bigTIFF:  bigTIFF,
		offset:   offset,
		entries:  make(map[Tag]*DirectoryEntry, numEntries),
		subSeen:  make(map[Tag]bool),
		inflight: make(map[fetch.Range]chan struct{}),
	}

	for i := uint64(0); i < numEntries; i++ {
		e, err := parseEntry(table[i*entrySize:(i+1)*entrySize], order, bigTIFF)
		if err != nil {
			return nil, 0, fmt.Errorf("directory at 0x%x entry %d: %w", offset, i, err)
		}
		dir.entries[e.tag] = e
	}

	var next uint64
	if bigTIFF {
		next = order.Uint64(table[numEntries*entrySize:])
	} else {
		next = uint64(order.Uint32(table[numEntries*entrySize:]))
	}

	return dir, next, nil
}

// parseEntry decodes one fixed-size entry record. Values that fit in the
// value/offset field are resolved immediately; everything else stays an
// Unresolved offset.
func parseEntry(rec []byte, order binary.ByteOrder, bigTIFF bool) (*DirectoryEntry, error) {
	tag := Tag(order.Uint16(rec[0:]))
	typ := TagType(order.Uint16(rec[2:]))

	if typ.Size() == 0 {
		return nil, fmt.Errorf("tag %d has unknown value type %d: %w", tag, typ, ErrFormat)
	}

	var count uint64
	var field []byte
	inline := uint64(4)
	if bigTIFF {
		count = order.Uint64(rec[4:])
		field = rec[12:20]
		inline = 8
	} else {
		count = uint64(order.Uint32(rec[4:]))
		field = rec[8:12]
	}

	valueBytes := count * typ.Size()
	if valueBytes/typ.Size() != count {
		return nil, fmt.Errorf("tag %d count %d overflows: %w", tag, count, ErrFormat)
	}

	// An inline IFD-typed entry needs no fetch either: its field holds the
	// sub-directory offsets themselves, which is exactly the entry's value.
	// Only an out-of-line IFD entry points at an offset array elsewhere.
	if valueBytes > inline {
		var off uint64
		if bigTIFF {
			off = order.Uint64(field)
		} else {
			off = uint64(order.Uint32(field))
		}
		return &DirectoryEntry{tag: tag, typ: typ, count: count, offset: off}, nil
	}

	// Inline value: left-justified in the field regardless of byte order.
	data := make([]byte, valueBytes)
	copy(data, field[:valueBytes])
	value, err := NewBufferedEntry(typ, count, data, order)
	if err != nil {
		return nil, err
	}
	e := &DirectoryEntry{tag: tag, typ: typ, count: count}
	e.value.Store(value)
	return e, nil
}
