package openfile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/buffer"
	"github.com/parsec-cloud/parsec-sync/internal/model"
)

const defaultBlockSize = 1 << 16

// ErrAlreadySyncing is returned by StartSyncing when a sync is already in
// progress for this file — the syncer holds one sync at a time per entry.
var ErrAlreadySyncing = fmt.Errorf("openfile: already syncing")

// OpenedFile is the in-memory pending-write log for one open file
// descriptor. Per spec.md §4.4/§9, flush and concurrent sync are mutually
// exclusive via a scoped acquire/release sync gate, mirroring the
// acquire-then-defer-release idiom in core/connection_pool.go.
type OpenedFile struct {
	mu sync.Mutex

	access      model.Access
	size        uint64
	baseVersion uint32
	blockSize   uint64
	cmds        []Cmd

	syncing    bool
	notSyncing chan struct{} // closed exactly when !syncing
}

// New builds the opened-file state for access, seeded from manifest's
// current size and base version.
func New(access model.Access, size uint64, baseVersion uint32, blockSize uint64) *OpenedFile {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	ch := make(chan struct{})
	close(ch) // not syncing initially
	return &OpenedFile{
		access:      access,
		size:        size,
		baseVersion: baseVersion,
		blockSize:   blockSize,
		notSyncing:  ch,
	}
}

func (f *OpenedFile) Access() model.Access    { return f.access }
func (f *OpenedFile) BaseVersion() uint32     { return f.baseVersion }
func (f *OpenedFile) SetAccess(a model.Access) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = a
}

func (f *OpenedFile) Size() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// NeedSync reports whether this file has anything that would change the
// remote manifest: a placeholder access, a manifest already flagged
// need_sync, or pending writes that haven't been flushed (invariant
// "is_placeholder ⇒ need_sync", spec.md §3, extended here to local edits).
func (f *OpenedFile) NeedSync(m *model.FileManifest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m.Placeholder() || m.NeedsSync() || f.needFlushLocked(m)
}

// NeedFlush reports whether the pending command log would change the
// manifest if flushed: the file grew/shrank relative to the manifest's
// recorded size, or there's at least one pending write.
func (f *OpenedFile) NeedFlush(m *model.FileManifest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needFlushLocked(m)
}

func (f *OpenedFile) needFlushLocked(m *model.FileManifest) bool {
	if m.Size != f.size {
		return true
	}
	for _, c := range f.cmds {
		if _, ok := c.(WriteCmd); ok {
			return true
		}
	}
	return false
}

// StartSyncing acquires the sync gate, returning a release function the
// caller must defer. It returns ErrAlreadySyncing if a sync is already in
// flight — the syncer's PREPARE step surfaces that as "try again later"
// rather than stacking syncs.
func (f *OpenedFile) StartSyncing() (release func(), err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncing {
		return nil, ErrAlreadySyncing
	}
	f.syncing = true
	f.notSyncing = make(chan struct{})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.syncing = false
		close(f.notSyncing)
	}, nil
}

func (f *OpenedFile) IsSyncing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncing
}

// WaitNotSyncing blocks until no sync is in flight, or ctx is done.
func (f *OpenedFile) WaitNotSyncing(ctx context.Context) error {
	for {
		f.mu.Lock()
		if !f.syncing {
			f.mu.Unlock()
			return nil
		}
		ch := f.notSyncing
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Write appends a WriteCmd at offset (or at EOF if offset < 0), extending
// Size if the write goes past the current end. A zero-length write is a
// no-op.
func (f *OpenedFile) Write(data []byte, offset int64) {
	if len(data) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	off := uint64(offset)
	if offset < 0 || off > f.size {
		off = f.size
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.cmds = append(f.cmds, WriteCmd{Offset: off, Data: cp, Timestamp: time.Now()})
	if end := off + uint64(len(cp)); end > f.size {
		f.size = end
	}
}

// Truncate resizes the file to length. Shrinking records a TruncateCmd;
// growing is expressed as a zero-filled WriteCmd covering the new bytes, so
// the grown range flushes and syncs through the same path as any other
// write.
func (f *OpenedFile) Truncate(length uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case length < f.size:
		f.cmds = append(f.cmds, TruncateCmd{Length: length})
		f.size = length
	case length > f.size:
		zeros := make([]byte, length-f.size)
		f.cmds = append(f.cmds, WriteCmd{Offset: f.size, Data: zeros, Timestamp: time.Now()})
		f.size = length
	}
}

// GetNotSyncedBounds returns the [start, end) byte range touched since the
// last sync: the union of manifest dirty-block ranges and pending write
// ranges, clipped to the file's current size. A placeholder access (never
// published) always reports the whole file.
func (f *OpenedFile) GetNotSyncedBounds(m *model.FileManifest) (start, end uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notSyncedBoundsLocked(m)
}

func (f *OpenedFile) notSyncedBoundsLocked(m *model.FileManifest) (start, end uint64) {
	if m.Placeholder() {
		return 0, f.size
	}

	const unset = ^uint64(0)
	start, end = unset, 0
	haveAny := false

	for _, dba := range m.DirtyBlocks {
		haveAny = true
		if dba.Offset < start {
			start = dba.Offset
		}
		if dba.End() > end {
			end = dba.End()
		}
	}
	for _, c := range f.cmds {
		wc, ok := c.(WriteCmd)
		if !ok {
			continue
		}
		haveAny = true
		if wc.Offset < start {
			start = wc.Offset
		}
		if wc.End() > end {
			end = wc.End()
		}
	}

	if !haveAny || start == unset {
		start = 0
	}

	if len(m.Blocks) > 0 {
		last := m.Blocks[len(m.Blocks)-1]
		originalSize := last.Offset + uint64(last.Size)
		if originalSize != f.size {
			end = f.size
		}
	}
	if end > f.size {
		end = f.size
	}
	return start, end
}

func (f *OpenedFile) quicklyFilteredBlocksLocked(m *model.FileManifest, start, end uint64) []buffer.Buffer {
	var bufs []buffer.Buffer
	for _, b := range buffer.QuickFilter(m.Blocks, start, end) {
		bufs = append(bufs, buffer.Buffer{Start: b.Offset, End: b.End(), Payload: buffer.Payload{Kind: buffer.PayloadCleanBlock, Ref: b}})
	}
	for _, b := range buffer.QuickFilter(m.DirtyBlocks, start, end) {
		bufs = append(bufs, buffer.Buffer{Start: b.Offset, End: b.End(), Payload: buffer.Payload{Kind: buffer.PayloadDirtyBlock, Ref: b}})
	}
	for _, c := range f.cmds {
		wc, ok := c.(WriteCmd)
		if !ok {
			continue
		}
		bufs = append(bufs, buffer.Buffer{Start: wc.Offset, End: wc.End(), Payload: buffer.Payload{Kind: buffer.PayloadRam, Ref: wc.Data}})
	}
	return bufs
}

// GetReadMap returns the overlay Space answering read(offset, size): at
// most one contiguous span starting exactly at offset (a read only ever
// returns a contiguous prefix of what was asked for).
func (f *OpenedFile) GetReadMap(m *model.FileManifest, offset uint64, size int64) buffer.Space {
	f.mu.Lock()
	defer f.mu.Unlock()

	if offset >= f.size {
		return buffer.Space{Start: offset, End: offset}
	}
	sz := size
	if sz < 0 {
		sz = int64(f.size)
	}
	if offset+uint64(sz) > f.size {
		sz = int64(f.size - offset)
	}

	bufs := f.quicklyFilteredBlocksLocked(m, offset, offset+uint64(sz))
	return buffer.MergeBuffersWithLimits(bufs, offset, offset+uint64(sz))
}

// GetSyncMap returns the block-aligned overlay used to build the upload
// set. It covers only the not-yet-synced window reported by
// GetNotSyncedBounds, with its start aligned down to a block boundary and
// its end aligned up (clipped to the file size); bytes outside that window
// are not part of the result. The result holds at most one span, starting
// at the aligned start and internally cut at every block boundary.
func (f *OpenedFile) GetSyncMap(m *model.FileManifest) buffer.Space {
	f.mu.Lock()
	defer f.mu.Unlock()

	start, end := f.notSyncedBoundsLocked(m)
	alignedStart := start - start%f.blockSize
	if end%f.blockSize != 0 {
		alignedEnd := end + f.blockSize - end%f.blockSize
		if alignedEnd < f.size {
			end = alignedEnd
		} else {
			end = f.size
		}
	}

	bufs := f.quicklyFilteredBlocksLocked(m, 0, f.size)
	return buffer.MergeBuffersWithLimitsAndAlignment(bufs, alignedStart, end, f.blockSize)
}

// FlushBuffer is one materialized, contiguous, in-memory byte range ready
// to be written into blockstore dirty storage.
type FlushBuffer struct {
	Start, End uint64
	Data       []byte
}

// GetFlushMap materializes every pending RAM write into contiguous byte
// buffers (last-write-wins on overlap), returning the file's current size
// alongside them. Flushing does not clear the command log itself — the
// caller calls CreateMarker/DropUntilMarker to do that once the flushed
// data has safely landed in blockstore.
func (f *OpenedFile) GetFlushMap() (uint64, []FlushBuffer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ram []buffer.Buffer
	for _, c := range f.cmds {
		wc, ok := c.(WriteCmd)
		if !ok {
			continue
		}
		ram = append(ram, buffer.Buffer{Start: wc.Offset, End: wc.End(), Payload: buffer.Payload{Kind: buffer.PayloadRam, Ref: wc.Data}})
	}

	merged := buffer.MergeBuffers(ram)
	buffers := make([]FlushBuffer, 0, len(merged.Spans))
	for _, span := range merged.Spans {
		data := make([]byte, span.Size())
		for _, sl := range span.Slices {
			src := sl.Src.Payload.Ref.([]byte)
			copy(data[sl.Start-span.Start:sl.End-span.Start], src[sl.SrcStart:sl.SrcEnd])
		}
		buffers = append(buffers, FlushBuffer{Start: span.Start, End: span.End, Data: data})
	}
	return f.size, buffers
}

// CreateMarker pushes a MarkerCmd recording the file size at sync-prepare
// time, so a concurrent write appended mid-sync is never silently dropped
// by DropUntilMarker.
func (f *OpenedFile) CreateMarker() (MarkerCmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cmds {
		if _, ok := c.(MarkerCmd); ok {
			return MarkerCmd{}, fmt.Errorf("openfile: marker already set")
		}
	}
	marker := MarkerCmd{FileSize: f.size, Timestamp: time.Now()}
	f.cmds = append(f.cmds, marker)
	return marker, nil
}

// DropUntilMarker discards every command up to and including marker. The
// sync lock guarantees no concurrent marker could have raced ours.
func (f *OpenedFile) DropUntilMarker(marker MarkerCmd) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := -1
	for i, c := range f.cmds {
		if m, ok := c.(MarkerCmd); ok && m == marker {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	f.cmds = append([]Cmd(nil), f.cmds[idx+1:]...)
}
