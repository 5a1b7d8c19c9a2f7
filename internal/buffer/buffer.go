// Package buffer implements the interval arithmetic over heterogeneous
// buffers (RAM writes, locally persisted dirty blocks, remote clean blocks)
// described in spec.md §4.2. It is the central reusable abstraction the rest
// of the sync engine is built on: reads compose ranges through it, and sync
// flattens the overlay into block-aligned ciphertexts through it.
//
// The algebra is payload-agnostic (Design Note, spec.md §9): a Buffer only
// carries an opaque Payload reference and the byte range it occupies. It
// threads that reference through unchanged; only the caller (block store,
// syncer) interprets what the payload actually is.
package buffer

import (
	"fmt"
)

// PayloadKind tags where the bytes behind a Buffer live.
type PayloadKind uint8

const (
	PayloadRam PayloadKind = iota
	PayloadDirtyBlock
	PayloadCleanBlock
)

// Payload is an opaque reference to the bytes occupying a Buffer's range.
// Ref is interpreted by the block store: []byte for PayloadRam, a
// model.BlockRef for PayloadDirtyBlock/PayloadCleanBlock.
type Payload struct {
	Kind PayloadKind
	Ref  any
}

// Buffer denotes occupancy of byte range [Start, End) by Payload.
type Buffer struct {
	Start, End uint64
	Payload    Payload
}

func (b Buffer) size() uint64 { return b.End - b.Start }

func (b Buffer) validate() {
	if b.End < b.Start {
		panic(fmt.Sprintf("buffer: invalid range [%d, %d)", b.Start, b.End))
	}
}

// Slice records which slice of a source Buffer realizes range [Start, End).
type Slice struct {
	Start, End       uint64
	Src              Buffer
	SrcStart, SrcEnd uint64
}

// Span is a maximal contiguous range covered by one or more Slices, ordered
// by Start.
type Span struct {
	Start, End uint64
	Slices     []Slice
}

func (s Span) Size() uint64 { return s.End - s.Start }

// Space is the result of overlaying a list of Buffers: the minimum set of
// maximal contiguous spans, in increasing order, plus the overall
// [Start, End) window the caller asked about.
type Space struct {
	Start, End uint64
	Spans      []Span
}

func (s Space) Size() uint64 { return s.End - s.Start }

// Offsets are unsigned 64-bit; overflow on Start+size is a precondition
// violation (caller error), not a silent wrap — checked here defensively.
func checkNoOverflow(start uint64, size uint64) uint64 {
	end := start + size
	if end < start {
		panic("buffer: offset overflow")
	}
	return end
}
