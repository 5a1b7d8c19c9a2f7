package buffer

import (
	"sort"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// QuickFilter returns the blocks whose [offset, offset+size) range
// intersects [lo, hi). It is a single O(n) pass with no allocation for
// blocks that don't intersect.
func QuickFilter(blocks []model.BlockRef, lo, hi uint64) []model.BlockRef {
	var out []model.BlockRef
	for _, b := range blocks {
		end := checkNoOverflow(b.Offset, uint64(b.Size))
		if b.Offset < hi && end > lo {
			out = append(out, b)
		}
	}
	return out
}

// clipped is an input Buffer that intersects the window, remembering the
// original index in the input slice so overlay order ("later entries win")
// is preserved even after clipping and sorting by boundary. The Buffer keeps
// its original range, so slice SrcStart/SrcEnd stay offsets into its payload.
type clipped struct {
	Buffer
	idx int
}

type piece struct {
	start, end uint64
	winner     *clipped
}

// coverPieces splits [lo, hi) at every clipped-buffer boundary plus any
// extra hint boundaries, assigning each resulting sub-interval to the
// highest-index buffer that fully covers it (nil if none does).
func coverPieces(bs []Buffer, lo, hi uint64, hints map[uint64]struct{}) []piece {
	if hi <= lo {
		return nil
	}

	clippedBufs := make([]clipped, 0, len(bs))
	boundSet := map[uint64]struct{}{lo: {}, hi: {}}
	for h := range hints {
		if h > lo && h < hi {
			boundSet[h] = struct{}{}
		}
	}
	for i, b := range bs {
		b.validate()
		start, end := b.Start, b.End
		if start < lo {
			start = lo
		}
		if end > hi {
			end = hi
		}
		if end <= start {
			continue // zero-length after clipping: elided
		}
		clippedBufs = append(clippedBufs, clipped{b, i})
		boundSet[start] = struct{}{}
		boundSet[end] = struct{}{}
	}

	bounds := make([]uint64, 0, len(boundSet))
	for b := range boundSet {
		bounds = append(bounds, b)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

	pieces := make([]piece, 0, len(bounds))
	for i := 0; i+1 < len(bounds); i++ {
		p, q := bounds[i], bounds[i+1]
		var winner *clipped
		for j := range clippedBufs {
			cb := &clippedBufs[j]
			if cb.Start <= p && cb.End >= q {
				if winner == nil || cb.idx > winner.idx {
					winner = cb
				}
			}
		}
		if winner != nil {
			pieces = append(pieces, piece{p, q, winner})
		}
	}
	return pieces
}

// piecesToSpans groups adjacent pieces into minimal maximal contiguous
// spans, coalescing consecutive pieces won by the very same source buffer
// (by original index) into a single slice, except across a boundary listed
// in cuts.
func piecesToSpans(pieces []piece, cuts map[uint64]struct{}) []Span {
	var spans []Span
	var curSlices []Slice
	var curIdx []int
	var spanStart, spanEnd uint64

	flush := func() {
		if len(curSlices) > 0 {
			spans = append(spans, Span{Start: spanStart, End: spanEnd, Slices: curSlices})
			curSlices = nil
			curIdx = nil
		}
	}

	for _, p := range pieces {
		if len(curSlices) > 0 && p.start != spanEnd {
			flush()
		}
		if len(curSlices) == 0 {
			spanStart = p.start
		}
		spanEnd = p.end

		last := len(curSlices) - 1
		_, cut := cuts[p.start]
		if !cut && last >= 0 && curIdx[last] == p.winner.idx && curSlices[last].End == p.start {
			curSlices[last].End = p.end
			curSlices[last].SrcEnd = p.end - p.winner.Start
			continue
		}
		curSlices = append(curSlices, Slice{
			Start:    p.start,
			End:      p.end,
			Src:      p.winner.Buffer,
			SrcStart: p.start - p.winner.Start,
			SrcEnd:   p.end - p.winner.Start,
		})
		curIdx = append(curIdx, p.winner.idx)
	}
	flush()
	return spans
}

// MergeBuffers overlays bs in list order (last wins on overlap), producing
// the minimum set of maximal contiguous spans with their constituent
// slices. Zero-length buffers are elided.
func MergeBuffers(bs []Buffer) Space {
	var lo, hi uint64
	found := false
	for _, b := range bs {
		b.validate()
		if b.Start == b.End {
			continue
		}
		if !found || b.Start < lo {
			lo = b.Start
		}
		if !found || b.End > hi {
			hi = b.End
		}
		found = true
	}
	if !found {
		return Space{}
	}
	return Space{Start: lo, End: hi, Spans: piecesToSpans(coverPieces(bs, lo, hi, nil), nil)}
}

// MergeBuffersWithLimits overlays bs clipped to [lo, hi). The result
// contains at most one contiguous span; its Start equals lo iff the window
// is fully covered starting from lo (a read can only return a contiguous
// prefix of the requested window).
func MergeBuffersWithLimits(bs []Buffer, lo, hi uint64) Space {
	spans := piecesToSpans(coverPieces(bs, lo, hi, nil), nil)
	for _, s := range spans {
		if s.Start == lo {
			return Space{Start: lo, End: s.End, Spans: []Span{s}}
		}
	}
	return Space{Start: lo, End: lo}
}

// MergeBuffersWithLimitsAndAlignment overlays bs clipped to [lo, hi), with
// the returned span's internal slice boundaries additionally cut at every
// multiple of blockSize. Callers (the opened-file table's sync map) are
// expected to have already aligned lo down and hi up to blockSize multiples
// (or to the file's size, whichever is smaller) — see spec.md §4.4's
// get_sync_map. The function guarantees the single returned span never
// straddles a block boundary within one slice, so the caller can chunk it
// into uploadable block-sized ciphertexts by walking slices.
func MergeBuffersWithLimitsAndAlignment(bs []Buffer, lo, hi, blockSize uint64) Space {
	if blockSize == 0 {
		return MergeBuffersWithLimits(bs, lo, hi)
	}

	hints := map[uint64]struct{}{}
	for b := (lo / blockSize) * blockSize; b < hi; b += blockSize {
		hints[b] = struct{}{}
	}

	spans := piecesToSpans(coverPieces(bs, lo, hi, hints), hints)
	for _, s := range spans {
		if s.Start == lo {
			return Space{Start: lo, End: s.End, Spans: []Span{s}}
		}
	}
	return Space{Start: lo, End: lo}
}
