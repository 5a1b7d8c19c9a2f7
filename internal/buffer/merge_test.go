package buffer

import (
	"reflect"
	"testing"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

func ramBuf(start, end uint64, tag string) Buffer {
	return Buffer{Start: start, End: end, Payload: Payload{Kind: PayloadRam, Ref: tag}}
}

func TestQuickFilterIntersects(t *testing.T) {
	blocks := []model.BlockRef{
		{Offset: 0, Size: 10},
		{Offset: 10, Size: 10},
		{Offset: 30, Size: 10},
	}
	got := QuickFilter(blocks, 5, 15)
	if len(got) != 2 {
		t.Fatalf("expected 2 intersecting blocks, got %d", len(got))
	}
}

func TestMergeBuffersLastWins(t *testing.T) {
	bs := []Buffer{
		ramBuf(0, 10, "a"),
		ramBuf(5, 8, "b"),
	}
	space := MergeBuffers(bs)
	if space.Start != 0 || space.End != 10 {
		t.Fatalf("unexpected window: %+v", space)
	}
	if len(space.Spans) != 1 {
		t.Fatalf("expected 1 contiguous span, got %d", len(space.Spans))
	}
	span := space.Spans[0]
	wantRanges := [][2]uint64{{0, 5}, {5, 8}, {8, 10}}
	if len(span.Slices) != len(wantRanges) {
		t.Fatalf("expected %d slices, got %d: %+v", len(wantRanges), len(span.Slices), span.Slices)
	}
	for i, r := range wantRanges {
		if span.Slices[i].Start != r[0] || span.Slices[i].End != r[1] {
			t.Fatalf("slice %d: got [%d,%d) want [%d,%d)", i, span.Slices[i].Start, span.Slices[i].End, r[0], r[1])
		}
	}
	if span.Slices[1].Src.Payload.Ref != "b" {
		t.Fatalf("expected overlap won by later buffer 'b', got %v", span.Slices[1].Src.Payload.Ref)
	}
}

func TestMergeBuffersGapProducesTwoSpans(t *testing.T) {
	bs := []Buffer{ramBuf(0, 5, "a"), ramBuf(10, 15, "b")}
	space := MergeBuffers(bs)
	if len(space.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d: %+v", len(space.Spans), space.Spans)
	}
}

func TestMergeBuffersZeroLengthElided(t *testing.T) {
	bs := []Buffer{ramBuf(3, 3, "empty"), ramBuf(0, 5, "a")}
	space := MergeBuffers(bs)
	if len(space.Spans) != 1 || space.Spans[0].Start != 0 || space.Spans[0].End != 5 {
		t.Fatalf("unexpected space: %+v", space)
	}
}

func TestMergeBuffersWithLimitsStartsAtLoWhenCovered(t *testing.T) {
	bs := []Buffer{ramBuf(0, 20, "a")}
	space := MergeBuffersWithLimits(bs, 5, 15)
	if len(space.Spans) != 1 {
		t.Fatalf("expected 1 span, got %+v", space)
	}
	if space.Spans[0].Start != 5 || space.Spans[0].End != 15 {
		t.Fatalf("unexpected clip: %+v", space.Spans[0])
	}
}

func TestMergeBuffersWithLimitsEmptyWhenGapAtStart(t *testing.T) {
	bs := []Buffer{ramBuf(8, 20, "a")}
	space := MergeBuffersWithLimits(bs, 0, 20)
	if len(space.Spans) != 0 {
		t.Fatalf("expected no contiguous prefix from lo, got %+v", space)
	}
	if space.Start != 0 || space.End != 0 {
		t.Fatalf("expected empty window at lo, got %+v", space)
	}
}

func TestMergeBuffersWithLimitsAndAlignment(t *testing.T) {
	bs := []Buffer{ramBuf(0, 10, "a")}
	space := MergeBuffersWithLimitsAndAlignment(bs, 0, 10, 4)
	if len(space.Spans) != 1 {
		t.Fatalf("expected 1 span, got %+v", space)
	}
	span := space.Spans[0]
	if span.Start%4 != 0 {
		t.Fatalf("span start %d not block aligned", span.Start)
	}
	if span.End%4 != 0 && span.End != 10 {
		t.Fatalf("span end %d neither block aligned nor equal to hi", span.End)
	}
	for _, sl := range span.Slices {
		if sl.Start%4 != 0 && sl.Start != span.Start {
			t.Fatalf("slice %+v crosses a block boundary unexpectedly", sl)
		}
	}
	// every block-size boundary strictly inside [0,10) must be a slice edge
	boundaries := map[uint64]bool{}
	for _, sl := range span.Slices {
		boundaries[sl.Start] = true
		boundaries[sl.End] = true
	}
	if !boundaries[4] || !boundaries[8] {
		t.Fatalf("expected slice cuts at block boundaries 4 and 8, got %+v", span.Slices)
	}
}

// TestBufferOverlaySemantics models spec.md property 2: for any list of
// Write(off, bytes) commands, read(0, size) equals the result of applying
// the commands in order to a zeroed byte array.
func TestBufferOverlaySemantics(t *testing.T) {
	size := uint64(12)
	want := make([]byte, size)
	apply := func(off uint64, data []byte) {
		copy(want[off:], data)
	}

	writes := []struct {
		off  uint64
		data []byte
	}{
		{0, []byte("hello world!")},
		{6, []byte("WORLD")},
	}

	var bufs []Buffer
	for _, w := range writes {
		apply(w.off, w.data)
		bufs = append(bufs, Buffer{Start: w.off, End: w.off + uint64(len(w.data)), Payload: Payload{Kind: PayloadRam, Ref: w.data}})
	}

	space := MergeBuffersWithLimits(bufs, 0, size)
	got := make([]byte, 0, size)
	for _, span := range space.Spans {
		for _, sl := range span.Slices {
			data := sl.Src.Payload.Ref.([]byte)
			got = append(got, data[sl.SrcStart:sl.SrcEnd]...)
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("overlay mismatch: got %q want %q", got, want)
	}
}
