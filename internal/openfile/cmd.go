// Package openfile implements the opened-file table (spec.md §4.4), the
// in-memory log of pending writes/truncates for a file that has an active
// file descriptor, structured around an OpenedFile/Table pair.
package openfile

import "time"

// Cmd is one of WriteCmd, TruncateCmd or MarkerCmd: the tagged command log
// an OpenedFile accumulates between syncs.
type Cmd interface {
	isCmd()
}

// WriteCmd records a write(offset, data) call. End is offset+len(data).
type WriteCmd struct {
	Offset    uint64
	Data      []byte
	Timestamp time.Time
}

func (WriteCmd) isCmd() {}

func (c WriteCmd) End() uint64 { return c.Offset + uint64(len(c.Data)) }

// TruncateCmd records a truncate(length) call that shrank the file.
type TruncateCmd struct {
	Length uint64
}

func (TruncateCmd) isCmd() {}

// MarkerCmd is a sentinel pushed onto the command log before a sync begins,
// so DropUntilMarker can later discard exactly the commands that were
// flushed, without racing a concurrent write appended mid-sync.
type MarkerCmd struct {
	FileSize  uint64
	Timestamp time.Time
}

func (MarkerCmd) isCmd() {}
