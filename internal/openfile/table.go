package openfile

import (
	"sync"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// Table tracks every currently-open file descriptor, keyed by entry id,
// including placeholder-resolution bookkeeping: a placeholder access gets
// replaced by its backend-assigned access on first successful publish, but
// any fd a caller is already holding must keep working under the new id.
type Table struct {
	mu sync.Mutex

	files               map[model.EntryID]*OpenedFile
	resolvedPlaceholder map[model.EntryID]model.EntryID // placeholder id -> resolved id
}

func NewTable() *Table {
	return &Table{
		files:               make(map[model.EntryID]*OpenedFile),
		resolvedPlaceholder: make(map[model.EntryID]model.EntryID),
	}
}

// IsOpened reports whether access currently has an open file descriptor.
func (t *Table) IsOpened(access model.Access) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lookupLocked(access.ID)
	return ok
}

// Lookup returns the open file descriptor for access without creating one,
// for callers (the syncer) that only care whether a descriptor already
// exists.
func (t *Table) Lookup(access model.Access) (*OpenedFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(access.ID)
}

func (t *Table) lookupLocked(id model.EntryID) (*OpenedFile, bool) {
	if f, ok := t.files[id]; ok {
		return f, true
	}
	if resolved, ok := t.resolvedPlaceholder[id]; ok {
		f, ok := t.files[resolved]
		return f, ok
	}
	return nil, false
}

// Open returns the OpenedFile for access, creating it from manifest if not
// already open. Re-opening an already-open file returns the same instance
// (its base version is expected to match the manifest's).
func (t *Table) Open(access model.Access, manifest *model.FileManifest, blockSize uint64) *OpenedFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.lookupLocked(access.ID); ok {
		return f
	}
	f := New(access, manifest.Size, manifest.BaseVersionField, blockSize)
	t.files[access.ID] = f
	return f
}

// Close drops the file descriptor for access, and any placeholder aliases
// that had been resolved onto it.
func (t *Table) Close(access model.Access) *OpenedFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.files[access.ID]; ok {
		delete(t.files, access.ID)
		for k, v := range t.resolvedPlaceholder {
			if v == access.ID {
				delete(t.resolvedPlaceholder, k)
			}
		}
		return f
	}
	if resolved, ok := t.resolvedPlaceholder[access.ID]; ok {
		delete(t.resolvedPlaceholder, access.ID)
		f := t.files[resolved]
		delete(t.files, resolved)
		return f
	}
	return nil
}

// ResolvePlaceholderAccess rekeys an open placeholder file descriptor onto
// its backend-assigned access after first successful publish. Subsequent
// lookups by the placeholder id are redirected via resolvedPlaceholder. A
// no-op if placeholderAccess wasn't open.
func (t *Table) ResolvePlaceholderAccess(placeholderAccess, resolvedAccess model.Access) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[placeholderAccess.ID]
	if !ok {
		return
	}
	delete(t.files, placeholderAccess.ID)
	f.SetAccess(resolvedAccess)
	t.files[resolvedAccess.ID] = f
	t.resolvedPlaceholder[placeholderAccess.ID] = resolvedAccess.ID
}

// MoveModifications rekeys an open file descriptor from oldAccess to
// newAccess outright (used on rename, as opposed to placeholder
// resolution, which keeps the old id reachable as an alias).
func (t *Table) MoveModifications(oldAccess, newAccess model.Access) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[oldAccess.ID]
	if !ok {
		return
	}
	delete(t.files, oldAccess.ID)
	f.SetAccess(newAccess)
	t.files[newAccess.ID] = f
}
