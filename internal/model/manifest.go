package model

import "time"

// Hash is a content digest (sha256 of the plaintext block).
type Hash [32]byte

// BlockRef points at one immutable, encrypted byte range.
type BlockRef struct {
	Access Access
	Offset uint64
	Size   uint32
	Digest Hash
}

func (b BlockRef) End() uint64 { return b.Offset + uint64(b.Size) }

// ManifestKind distinguishes the tagged manifest variants. Folder, Workspace
// and User manifests share the same shape (children map, no block list) and
// are only distinguished by Kind, mirroring the original's dispatch on a
// "type" string rather than a Go type per role.
type ManifestKind uint8

const (
	KindFile ManifestKind = iota
	KindFolder
	KindWorkspace
	KindUser
)

func (k ManifestKind) IsFile() bool { return k == KindFile }

// Manifest is implemented by *FileManifest and *FolderManifest.
type Manifest interface {
	Kind() ManifestKind
	BaseVersion() uint32
	NeedsSync() bool
	SetNeedsSync(bool)
	Placeholder() bool
	SetPlaceholder(bool)
}

// FileManifest describes a regular file.
type FileManifest struct {
	BaseVersionField uint32
	Size             uint64
	Created          time.Time
	Updated          time.Time

	// Blocks are non-overlapping, sorted by offset, contiguous from 0,
	// covering exactly Size bytes (invariant 1 of spec.md §3).
	Blocks []BlockRef

	// DirtyBlocks may overlap Blocks and each other; later entries win on
	// overlap (invariant 2).
	DirtyBlocks []BlockRef

	NeedSyncField    bool
	PlaceholderField bool
	Author           DeviceID
}

func (m *FileManifest) Kind() ManifestKind    { return KindFile }
func (m *FileManifest) BaseVersion() uint32   { return m.BaseVersionField }
func (m *FileManifest) NeedsSync() bool       { return m.NeedSyncField }
func (m *FileManifest) SetNeedsSync(v bool)   { m.NeedSyncField = v }
func (m *FileManifest) Placeholder() bool     { return m.PlaceholderField }
func (m *FileManifest) SetPlaceholder(v bool) { m.PlaceholderField = v }

// Clone returns a deep-enough copy (block slices copied) so callers can
// mutate the result without aliasing the stored manifest.
func (m *FileManifest) Clone() *FileManifest {
	cp := *m
	cp.Blocks = append([]BlockRef(nil), m.Blocks...)
	cp.DirtyBlocks = append([]BlockRef(nil), m.DirtyBlocks...)
	return &cp
}

// FolderManifest describes a folder, workspace or user manifest — all three
// share a children-by-name map of Access tuples; parent pointers are never
// stored (Design Note: cyclic references).
type FolderManifest struct {
	KindField        ManifestKind
	BaseVersionField uint32
	Children         map[string]Access
	NeedSyncField    bool
	PlaceholderField bool
}

func (m *FolderManifest) Kind() ManifestKind    { return m.KindField }
func (m *FolderManifest) BaseVersion() uint32   { return m.BaseVersionField }
func (m *FolderManifest) NeedsSync() bool       { return m.NeedSyncField }
func (m *FolderManifest) SetNeedsSync(v bool)   { m.NeedSyncField = v }
func (m *FolderManifest) Placeholder() bool     { return m.PlaceholderField }
func (m *FolderManifest) SetPlaceholder(v bool) { m.PlaceholderField = v }

func (m *FolderManifest) Clone() *FolderManifest {
	cp := *m
	cp.Children = make(map[string]Access, len(m.Children))
	for k, v := range m.Children {
		cp.Children[k] = v
	}
	return &cp
}

// NewPlaceholderFile builds the in-memory manifest for a freshly created
// file entry: base_version == 0 iff is_placeholder (invariant 3).
func NewPlaceholderFile(author DeviceID, now time.Time) *FileManifest {
	return &FileManifest{
		BaseVersionField: 0,
		Created:          now,
		Updated:          now,
		PlaceholderField: true,
		NeedSyncField:    true,
		Author:           author,
	}
}

// NewPlaceholderFolder builds the in-memory manifest for a freshly created
// folder/workspace entry.
func NewPlaceholderFolder(kind ManifestKind) *FolderManifest {
	return &FolderManifest{
		KindField:        kind,
		BaseVersionField: 0,
		Children:         map[string]Access{},
		PlaceholderField: true,
		NeedSyncField:    true,
	}
}
