package fsfacade

import (
	"fmt"
	"strings"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// Stat reports the manifest kind, size and version of the entry at path.
type Stat struct {
	Kind        model.ManifestKind
	Size        uint64
	BaseVersion uint32
	Placeholder bool
}

func (f *Facade) Stat(path string) (Stat, error) {
	access, err := f.resolveAccess(path)
	if err != nil {
		return Stat{}, err
	}
	m, err := f.deps.Manifests.Get(access)
	if err != nil {
		return Stat{}, err
	}
	st := Stat{Kind: m.Kind(), BaseVersion: m.BaseVersion(), Placeholder: m.Placeholder()}
	if fm, ok := m.(*model.FileManifest); ok {
		st.Size = fm.Size
	}
	return st, nil
}

// splitParent splits path into its parent directory and final component.
// path must be absolute and non-root.
func splitParent(path string) (parent, name string, err error) {
	if path == "" || path == "/" {
		return "", "", fmt.Errorf("fsfacade: %q has no parent", path)
	}
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("fsfacade: malformed path %q", path)
	}
	name = trimmed[idx+1:]
	parent = trimmed[:idx]
	if parent == "" {
		parent = "/"
	}
	return parent, name, nil
}

func (f *Facade) parentFolder(path string) (model.Access, *model.FolderManifest, string, error) {
	parentPath, name, err := splitParent(path)
	if err != nil {
		return model.Access{}, nil, "", err
	}
	parentAccess, err := f.resolveAccess(parentPath)
	if err != nil {
		return model.Access{}, nil, "", err
	}
	m, err := f.deps.Manifests.Get(parentAccess)
	if err != nil {
		return model.Access{}, nil, "", err
	}
	folder, ok := m.(*model.FolderManifest)
	if !ok {
		return model.Access{}, nil, "", fmt.Errorf("fsfacade: parent of %q is not a folder", path)
	}
	return parentAccess, folder.Clone(), name, nil
}

// Mkdir creates a new placeholder folder named by the last path component,
// linking it into its parent's children map and marking the parent
// need_sync (spec.md §4.9).
func (f *Facade) Mkdir(path string) (model.Access, error) {
	parentAccess, parent, name, err := f.parentFolder(path)
	if err != nil {
		return model.Access{}, err
	}
	if _, exists := parent.Children[name]; exists {
		return model.Access{}, fmt.Errorf("fsfacade: %q already exists", path)
	}

	child := model.NewPlaceholderFolder(model.KindFolder)
	access := model.Access{ID: model.NewEntryID()}
	if err := f.deps.Manifests.Set(access, child); err != nil {
		return model.Access{}, err
	}

	parent.Children[name] = access
	parent.SetNeedsSync(true)
	if err := f.deps.Manifests.Set(parentAccess, parent); err != nil {
		return model.Access{}, err
	}
	return access, nil
}

// CreateFile creates a new placeholder file entry named by the last path
// component of path, linking it into its parent.
func (f *Facade) CreateFile(path string) (model.Access, error) {
	parentAccess, parent, name, err := f.parentFolder(path)
	if err != nil {
		return model.Access{}, err
	}
	if _, exists := parent.Children[name]; exists {
		return model.Access{}, fmt.Errorf("fsfacade: %q already exists", path)
	}

	child := model.NewPlaceholderFile(f.deps.Device, time.Now())
	access := model.Access{ID: model.NewEntryID()}
	if err := f.deps.Manifests.Set(access, child); err != nil {
		return model.Access{}, err
	}

	parent.Children[name] = access
	parent.SetNeedsSync(true)
	if err := f.deps.Manifests.Set(parentAccess, parent); err != nil {
		return model.Access{}, err
	}
	return access, nil
}

// Rmdir removes an empty folder entry named by path from its parent.
func (f *Facade) Rmdir(path string) error {
	parentAccess, parent, name, err := f.parentFolder(path)
	if err != nil {
		return err
	}
	child, ok := parent.Children[name]
	if !ok {
		return fmt.Errorf("fsfacade: %q: %w", path, model.ErrLocalDBMissingEntry)
	}
	m, err := f.deps.Manifests.Get(child)
	if err != nil {
		return err
	}
	folder, ok := m.(*model.FolderManifest)
	if !ok {
		return fmt.Errorf("fsfacade: %q is not a folder", path)
	}
	if len(folder.Children) > 0 {
		return fmt.Errorf("fsfacade: %q is not empty", path)
	}

	delete(parent.Children, name)
	parent.SetNeedsSync(true)
	return f.deps.Manifests.Set(parentAccess, parent)
}

// Unlink removes a file entry named by path from its parent. Any open
// descriptor for it is closed first (writes still in memory are dropped,
// matching a real unlink of an open file's directory entry).
func (f *Facade) Unlink(path string) error {
	parentAccess, parent, name, err := f.parentFolder(path)
	if err != nil {
		return err
	}
	child, ok := parent.Children[name]
	if !ok {
		return fmt.Errorf("fsfacade: %q: %w", path, model.ErrLocalDBMissingEntry)
	}
	f.deps.OpenFiles.Close(child)

	delete(parent.Children, name)
	parent.SetNeedsSync(true)
	return f.deps.Manifests.Set(parentAccess, parent)
}

// Rename moves the entry named by src to dst, possibly across parent
// folders. Per spec.md §4.9 this only moves the access reference in the
// parent manifests — it never touches the entry's own data — and marks
// both the source and destination parents need_sync (a no-op additional
// write if src and dst share a parent).
func (f *Facade) Rename(src, dst string) error {
	srcParentAccess, srcParent, srcName, err := f.parentFolder(src)
	if err != nil {
		return err
	}
	access, ok := srcParent.Children[srcName]
	if !ok {
		return fmt.Errorf("fsfacade: %q: %w", src, model.ErrLocalDBMissingEntry)
	}

	dstParentAccess, dstParent, dstName, err := f.parentFolder(dst)
	if err != nil {
		return err
	}
	if _, exists := dstParent.Children[dstName]; exists {
		return fmt.Errorf("fsfacade: %q already exists", dst)
	}

	if srcParentAccess.ID == dstParentAccess.ID {
		delete(srcParent.Children, srcName)
		srcParent.Children[dstName] = access
		srcParent.SetNeedsSync(true)
		return f.deps.Manifests.Set(srcParentAccess, srcParent)
	}

	delete(srcParent.Children, srcName)
	srcParent.SetNeedsSync(true)
	if err := f.deps.Manifests.Set(srcParentAccess, srcParent); err != nil {
		return err
	}

	dstParent.Children[dstName] = access
	dstParent.SetNeedsSync(true)
	return f.deps.Manifests.Set(dstParentAccess, dstParent)
}
