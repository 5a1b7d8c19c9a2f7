package manifest

import (
	"errors"
	"testing"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

func TestGetMissingEntryReturnsLocalDBMissingEntry(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)

	_, err := s.Get(model.Access{ID: model.NewEntryID()})
	if !errors.Is(err, model.ErrLocalDBMissingEntry) {
		t.Fatalf("expected ErrLocalDBMissingEntry, got %v", err)
	}
}

func TestSetGetRoundTripFile(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)

	access := model.Access{ID: model.NewEntryID()}
	fm := model.NewPlaceholderFile("device1", time.Now())
	fm.Size = 42

	if err := s.Set(access, fm); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(access)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	gotFile, ok := got.(*model.FileManifest)
	if !ok {
		t.Fatalf("expected *FileManifest, got %T", got)
	}
	if gotFile.Size != 42 || !gotFile.Placeholder() || !gotFile.NeedsSync() {
		t.Fatalf("round trip mismatch: %+v", gotFile)
	}
}

func TestSetGetRoundTripFolder(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)

	access := model.Access{ID: model.NewEntryID()}
	folder := model.NewPlaceholderFolder(model.KindFolder)
	child := model.Access{ID: model.NewEntryID()}
	folder.Children["a.txt"] = child

	if err := s.Set(access, folder); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(access)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	gotFolder, ok := got.(*model.FolderManifest)
	if !ok {
		t.Fatalf("expected *FolderManifest, got %T", got)
	}
	if gotFolder.Children["a.txt"].ID != child.ID {
		t.Fatalf("children mismatch: %+v", gotFolder.Children)
	}
}

func TestMarkOutdatedDropsLocalCopy(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)
	access := model.Access{ID: model.NewEntryID()}
	_ = s.Set(access, model.NewPlaceholderFile("device1", time.Now()))

	s.MarkOutdated(access)

	_, err := s.Get(access)
	if !errors.Is(err, model.ErrLocalDBMissingEntry) {
		t.Fatalf("expected ErrLocalDBMissingEntry after MarkOutdated, got %v", err)
	}
}

// buildTree sets up:  root(folder) -> "docs"(folder) -> "a.txt"(file)
//
//	                -> "b.txt"(file)
func buildTree(t *testing.T, s *Store, root model.EntryID) (docs, aTxt, bTxt model.Access) {
	t.Helper()

	docs = model.Access{ID: model.NewEntryID()}
	aTxt = model.Access{ID: model.NewEntryID()}
	bTxt = model.Access{ID: model.NewEntryID()}

	rootFolder := model.NewPlaceholderFolder(model.KindWorkspace)
	rootFolder.Children["docs"] = docs
	rootFolder.Children["b.txt"] = bTxt
	if err := s.Set(model.Access{ID: root}, rootFolder); err != nil {
		t.Fatalf("set root: %v", err)
	}

	docsFolder := model.NewPlaceholderFolder(model.KindFolder)
	docsFolder.Children["a.txt"] = aTxt
	if err := s.Set(docs, docsFolder); err != nil {
		t.Fatalf("set docs: %v", err)
	}

	if err := s.Set(aTxt, model.NewPlaceholderFile("device1", time.Now())); err != nil {
		t.Fatalf("set a.txt: %v", err)
	}
	if err := s.Set(bTxt, model.NewPlaceholderFile("device1", time.Now())); err != nil {
		t.Fatalf("set b.txt: %v", err)
	}
	return docs, aTxt, bTxt
}

func TestGetEntryPathNested(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)
	docs, aTxt, _ := buildTree(t, s, root)

	path, access, ancestors, err := s.GetEntryPath(aTxt.ID)
	if err != nil {
		t.Fatalf("get entry path: %v", err)
	}
	if path != "/docs/a.txt" {
		t.Fatalf("unexpected path %q", path)
	}
	if access.ID != aTxt.ID {
		t.Fatalf("unexpected access %+v", access)
	}
	if len(ancestors) != 2 || ancestors[0].ID != root || ancestors[1].ID != docs.ID {
		t.Fatalf("unexpected ancestors %+v", ancestors)
	}
}

func TestGetEntryPathDirectChild(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)
	_, _, bTxt := buildTree(t, s, root)

	path, access, ancestors, err := s.GetEntryPath(bTxt.ID)
	if err != nil {
		t.Fatalf("get entry path: %v", err)
	}
	if path != "/b.txt" {
		t.Fatalf("unexpected path %q", path)
	}
	if access.ID != bTxt.ID {
		t.Fatalf("unexpected access")
	}
	if len(ancestors) != 1 || ancestors[0].ID != root {
		t.Fatalf("unexpected ancestors %+v", ancestors)
	}
}

func TestGetEntryPathRoot(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)
	_, _, _ = buildTree(t, s, root)

	path, access, ancestors, err := s.GetEntryPath(root)
	if err != nil {
		t.Fatalf("get entry path: %v", err)
	}
	if path != "/" || access.ID != root || ancestors != nil {
		t.Fatalf("unexpected root resolution: path=%q access=%+v ancestors=%+v", path, access, ancestors)
	}
}

func TestGetEntryPathUnknownEntryReturnsNotFound(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)
	buildTree(t, s, root)

	_, _, _, err := s.GetEntryPath(model.NewEntryID())
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetBeaconsNestedEntryIncludesAllFolderAncestors(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)
	docs, _, _ := buildTree(t, s, root)

	beacons, err := s.GetBeacons("/docs/a.txt")
	if err != nil {
		t.Fatalf("get beacons: %v", err)
	}
	if len(beacons) != 2 {
		t.Fatalf("expected 2 beacons (root, docs), got %d: %+v", len(beacons), beacons)
	}
	if beacons[0].ID != root || beacons[1].ID != docs.ID {
		t.Fatalf("unexpected beacon order: %+v", beacons)
	}
}

func TestGetBeaconsRootLevelEntry(t *testing.T) {
	root := model.NewEntryID()
	s := New(NewMemKV(), root)
	buildTree(t, s, root)

	beacons, err := s.GetBeacons("/b.txt")
	if err != nil {
		t.Fatalf("get beacons: %v", err)
	}
	if len(beacons) != 1 || beacons[0].ID != root {
		t.Fatalf("unexpected beacons: %+v", beacons)
	}
}
