package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/backend"
	"github.com/parsec-cloud/parsec-sync/internal/blockstore"
	"github.com/parsec-cloud/parsec-sync/internal/crypto"
	"github.com/parsec-cloud/parsec-sync/internal/manifest"
	"github.com/parsec-cloud/parsec-sync/internal/model"
	"github.com/parsec-cloud/parsec-sync/internal/openfile"
)

// fakeTransport is a minimal in-memory vlob/block store implementing
// backend.Transport, enough to exercise the syncer's protocol without a
// real backend.
type fakeTransport struct {
	mu       sync.Mutex
	vlobs    map[model.EntryID]fakeVlob
	blocks   map[model.EntryID][]byte
	failNext int // when > 0, Send fails the next call and decrements this
}

type fakeVlob struct {
	version uint32
	blob    []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{vlobs: map[model.EntryID]fakeVlob{}, blocks: map[model.EntryID][]byte{}}
}

func (f *fakeTransport) Send(ctx context.Context, req backend.Request) (backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return backend.Response{}, errors.New("fake: simulated transport failure")
	}

	switch req.Method {
	case backend.MethodVlobCreate:
		p := req.Params.(backend.VlobCreateParams)
		if _, ok := f.vlobs[p.ID]; ok {
			return backend.Response{ErrorCode: "already_exists"}, nil
		}
		f.vlobs[p.ID] = fakeVlob{version: 1, blob: p.Blob}
		return backend.Response{}, nil

	case backend.MethodVlobUpdate:
		p := req.Params.(backend.VlobUpdateParams)
		cur, ok := f.vlobs[p.ID]
		if !ok {
			return backend.Response{ErrorCode: "not_found"}, nil
		}
		if p.Version != cur.version+1 {
			return backend.Response{ErrorCode: "bad_version"}, nil
		}
		f.vlobs[p.ID] = fakeVlob{version: p.Version, blob: p.Blob}
		return backend.Response{}, nil

	case backend.MethodVlobRead:
		p := req.Params.(backend.VlobReadParams)
		cur, ok := f.vlobs[p.ID]
		if !ok {
			return backend.Response{ErrorCode: "not_found"}, nil
		}
		return backend.Response{Result: backend.VlobReadResult{Version: cur.version, Blob: cur.blob}}, nil

	case backend.MethodBlockCreate:
		p := req.Params.(backend.BlockCreateParams)
		if _, ok := f.blocks[p.ID]; ok {
			return backend.Response{ErrorCode: "already_exists"}, nil
		}
		f.blocks[p.ID] = p.Block
		return backend.Response{}, nil

	case backend.MethodBlockRead:
		p := req.Params.(struct{ ID model.EntryID })
		b, ok := f.blocks[p.ID]
		if !ok {
			return backend.Response{ErrorCode: "not_found"}, nil
		}
		return backend.Response{Result: b}, nil

	case backend.MethodPing:
		p := req.Params.(struct{ Ping string })
		return backend.Response{Result: p.Ping}, nil
	}
	return backend.Response{}, nil
}

type testHarness struct {
	syncer    *Syncer
	manifests *manifest.Store
	blocks    *blockstore.Store
	transport *fakeTransport
	root      model.EntryID
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	root := model.NewEntryID()
	manifests := manifest.New(manifest.NewMemKV(), root)
	blocks, err := blockstore.New(blockstore.Config{CacheDir: t.TempDir(), CacheSizeEntries: 100}, nil)
	if err != nil {
		t.Fatalf("new blockstore: %v", err)
	}
	transport := newFakeTransport()
	signing, err := crypto.NewSigningKey("device1")
	if err != nil {
		t.Fatalf("new signing key: %v", err)
	}
	devices := crypto.NewDeviceDirectory()
	devices.Register(signing.VerifyKey())

	sy := New(Deps{
		Manifests: manifests,
		OpenFiles: openfile.NewTable(),
		Blocks:    blocks,
		Backend:   backend.New(transport, nil),
		Events:    noopEvents{},
		Signing:   signing,
		Devices:   devices,
		Tracker:   crypto.NewTimestampTracker(),
		BlockSize: 4,
		Device:    "device1",
	})

	rootFolder := model.NewPlaceholderFolder(model.KindWorkspace)
	rootFolder.PlaceholderField = false
	rootFolder.NeedSyncField = false
	if err := manifests.Set(model.Access{ID: root}, rootFolder); err != nil {
		t.Fatalf("seed root: %v", err)
	}

	return &testHarness{syncer: sy, manifests: manifests, blocks: blocks, transport: transport, root: root}
}

type noopEvents struct{}

func (noopEvents) EntrySynced(model.EntryID) {}
func (noopEvents) BackendOnline()            {}
func (noopEvents) BackendOffline()           {}

// recordingEvents counts backend.online/backend.offline emissions so tests
// can assert on the offline-policy transitions without a real event bus.
type recordingEvents struct {
	online, offline int
}

func (*recordingEvents) EntrySynced(model.EntryID) {}
func (e *recordingEvents) BackendOnline()          { e.online++ }
func (e *recordingEvents) BackendOffline()         { e.offline++ }

func (h *testHarness) addChild(t *testing.T, parent model.EntryID, name string, m model.Manifest) model.Access {
	t.Helper()
	access := model.Access{ID: model.NewEntryID(), WriteToken: "wts", ReadToken: "rts"}
	if err := h.manifests.Set(access, m); err != nil {
		t.Fatalf("set child manifest: %v", err)
	}
	pm, err := h.manifests.Get(model.Access{ID: parent})
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	folder := pm.(*model.FolderManifest)
	folder.Children[name] = access
	if err := h.manifests.Set(model.Access{ID: parent}, folder); err != nil {
		t.Fatalf("set parent: %v", err)
	}
	return access
}

func TestSyncFilePlaceholderPublishesAndCommits(t *testing.T) {
	h := newHarness(t)
	fm := model.NewPlaceholderFile("device1", time.Now())
	access := h.addChild(t, h.root, "a.txt", fm)

	fd := h.syncer.deps.OpenFiles.Open(access, fm, 4)
	fd.Write([]byte("hello"), 0)

	if err := h.syncer.SyncFile(context.Background(), access); err != nil {
		t.Fatalf("sync file: %v", err)
	}

	got, err := h.manifests.Get(access)
	if err != nil {
		t.Fatalf("get after sync: %v", err)
	}
	gotFile := got.(*model.FileManifest)
	if gotFile.Placeholder() || gotFile.NeedsSync() {
		t.Fatalf("expected placeholder resolved and need_sync cleared: %+v", gotFile)
	}
	if gotFile.BaseVersion() != 1 {
		t.Fatalf("expected base version 1, got %d", gotFile.BaseVersion())
	}
	if gotFile.Size != 5 {
		t.Fatalf("expected size 5, got %d", gotFile.Size)
	}
	if len(gotFile.DirtyBlocks) != 0 {
		t.Fatalf("expected dirty blocks cleared on commit, got %+v", gotFile.DirtyBlocks)
	}
	if len(gotFile.Blocks) == 0 {
		t.Fatalf("expected published blocks, got none")
	}

	vlob, ok := h.transport.vlobs[access.ID]
	if !ok || vlob.version != 1 {
		t.Fatalf("expected vlob published at version 1, got %+v ok=%v", vlob, ok)
	}
}

func TestSyncFileNothingToSyncMarksOutdated(t *testing.T) {
	h := newHarness(t)
	fm := &model.FileManifest{BaseVersionField: 1, Size: 0}
	access := h.addChild(t, h.root, "clean.txt", fm)

	if err := h.syncer.SyncFile(context.Background(), access); err != nil {
		t.Fatalf("sync file: %v", err)
	}
	if _, err := h.manifests.Get(access); err == nil {
		t.Fatalf("expected manifest marked outdated (missing) after no-op sync")
	}
}

func TestSyncFileSecondSyncWithNoWritesIsNoOp(t *testing.T) {
	h := newHarness(t)
	fm := model.NewPlaceholderFile("device1", time.Now())
	access := h.addChild(t, h.root, "b.txt", fm)
	fd := h.syncer.deps.OpenFiles.Open(access, fm, 4)
	fd.Write([]byte("xyz"), 0)

	if err := h.syncer.SyncFile(context.Background(), access); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if vlob := h.transport.vlobs[access.ID]; vlob.version != 1 {
		t.Fatalf("expected version 1 after first sync, got %d", vlob.version)
	}

	// Nothing changed since: the open fd has no pending writes past the
	// marker, so PREPARE finds need_sync false and drops the cached
	// manifest without touching the backend again.
	if err := h.syncer.SyncFile(context.Background(), access); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if vlob := h.transport.vlobs[access.ID]; vlob.version != 1 {
		t.Fatalf("expected no new publish on no-op second sync, version is now %d", vlob.version)
	}
	if _, err := h.manifests.Get(access); err == nil {
		t.Fatalf("expected local manifest dropped (outdated) after no-op sync")
	}
}

func TestSyncFileBadVersionForks(t *testing.T) {
	h := newHarness(t)
	fm := model.NewPlaceholderFile("device1", time.Now())
	access := h.addChild(t, h.root, "c.txt", fm)
	fd := h.syncer.deps.OpenFiles.Open(access, fm, 4)
	fd.Write([]byte("v1"), 0)
	if err := h.syncer.SyncFile(context.Background(), access); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Simulate a concurrent remote update bumping the vlob to version 2
	// out from under our local base_version=1 state.
	v := h.transport.vlobs[access.ID]
	v.version = 2
	h.transport.vlobs[access.ID] = v

	// New local edit that will race against the now-stale base_version.
	current, _ := h.manifests.Get(access)
	fd2 := h.syncer.deps.OpenFiles.Open(access, current.(*model.FileManifest), 4)
	fd2.Write([]byte("local-change"), 0)
	current.(*model.FileManifest).NeedSyncField = true
	if err := h.manifests.Set(access, current); err != nil {
		t.Fatalf("force need_sync: %v", err)
	}

	err := h.syncer.SyncFile(context.Background(), access)
	if err != ErrForked {
		t.Fatalf("expected ErrForked, got %v", err)
	}

	parent, err := h.manifests.Get(model.Access{ID: h.root})
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	folder := parent.(*model.FolderManifest)
	foundConflict := false
	for name := range folder.Children {
		if name != "c.txt" && len(name) > len("c.txt") {
			foundConflict = true
		}
	}
	if !foundConflict {
		t.Fatalf("expected a conflict-named child in root folder, got children %v", folder.Children)
	}
	if !folder.NeedsSync() {
		t.Fatalf("expected parent folder marked need_sync after fork")
	}
}

// TestSyncFileBadVersionForksAcrossDevices exercises the S4
// concurrent-remote-update scenario for real: the remote manifest the fork
// path fetches is signed by a different device than the local one, so the
// fork must resolve that device's verify key rather than assume the local
// device authored everything it reads.
func TestSyncFileBadVersionForksAcrossDevices(t *testing.T) {
	h := newHarness(t)
	fm := model.NewPlaceholderFile("device1", time.Now())
	access := h.addChild(t, h.root, "e.txt", fm)
	fd := h.syncer.deps.OpenFiles.Open(access, fm, 4)
	fd.Write([]byte("v1"), 0)
	if err := h.syncer.SyncFile(context.Background(), access); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	otherSigning, err := crypto.NewSigningKey("device2")
	if err != nil {
		t.Fatalf("new signing key for device2: %v", err)
	}
	h.syncer.deps.Devices.(*crypto.DeviceDirectory).Register(otherSigning.VerifyKey())

	remote := remoteFileManifest{
		Version: 2,
		Size:    5,
		Blocks:  nil,
		Author:  "device2",
	}
	ciphertext, err := signAndEncrypt(otherSigning, access.Key, remote)
	if err != nil {
		t.Fatalf("sign+encrypt remote manifest as device2: %v", err)
	}
	h.transport.vlobs[access.ID] = fakeVlob{version: 2, blob: ciphertext}

	current, _ := h.manifests.Get(access)
	fd2 := h.syncer.deps.OpenFiles.Open(access, current.(*model.FileManifest), 4)
	fd2.Write([]byte("local-change"), 0)
	current.(*model.FileManifest).NeedSyncField = true
	if err := h.manifests.Set(access, current); err != nil {
		t.Fatalf("force need_sync: %v", err)
	}

	if err := h.syncer.SyncFile(context.Background(), access); err != ErrForked {
		t.Fatalf("expected ErrForked, got %v", err)
	}

	got, err := h.manifests.Get(access)
	if err != nil {
		t.Fatalf("get after fork: %v", err)
	}
	if got.(*model.FileManifest).Author != "device2" {
		t.Fatalf("expected committed remote manifest authored by device2, got %q", got.(*model.FileManifest).Author)
	}
}

func TestRecordBackendOutcomeTripsOfflineAfterConsecutiveUnavailable(t *testing.T) {
	h := newHarness(t)
	events := &recordingEvents{}
	h.syncer.deps.Events = events

	for i := 1; i < maxConsecutiveUnavailable; i++ {
		h.syncer.recordBackendOutcome(model.ErrUnavailable)
		if h.syncer.isOffline() {
			t.Fatalf("expected still online after %d consecutive failures", i)
		}
	}
	h.syncer.recordBackendOutcome(model.ErrUnavailable)
	if !h.syncer.isOffline() {
		t.Fatalf("expected offline after %d consecutive failures", maxConsecutiveUnavailable)
	}
	if events.offline != 1 {
		t.Fatalf("expected exactly one backend.offline emission, got %d", events.offline)
	}

	// Further failures while already offline must not re-emit.
	h.syncer.recordBackendOutcome(model.ErrUnavailable)
	if events.offline != 1 {
		t.Fatalf("expected no duplicate backend.offline emission, got %d", events.offline)
	}

	h.syncer.recordBackendOutcome(nil)
	if h.syncer.isOffline() {
		t.Fatalf("expected online again after a successful call")
	}
	if events.online != 1 {
		t.Fatalf("expected exactly one backend.online emission, got %d", events.online)
	}
}

func TestSyncFileShortCircuitsWhenOffline(t *testing.T) {
	h := newHarness(t)
	fm := model.NewPlaceholderFile("device1", time.Now())
	access := h.addChild(t, h.root, "d.txt", fm)
	fd := h.syncer.deps.OpenFiles.Open(access, fm, 4)
	fd.Write([]byte("hi"), 0)

	h.syncer.offlineMu.Lock()
	h.syncer.offline = true
	h.syncer.offlineMu.Unlock()

	err := h.syncer.SyncFile(context.Background(), access)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if len(h.transport.blocks) != 0 {
		t.Fatalf("expected no block upload attempted while offline")
	}
}

func TestPingClearsOfflineOnSuccess(t *testing.T) {
	h := newHarness(t)
	events := &recordingEvents{}
	h.syncer.deps.Events = events

	h.syncer.offlineMu.Lock()
	h.syncer.offline = true
	h.syncer.consecutiveUnavailable = maxConsecutiveUnavailable
	h.syncer.offlineMu.Unlock()

	if err := h.syncer.Ping(context.Background(), "hello"); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if h.syncer.isOffline() {
		t.Fatalf("expected offline cleared after successful ping")
	}
	if events.online != 1 {
		t.Fatalf("expected one backend.online emission, got %d", events.online)
	}
}

func TestPingPropagatesTransportFailureAsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.transport.failNext = 1

	err := h.syncer.Ping(context.Background(), "hello")
	if !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
