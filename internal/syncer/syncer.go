// Package syncer implements the reconciliation engine (spec.md §4.7): the
// PREPARE/MARKER/FLUSH/UPLOAD/COMMIT state machine, fork-on-BadVersion
// conflict resolution, and recursive folder sync. Grounded on
// SyncManager's (core/blockchain_synchronization.go) logger-carrying
// struct / lifecycle shape, and on core/replication.go's inventory/get-data
// request shapes for the upload/commit wire calls.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parsec-cloud/parsec-sync/internal/backend"
	"github.com/parsec-cloud/parsec-sync/internal/blockstore"
	"github.com/parsec-cloud/parsec-sync/internal/crypto"
	"github.com/parsec-cloud/parsec-sync/internal/manifest"
	"github.com/parsec-cloud/parsec-sync/internal/model"
	"github.com/parsec-cloud/parsec-sync/internal/openfile"
)

// ErrForked is returned by SyncFile/SyncFolder when a BadVersion conflict
// was detected and resolved by forking the local entry onto a new
// placeholder access. It is not a failure: the caller's next full sync
// pass will pick up and publish the new placeholder normally.
var ErrForked = errors.New("syncer: local entry forked on version conflict")

// ErrOffline is returned instead of attempting a backend call once the
// backend has been marked offline (spec.md §7: at most N=5 consecutive
// Unavailable errors before background sync stops retrying until a
// backend.online event). The entry's own need_sync state is untouched, so
// the next sync attempt after backend.online retries normally.
var ErrOffline = errors.New("syncer: backend marked offline, not retrying")

// maxConsecutiveUnavailable is spec.md §7's N.
const maxConsecutiveUnavailable = 5

// Deps bundles every collaborator the syncer drives. All fields are
// required except Logger and BlockSize, which default to the standard
// logger and 64 KiB. Tracker is stored but no sync path consults it.
type Deps struct {
	Manifests *manifest.Store
	OpenFiles *openfile.Table
	Blocks    *blockstore.Store
	Backend   *backend.Client
	Events    EventSink
	Signing   crypto.SigningKey
	Devices   VerifyKeyResolver
	Tracker   *crypto.TimestampTracker
	Logger    *logrus.Logger
	BlockSize uint64
	Device    model.DeviceID
}

// EventSink is the subset of internal/events.Bus the syncer needs — kept
// as an interface so tests don't have to construct a real bus.
type EventSink interface {
	EntrySynced(id model.EntryID)
	BackendOnline()
	BackendOffline()
}

// VerifyKeyResolver resolves the current verify key for a device id. A
// remote manifest fetched during a fork (conflict.go, folder.go) may have
// been authored by any device, not just the local one, so the syncer must
// look the signer's key up rather than assume it always matches its own.
type VerifyKeyResolver interface {
	VerifyKeyFor(id model.DeviceID) (crypto.VerifyKey, error)
}

// Syncer is the reconciliation engine. One process-wide lock serializes
// bookkeeping on the per-entry lock table; one lock per entry id then
// serializes the actual sync protocol for that entry (spec.md §4.7,
// testable property 7 "at-most-one sync").
type Syncer struct {
	deps Deps

	tableMu sync.Mutex
	locks   map[model.EntryID]*sync.Mutex

	offlineMu              sync.Mutex
	consecutiveUnavailable int
	offline                bool
}

func New(deps Deps) *Syncer {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.BlockSize == 0 {
		deps.BlockSize = 1 << 16
	}
	return &Syncer{deps: deps, locks: make(map[model.EntryID]*sync.Mutex)}
}

func (s *Syncer) lockFor(id model.EntryID) *sync.Mutex {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// isOffline reports whether background sync should stop retrying against
// the backend right now.
func (s *Syncer) isOffline() bool {
	s.offlineMu.Lock()
	defer s.offlineMu.Unlock()
	return s.offline
}

// recordBackendOutcome updates the consecutive-Unavailable counter after a
// backend call, flipping the offline flag (and emitting backend.online/
// backend.offline) on the transitions spec.md §7 names.
func (s *Syncer) recordBackendOutcome(err error) {
	s.offlineMu.Lock()
	defer s.offlineMu.Unlock()

	if errors.Is(err, model.ErrUnavailable) {
		s.consecutiveUnavailable++
		if s.consecutiveUnavailable >= maxConsecutiveUnavailable && !s.offline {
			s.offline = true
			s.deps.Events.BackendOffline()
		}
		return
	}

	s.consecutiveUnavailable = 0
	if s.offline {
		s.offline = false
		s.deps.Events.BackendOnline()
	}
}

// Ping round-trips a liveness check against the backend and records its
// outcome the same way a sync attempt would, so a background driver can
// discover the backend is reachable again (and clear the offline flag)
// without waiting for a file to need syncing.
func (s *Syncer) Ping(ctx context.Context, payload string) error {
	_, err := s.deps.Backend.Ping(ctx, payload)
	s.recordBackendOutcome(err)
	return err
}

// SyncFile runs the full PREPARE/MARKER/FLUSH/UPLOAD/COMMIT protocol for a
// single file entry.
func (s *Syncer) SyncFile(ctx context.Context, access model.Access) error {
	lock := s.lockFor(access.ID)
	lock.Lock()
	defer lock.Unlock()

	log := s.deps.Logger.WithField("entry", access.ID.String())

	// PREPARE
	m, err := s.deps.Manifests.Get(access)
	if errors.Is(err, model.ErrLocalDBMissingEntry) {
		return nil // nothing to sync
	}
	if err != nil {
		return err
	}
	fm, ok := m.(*model.FileManifest)
	if !ok {
		return fmt.Errorf("syncer: %s is not a file manifest", access.ID)
	}

	fd, hasFd := s.deps.OpenFiles.Lookup(access)
	needSync := fm.Placeholder() || fm.NeedsSync()
	if hasFd {
		needSync = fd.NeedSync(fm)
	}
	if !needSync {
		s.deps.Manifests.MarkOutdated(access)
		s.deps.Events.EntrySynced(access.ID)
		log.Debug("syncer: nothing to sync")
		return nil
	}

	fm = fm.Clone()

	// MARKER
	var marker openfile.MarkerCmd
	if hasFd {
		release, err := fd.StartSyncing()
		if err != nil {
			return err
		}
		defer release()
		marker, err = fd.CreateMarker()
		if err != nil {
			return err
		}
	}

	// FLUSH
	if hasFd {
		size, flushBufs := fd.GetFlushMap()
		fm.Size = size
		for _, fb := range flushBufs {
			blockID := model.NewEntryID()
			s.deps.Blocks.SetDirty(blockID, fb.Data)
			fm.DirtyBlocks = append(fm.DirtyBlocks, model.BlockRef{
				Access: model.Access{ID: blockID, Key: access.Key},
				Offset: fb.Start,
				Size:   uint32(len(fb.Data)),
				Digest: digest(fb.Data),
			})
		}
		if err := s.deps.Manifests.Set(access, fm); err != nil {
			return err
		}
	}

	// UPLOAD DATA — blockstore is idempotent (invariant 9), safe to retry.
	if s.isOffline() {
		return ErrOffline
	}
	for _, dba := range fm.DirtyBlocks {
		plaintext, err := s.deps.Blocks.Get(dba.Access.ID)
		if err != nil {
			return fmt.Errorf("syncer: dirty block %s missing locally: %w", dba.Access.ID, err)
		}
		ciphertext := crypto.Encrypt(access.Key, plaintext)
		err = s.deps.Backend.BlockCreate(ctx, backend.BlockCreateParams{
			ID:    dba.Access.ID,
			Realm: access.ID,
			Block: ciphertext,
		})
		s.recordBackendOutcome(err)
		if err != nil {
			log.WithError(err).Warn("syncer: block upload failed, rolling back")
			return err // ROLLBACK: manifest/dirty blocks/marker stay in place
		}
	}

	// UPLOAD META
	now := time.Now()
	blocks := compactBlocks(fm.Blocks, fm.DirtyBlocks)
	version := fm.BaseVersion() + 1
	remote := remoteFileManifest{
		Version: version,
		Size:    fm.Size,
		Created: fm.Created,
		Updated: now,
		Blocks:  blocks,
		Author:  s.deps.Device,
	}
	ciphertext, err := signAndEncrypt(s.deps.Signing, access.Key, remote)
	if err != nil {
		return err
	}

	notify, err := s.buildBeaconNotifications(access.ID)
	if err != nil {
		log.WithError(err).Warn("syncer: failed to build beacon notifications, publishing without them")
		notify = nil
	}

	if fm.Placeholder() {
		err = s.deps.Backend.VlobCreate(ctx, backend.VlobCreateParams{
			ID: access.ID, ReadToken: access.ReadToken, WriteToken: access.WriteToken,
			Blob: ciphertext, Notify: notify,
		})
	} else {
		err = s.deps.Backend.VlobUpdate(ctx, backend.VlobUpdateParams{
			ID: access.ID, WriteToken: access.WriteToken, Version: version,
			Blob: ciphertext, Notify: notify,
		})
	}
	s.recordBackendOutcome(err)

	if errors.Is(err, model.ErrBadVersion) {
		return s.forkFile(ctx, access, fm, hasFd)
	}
	if err != nil {
		log.WithError(err).Warn("syncer: metadata upload failed, rolling back")
		return err // ROLLBACK
	}

	// COMMIT
	committed := &model.FileManifest{
		BaseVersionField: version,
		Size:             remote.Size,
		Created:          remote.Created,
		Updated:          remote.Updated,
		Blocks:           remote.Blocks,
		DirtyBlocks:      nil,
		NeedSyncField:    false,
		PlaceholderField: false,
		Author:           remote.Author,
	}
	if err := s.deps.Manifests.Set(access, committed); err != nil {
		return err
	}
	for _, dba := range fm.DirtyBlocks {
		s.deps.Blocks.EvictDirty(dba.Access.ID)
	}
	if hasFd {
		fd.DropUntilMarker(marker)
	}
	s.deps.Events.EntrySynced(access.ID)
	log.WithField("version", version).Debug("syncer: commit complete")
	return nil
}

// entryPointer is the signed payload delivered to a beacon: "here is an
// entry id whose manifest changed", per spec.md §6's notify[] wire shape.
type entryPointer struct {
	ID model.EntryID `json:"id"`
}

func (s *Syncer) buildBeaconNotifications(id model.EntryID) ([]backend.BeaconNotification, error) {
	_, _, ancestors, err := s.deps.Manifests.GetEntryPath(id)
	if err != nil {
		return nil, err
	}
	pointer, err := json.Marshal(entryPointer{ID: id})
	if err != nil {
		return nil, fmt.Errorf("syncer: encode beacon pointer: %w", err)
	}
	signed := crypto.Sign(s.deps.Signing, pointer)
	signedRaw, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("syncer: encode signed beacon pointer: %w", err)
	}

	var out []backend.BeaconNotification
	for _, parent := range ancestors {
		out = append(out, backend.BeaconNotification{
			BeaconID:         parent.ID,
			EncryptedEntryID: crypto.Encrypt(parent.Key, signedRaw),
		})
	}
	return out, nil
}
