package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/backend"
	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// SyncFolder runs the folder-entry sync protocol (spec.md §4.7). When
// recursive is true every child is synced first (selectiveRecursion can
// override recursion per child name); the folder's own manifest is then
// published, unless it still has unresolved placeholder children — per
// the resolved Open Question (spec.md §9 / DESIGN.md), publish is deferred
// until every placeholder child has an id the parent can safely reference.
func (s *Syncer) SyncFolder(ctx context.Context, access model.Access, recursive bool, selectiveRecursion map[string]bool) error {
	lock := s.lockFor(access.ID)
	lock.Lock()
	defer lock.Unlock()

	log := s.deps.Logger.WithField("entry", access.ID.String())

	m, err := s.deps.Manifests.Get(access)
	if errors.Is(err, model.ErrLocalDBMissingEntry) {
		return nil
	}
	if err != nil {
		return err
	}
	folder, ok := m.(*model.FolderManifest)
	if !ok {
		return fmt.Errorf("syncer: %s is not a folder manifest", access.ID)
	}

	if recursive {
		for name, child := range folder.Children {
			childRecursive := recursive
			if v, ok := selectiveRecursion[name]; ok {
				childRecursive = v
			}
			childManifest, err := s.deps.Manifests.Get(child)
			if errors.Is(err, model.ErrLocalDBMissingEntry) {
				continue
			}
			if err != nil {
				return err
			}
			switch childManifest.Kind() {
			case model.KindFile:
				if err := s.SyncFile(ctx, child); err != nil && !errors.Is(err, ErrForked) {
					return fmt.Errorf("syncer: sync child %q: %w", name, err)
				}
			default:
				if err := s.SyncFolder(ctx, child, childRecursive, nil); err != nil {
					return fmt.Errorf("syncer: sync child %q: %w", name, err)
				}
			}
		}
	}

	// Re-read: children syncs above may have rewritten this folder's own
	// manifest indirectly (a file fork adds a conflict-named placeholder
	// child to it) — stay consistent with C3.
	m, err = s.deps.Manifests.Get(access)
	if err != nil {
		return err
	}
	folder = m.(*model.FolderManifest)

	for _, child := range folder.Children {
		childManifest, err := s.deps.Manifests.Get(child)
		if err != nil {
			continue
		}
		if childManifest.Placeholder() {
			log.Debug("syncer: deferring folder publish, a child placeholder is still unresolved")
			return nil
		}
	}

	if !folder.NeedsSync() {
		s.deps.Manifests.MarkOutdated(access)
		s.deps.Events.EntrySynced(access.ID)
		return nil
	}

	version := folder.BaseVersion() + 1
	remote := remoteFolderManifest{
		Version:  version,
		Kind:     folder.Kind(),
		Children: folder.Children,
		Author:   s.deps.Device,
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

	if s.isOffline() {
		return ErrOffline
	}
	if folder.Placeholder() {
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
		return s.forkFolder(ctx, access, folder)
	}
	if err != nil {
		log.WithError(err).Warn("syncer: folder metadata upload failed, rolling back")
		return err
	}

	committed := &model.FolderManifest{
		KindField:        folder.Kind(),
		BaseVersionField: version,
		Children:         folder.Children,
		NeedSyncField:    false,
		PlaceholderField: false,
	}
	if err := s.deps.Manifests.Set(access, committed); err != nil {
		return err
	}
	s.deps.Events.EntrySynced(access.ID)
	log.WithField("version", version).Debug("syncer: folder commit complete")
	return nil
}

// forkFolder mirrors forkFile's conflict handling for folder entries:
// fetch the remote version, reparent the local state under a new
// placeholder, replace access's local copy with the fetched remote state.
func (s *Syncer) forkFolder(ctx context.Context, access model.Access, localFork *model.FolderManifest) error {
	res, err := s.deps.Backend.VlobRead(ctx, backend.VlobReadParams{ID: access.ID, ReadToken: access.ReadToken})
	if err != nil {
		return fmt.Errorf("syncer: fork folder: fetch remote: %w", err)
	}
	var remote remoteFolderManifest
	if err := decryptAndVerify(access.Key, res.Blob, s.deps.Devices, time.Time{}, &remote); err != nil {
		return fmt.Errorf("syncer: fork folder: verify remote: %w", err)
	}

	path, _, ancestors, err := s.deps.Manifests.GetEntryPath(access.ID)
	if err != nil {
		return fmt.Errorf("syncer: fork folder: locate entry: %w", err)
	}
	if len(ancestors) == 0 {
		return fmt.Errorf("syncer: fork folder: %s has no parent", access.ID)
	}
	parentAccess := ancestors[len(ancestors)-1]
	name := lastPathSegment(path)

	parentManifest, err := s.deps.Manifests.Get(parentAccess)
	if err != nil {
		return fmt.Errorf("syncer: fork folder: load parent: %w", err)
	}
	parentFolder, ok := parentManifest.(*model.FolderManifest)
	if !ok {
		return fmt.Errorf("syncer: fork folder: parent is not a folder")
	}
	parentFolder = parentFolder.Clone()

	placeholderAccess := model.Access{ID: model.NewEntryID(), Key: access.Key}
	localFork.BaseVersionField = 0
	localFork.PlaceholderField = true
	localFork.NeedSyncField = true
	if err := s.deps.Manifests.Set(placeholderAccess, localFork); err != nil {
		return err
	}

	committedRemote := &model.FolderManifest{
		KindField:        remote.Kind,
		BaseVersionField: res.Version,
		Children:         remote.Children,
		NeedSyncField:    false,
		PlaceholderField: false,
	}
	if err := s.deps.Manifests.Set(access, committedRemote); err != nil {
		return err
	}

	conflictName := fmt.Sprintf("%s (conflict %s %d)", name, s.deps.Device, time.Now().UnixNano())
	parentFolder.Children[conflictName] = placeholderAccess
	parentFolder.SetNeedsSync(true)
	if err := s.deps.Manifests.Set(parentAccess, parentFolder); err != nil {
		return err
	}
	return ErrForked
}

// FullSync recursively syncs an entire workspace starting at root.
func (s *Syncer) FullSync(ctx context.Context, root model.Access) error {
	return s.SyncFolder(ctx, root, true, nil)
}

// SyncByID resolves id to its access by walking the local manifest tree
// (GetEntryPath) and dispatches to SyncFile or SyncFolder as appropriate.
func (s *Syncer) SyncByID(ctx context.Context, id model.EntryID) error {
	_, access, _, err := s.deps.Manifests.GetEntryPath(id)
	if err != nil {
		return err
	}
	m, err := s.deps.Manifests.Get(access)
	if err != nil {
		return err
	}
	if m.Kind().IsFile() {
		return s.SyncFile(ctx, access)
	}
	return s.SyncFolder(ctx, access, false, nil)
}
