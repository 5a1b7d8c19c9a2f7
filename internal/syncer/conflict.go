package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/backend"
	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// forkFile implements spec.md §4.7's conflict resolution: a vlob_update
// that returned BadVersion means someone else published a newer version
// first. The local, still-unsynced state is never silently dropped: it is
// reparented under a conflicted name as a brand-new placeholder, while
// access keeps pointing at the (now fetched) remote version — "the only
// place new placeholders originate after initial creation" (spec.md §4.7).
func (s *Syncer) forkFile(ctx context.Context, access model.Access, localFork *model.FileManifest, hasFd bool) error {
	log := s.deps.Logger.WithField("entry", access.ID.String())

	remote, remoteVersion, err := s.fetchLatestFileManifest(ctx, access)
	if err != nil {
		return fmt.Errorf("syncer: fork: fetch remote manifest: %w", err)
	}

	path, _, ancestors, err := s.deps.Manifests.GetEntryPath(access.ID)
	if err != nil {
		return fmt.Errorf("syncer: fork: locate entry: %w", err)
	}
	if len(ancestors) == 0 {
		return fmt.Errorf("syncer: fork: entry %s has no parent to reparent under", access.ID)
	}
	parentAccess := ancestors[len(ancestors)-1]
	name := lastPathSegment(path)

	parentManifest, err := s.deps.Manifests.Get(parentAccess)
	if err != nil {
		return fmt.Errorf("syncer: fork: load parent: %w", err)
	}
	parentFolder, ok := parentManifest.(*model.FolderManifest)
	if !ok {
		return fmt.Errorf("syncer: fork: parent %s is not a folder manifest", parentAccess.ID)
	}
	parentFolder = parentFolder.Clone()

	placeholderAccess := model.Access{ID: model.NewEntryID(), Key: access.Key}
	localFork.BaseVersionField = 0
	localFork.PlaceholderField = true
	localFork.NeedSyncField = true
	if err := s.deps.Manifests.Set(placeholderAccess, localFork); err != nil {
		return fmt.Errorf("syncer: fork: persist forked placeholder: %w", err)
	}

	committedRemote := &model.FileManifest{
		BaseVersionField: remoteVersion,
		Size:             remote.Size,
		Created:          remote.Created,
		Updated:          remote.Updated,
		Blocks:           remote.Blocks,
		NeedSyncField:    false,
		PlaceholderField: false,
		Author:           remote.Author,
	}
	if err := s.deps.Manifests.Set(access, committedRemote); err != nil {
		return fmt.Errorf("syncer: fork: persist remote manifest: %w", err)
	}

	conflictName := fmt.Sprintf("%s (conflict %s %d)", name, s.deps.Device, time.Now().UnixNano())
	parentFolder.Children[conflictName] = placeholderAccess
	parentFolder.SetNeedsSync(true)
	if err := s.deps.Manifests.Set(parentAccess, parentFolder); err != nil {
		return fmt.Errorf("syncer: fork: persist parent: %w", err)
	}

	if hasFd {
		s.deps.OpenFiles.MoveModifications(access, placeholderAccess)
	}

	log.WithFields(map[string]any{
		"conflict_name":      conflictName,
		"placeholder_access": placeholderAccess.ID.String(),
	}).Warn("syncer: version conflict, forked local state onto new placeholder")

	return ErrForked
}

func (s *Syncer) fetchLatestFileManifest(ctx context.Context, access model.Access) (remoteFileManifest, uint32, error) {
	res, err := s.deps.Backend.VlobRead(ctx, backend.VlobReadParams{ID: access.ID, ReadToken: access.ReadToken})
	if err != nil {
		return remoteFileManifest{}, 0, err
	}
	var remote remoteFileManifest
	if err := decryptAndVerify(access.Key, res.Blob, s.deps.Devices, time.Time{}, &remote); err != nil {
		return remoteFileManifest{}, 0, err
	}
	return remote, res.Version, nil
}

func lastPathSegment(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] == '/' {
		i--
	}
	end := i + 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	return path[i+1 : end]
}
