// Package manifest implements the local manifest store (spec.md §4.3): a
// mapping access.id -> manifest backed by a local KV database, tracking
// which entries are placeholders and which need sync. It also answers the
// two path-resolution queries the syncer and FS facade need: the full path
// and ancestor chain of an entry, and the set of beacons to notify once an
// entry has synced.
package manifest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// Store is the local manifest store. Per spec.md §9, it uses an external
// RW lock per entry id: readers (Get) snapshot under RLock, writers (Set,
// MarkOutdated) exclude under Lock. Locks are created lazily and kept for
// the lifetime of the store, mirroring the per-resource lock table pattern
// in core/connection_pool.go.
type Store struct {
	kv KV

	locksMu sync.Mutex
	locks   map[model.EntryID]*sync.RWMutex

	root model.EntryID
}

// New builds a local manifest store over kv, rooted at root (the
// workspace's root entry, needed to answer GetEntryPath/GetBeacons).
func New(kv KV, root model.EntryID) *Store {
	return &Store{
		kv:    kv,
		locks: make(map[model.EntryID]*sync.RWMutex),
		root:  root,
	}
}

func (s *Store) lockFor(id model.EntryID) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

func entryKey(id model.EntryID) string {
	return "manifest:" + id.String()
}

// envelope is the on-disk representation: a manifest's Kind tags which
// concrete struct Manifest unmarshals into.
type envelope struct {
	Kind model.ManifestKind `json:"kind"`
	Data json.RawMessage    `json:"data"`
}

func encode(m model.Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return json.Marshal(envelope{Kind: m.Kind(), Data: data})
}

func decode(raw []byte) (model.Manifest, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("manifest: %w: %v", model.ErrLocalDBCorrupted, err)
	}
	switch env.Kind {
	case model.KindFile:
		var fm model.FileManifest
		if err := json.Unmarshal(env.Data, &fm); err != nil {
			return nil, fmt.Errorf("manifest: %w: %v", model.ErrLocalDBCorrupted, err)
		}
		return &fm, nil
	case model.KindFolder, model.KindWorkspace, model.KindUser:
		var fm model.FolderManifest
		if err := json.Unmarshal(env.Data, &fm); err != nil {
			return nil, fmt.Errorf("manifest: %w: %v", model.ErrLocalDBCorrupted, err)
		}
		return &fm, nil
	default:
		return nil, fmt.Errorf("manifest: %w: unknown kind %d", model.ErrLocalDBCorrupted, env.Kind)
	}
}

// Get fetches the manifest stored for access. Returns model.ErrLocalDBMissingEntry
// if nothing is stored locally for this id — callers (the syncer in
// particular) treat that as "nothing to sync".
func (s *Store) Get(access model.Access) (model.Manifest, error) {
	lock := s.lockFor(access.ID)
	lock.RLock()
	defer lock.RUnlock()

	raw, ok := s.kv.Get(entryKey(access.ID))
	if !ok {
		return nil, fmt.Errorf("manifest %s: %w", access.ID, model.ErrLocalDBMissingEntry)
	}
	return decode(raw)
}

// Set stores m as the local manifest for access, replacing any previous
// value.
func (s *Store) Set(access model.Access, m model.Manifest) error {
	lock := s.lockFor(access.ID)
	lock.Lock()
	defer lock.Unlock()

	raw, err := encode(m)
	if err != nil {
		return err
	}
	s.kv.Set(entryKey(access.ID), raw)
	return nil
}

// MarkOutdated drops the local copy of access's manifest so that the next
// Get re-fetches from the backend rather than trusting stale local state.
func (s *Store) MarkOutdated(access model.Access) {
	lock := s.lockFor(access.ID)
	lock.Lock()
	defer lock.Unlock()
	s.kv.Delete(entryKey(access.ID))
}

// GetEntryPath walks the manifest tree from the workspace root looking for
// id, returning its path, its own access, and the access chain of its
// ancestors (root first). It returns model.ErrNotFound if id is not
// reachable from root in the locally-known tree (e.g. the local copy of an
// intervening folder is itself missing or stale).
func (s *Store) GetEntryPath(id model.EntryID) (path string, access model.Access, ancestors []model.Access, err error) {
	rootAccess := model.Access{ID: s.root}
	if id == s.root {
		return "/", rootAccess, nil, nil
	}
	return s.walk(rootAccess, "/", nil, id)
}

func (s *Store) walk(current model.Access, currentPath string, ancestors []model.Access, target model.EntryID) (string, model.Access, []model.Access, error) {
	m, err := s.Get(current)
	if err != nil {
		return "", model.Access{}, nil, err
	}
	folder, ok := m.(*model.FolderManifest)
	if !ok {
		return "", model.Access{}, nil, model.ErrNotFound
	}

	nextAncestors := append(append([]model.Access{}, ancestors...), current)
	for name, childAccess := range folder.Children {
		childPath := joinPath(currentPath, name)
		if childAccess.ID == target {
			return childPath, childAccess, nextAncestors, nil
		}
		if path, access, anc, err := s.walk(childAccess, childPath, nextAncestors, target); err == nil {
			return path, access, anc, nil
		}
	}
	return "", model.Access{}, nil, model.ErrNotFound
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// GetBeacons returns the (beacon_id, beacon_key) pairs to notify once the
// entry at path has synced. Per spec.md's data-flow (C7 "emits events
// through C8" after rewriting C3), every folder on the path down to and
// including the entry's direct parent acts as its own beacon: each folder's
// Access.ID/Key pair is the routing identity that subscribers watching that
// folder (or an ancestor of it) listen on. The entry's own ancestor chain,
// as returned by GetEntryPath, already enumerates exactly those folders.
func (s *Store) GetBeacons(path string) ([]Beacon, error) {
	id, ok := s.resolvePathID(path)
	if !ok {
		return nil, model.ErrNotFound
	}
	_, _, ancestors, err := s.GetEntryPath(id)
	if err != nil {
		return nil, err
	}
	beacons := make([]Beacon, 0, len(ancestors))
	for _, a := range ancestors {
		beacons = append(beacons, Beacon{ID: a.ID, Key: a.Key})
	}
	return beacons, nil
}

// resolvePathID re-derives an entry id from a path by walking from root.
// GetEntryPath is the id->path direction; this is its inverse, used only by
// GetBeacons which is naturally called with a path in hand.
func (s *Store) resolvePathID(path string) (model.EntryID, bool) {
	access, err := s.ResolveAccess(path)
	if err != nil {
		return model.EntryID{}, false
	}
	return access.ID, true
}

// ResolveAccess re-derives the full access tuple (including its symmetric
// key) for path by walking the manifest tree from root, for callers (the
// FS facade) that need to open or read the entry, not merely locate it.
func (s *Store) ResolveAccess(path string) (model.Access, error) {
	if path == "/" {
		return model.Access{ID: s.root}, nil
	}
	segments := splitPath(path)
	cur := model.Access{ID: s.root}
	for _, seg := range segments {
		m, err := s.Get(cur)
		if err != nil {
			return model.Access{}, err
		}
		folder, ok := m.(*model.FolderManifest)
		if !ok {
			return model.Access{}, model.ErrNotFound
		}
		next, ok := folder.Children[seg]
		if !ok {
			return model.Access{}, model.ErrNotFound
		}
		cur = next
	}
	return cur, nil
}

func splitPath(path string) []string {
	var segs []string
	cur := ""
	for _, r := range path {
		if r == '/' {
			if cur != "" {
				segs = append(segs, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		segs = append(segs, cur)
	}
	return segs
}

// Beacon is a routing identity subscribers watch for sync notifications:
// a folder's own Access, reused as (beacon_id, beacon_key).
type Beacon struct {
	ID  model.EntryID
	Key model.SymKey
}
