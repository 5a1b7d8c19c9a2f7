// Package blockstore holds dirty (locally authoritative) and clean
// (remote-confirmed, cached) block plaintext (spec.md §4.5). The clean
// cache is a size-bounded on-disk LRU, directly grounded on the diskLRU
// cache pattern (an IPFS-gateway cache keyed by CID, here generalized to an
// Access-id-keyed cache of decrypted block plaintext).
package blockstore

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

const defaultCleanCacheEntries = 4096

// diskLRU is a size-bounded, on-disk least-recently-used cache. Eviction
// happens only on Put when the cache is already at capacity.
type diskLRU struct {
	mu    sync.Mutex
	dir   string
	max   int
	index map[string]*list.Element
	order *list.List // front = most recently used
}

type lruEntry struct {
	key  string
	path string
	size int64
}

func newDiskLRU(dir string, maxEntries int) (*diskLRU, error) {
	if maxEntries <= 0 {
		maxEntries = defaultCleanCacheEntries
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: cache dir: %w", err)
	}
	return &diskLRU{
		dir:   dir,
		max:   maxEntries,
		index: make(map[string]*list.Element),
		order: list.New(),
	}, nil
}

func (l *diskLRU) put(key string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[key]; ok {
		l.order.MoveToFront(el)
		return nil // already cached
	}

	if l.order.Len() >= l.max {
		oldest := l.order.Back()
		if oldest != nil {
			ent := oldest.Value.(*lruEntry)
			_ = os.Remove(ent.path)
			delete(l.index, ent.key)
			l.order.Remove(oldest)
		}
	}

	path := filepath.Join(l.dir, key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("blockstore: write cache entry: %w", err)
	}
	el := l.order.PushFront(&lruEntry{key: key, path: path, size: int64(len(data))})
	l.index[key] = el
	return nil
}

func (l *diskLRU) get(key string) ([]byte, bool) {
	l.mu.Lock()
	el, ok := l.index[key]
	if !ok {
		l.mu.Unlock()
		return nil, false
	}
	l.order.MoveToFront(el)
	path := el.Value.(*lruEntry).path
	l.mu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (l *diskLRU) evict(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.index[key]
	if !ok {
		return
	}
	ent := el.Value.(*lruEntry)
	_ = os.Remove(ent.path)
	delete(l.index, key)
	l.order.Remove(el)
}

// Store holds dirty and clean block plaintext. It does not itself reach to
// the backend or perform cryptographic verification: per spec.md §4.5,
// reads try local dirty, then local clean, then fall back to a backend
// fetch whose digest/signature must be checked by the caller (fsfacade,
// syncer) before the plaintext is trusted and handed to PutClean. Keeping
// that pipeline outside Store avoids a dependency cycle (crypto needs no
// knowledge of caching, and Store needs no knowledge of per-entry keys).
type Store struct {
	mu     sync.Mutex
	logger *logrus.Logger

	dirty map[model.EntryID][]byte
	clean *diskLRU
}

// Config configures the block store's clean cache.
type Config struct {
	CacheDir         string
	CacheSizeEntries int
}

func New(cfg Config, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cache, err := newDiskLRU(cfg.CacheDir, cfg.CacheSizeEntries)
	if err != nil {
		return nil, err
	}
	return &Store{
		logger: logger,
		dirty:  make(map[model.EntryID][]byte),
		clean:  cache,
	}, nil
}

// SetDirty persists locally-authoritative plaintext for id, overwriting any
// previous dirty content.
func (s *Store) SetDirty(id model.EntryID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.dirty[id] = cp
}

// EvictDirty removes id's dirty content, called once a sync has confirmed
// it landed in the remote manifest's blocks.
func (s *Store) EvictDirty(id model.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, id)
}

// Get returns id's locally-available plaintext: dirty first, then the
// clean cache. Returns model.ErrNotFound on a full local miss — the caller
// is then responsible for a backend fetch, digest/signature verification,
// and calling PutClean on success.
func (s *Store) Get(id model.EntryID) ([]byte, error) {
	s.mu.Lock()
	if d, ok := s.dirty[id]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	if b, ok := s.clean.get(id.String()); ok {
		return b, nil
	}
	return nil, model.ErrNotFound
}

// PutClean inserts a backend-confirmed, already-verified plaintext block
// into the clean cache.
func (s *Store) PutClean(id model.EntryID, data []byte) error {
	return s.clean.put(id.String(), data)
}

// EvictClean drops id from the clean cache only.
func (s *Store) EvictClean(id model.EntryID) {
	s.clean.evict(id.String())
}

// IsDirty reports whether id currently has locally-authoritative content
// pending upload.
func (s *Store) IsDirty(id model.EntryID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[id]
	return ok
}
