// Package cas implements the content addressable blob store and the result
// cache.
package cas

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	forgefs "go.trai.ch/forge/internal/adapters/fs"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	mib = 1 << 20

	tmpPrefix = ".tmp-"
)

var _ ports.ContentStore = (*Store)(nil)

type blob struct {
	size     int64
	lastUsed time.Time
}

// Store implements ports.ContentStore on a directory. Blobs live at
// <dir>/<key[:2]>/<key> and are evicted least recently used first once the
// store grows beyond its maximum size.
type Store struct {
	dir      string
	maxBytes int64
	minBytes int64

	mu       sync.Mutex
	blobs    map[domain.StoreKey]*blob
	retained map[domain.StoreKey]int
	size     int64
}

// NewStore opens the store at dir, indexing the blobs already present.
// Eviction starts above maxMiB and stops below minMiB. A non positive maxMiB
// disables eviction.
func NewStore(dir string, maxMiB, minMiB int64) (*Store, error) {
	s := &Store{
		dir:      filepath.Clean(dir),
		maxBytes: maxMiB * mib,
		minBytes: minMiB * mib,
		blobs:    make(map[domain.StoreKey]*blob),
		retained: make(map[domain.StoreKey]int),
	}
	if s.minBytes > s.maxBytes {
		s.minBytes = s.maxBytes
	}

	if err := os.MkdirAll(s.dir, domain.DirPerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrStoreCreateFailed.Error()), "path", s.dir)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			// Leftover of an interrupted write.
			return os.Remove(path)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.blobs[domain.StoreKey(d.Name())] = &blob{size: info.Size(), lastUsed: info.ModTime()}
		s.size += info.Size()
		return nil
	})
	if err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrStoreReadFailed.Error()), "path", s.dir)
	}
	return nil
}

func (s *Store) path(key domain.StoreKey) string {
	k := string(key)
	if len(k) < 2 {
		return filepath.Join(s.dir, k)
	}
	return filepath.Join(s.dir, k[:2], k)
}

// Put stores data and retains it.
func (s *Store) Put(data []byte) (domain.StoreKey, error) {
	key := domain.KeyOf(data)

	s.mu.Lock()
	if b, ok := s.blobs[key]; ok {
		b.lastUsed = time.Now()
		s.retained[key]++
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	if err := forgefs.WriteFileAtomic(s.path(key), data, domain.ReadOnlyFilePerm); err != nil {
		return "", zerr.With(zerr.Wrap(err, domain.ErrStoreWriteFailed.Error()), "key", key.Short())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		s.blobs[key] = &blob{size: int64(len(data))}
		s.size += int64(len(data))
	}
	s.blobs[key].lastUsed = time.Now()
	s.retained[key]++
	s.evictLocked()
	return key, nil
}

// Get returns the blob stored under key. A blob whose content no longer
// matches its key is dropped from the store.
func (s *Store) Get(key domain.StoreKey) ([]byte, error) {
	s.mu.Lock()
	b, ok := s.blobs[key]
	if ok {
		b.lastUsed = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return nil, zerr.With(domain.ErrBlobNotFound, "key", key.Short())
	}

	path := s.path(key)
	//nolint:gosec // Path is derived from the store key
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.forget(key)
			return nil, zerr.With(domain.ErrBlobNotFound, "key", key.Short())
		}
		return nil, zerr.With(zerr.Wrap(err, domain.ErrStoreReadFailed.Error()), "key", key.Short())
	}
	if domain.KeyOf(data) != key {
		s.forget(key)
		_ = os.Remove(path)
		return nil, zerr.With(domain.ErrStoreKeyMismatch, "key", key.Short())
	}

	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return data, nil
}

// Has reports whether a blob is stored under key.
func (s *Store) Has(key domain.StoreKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok
}

// Retain protects the blob from eviction.
func (s *Store) Retain(key domain.StoreKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return false
	}
	b.lastUsed = time.Now()
	s.retained[key]++
	return true
}

// Release drops one retention of the blob.
func (s *Store) Release(key domain.StoreKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch n := s.retained[key]; {
	case n > 1:
		s.retained[key] = n - 1
	case n == 1:
		delete(s.retained, key)
		s.evictLocked()
	}
}

// Size returns the total size of the stored blobs in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Store) forget(key domain.StoreKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[key]; ok {
		s.size -= b.size
		delete(s.blobs, key)
	}
}

// evictLocked removes unretained blobs, oldest first, until the store is
// below its minimum size. It does nothing while the store is below maximum.
func (s *Store) evictLocked() {
	if s.maxBytes <= 0 || s.size <= s.maxBytes {
		return
	}

	candidates := make([]domain.StoreKey, 0, len(s.blobs))
	for key := range s.blobs {
		if s.retained[key] == 0 {
			candidates = append(candidates, key)
		}
	}
	slices.SortFunc(candidates, func(a, b domain.StoreKey) int {
		return s.blobs[a].lastUsed.Compare(s.blobs[b].lastUsed)
	})

	for _, key := range candidates {
		if s.size <= s.minBytes {
			return
		}
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		s.size -= s.blobs[key].size
		delete(s.blobs, key)
	}
}
