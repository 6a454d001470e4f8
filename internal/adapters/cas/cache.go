package cas

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	forgefs "go.trai.ch/forge/internal/adapters/fs"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.ResultCache = (*Cache)(nil)

// Cache implements ports.ResultCache with one JSON file per fingerprint.
type Cache struct {
	dir string
}

// NewCache creates a result cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrStoreCreateFailed.Error()), "path", dir)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) filename(fp domain.Fingerprint) string {
	name := string(fp)
	if len(name) < 2 {
		return filepath.Join(c.dir, name+".json")
	}
	return filepath.Join(c.dir, name[:2], name+".json")
}

// Lookup returns the entry stored for fp, or nil when there is none.
func (c *Cache) Lookup(fp domain.Fingerprint) (*domain.CacheEntry, error) {
	filename := c.filename(fp)
	//nolint:gosec // Path is derived from the fingerprint
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheReadFailed.Error()), "fingerprint", string(fp))
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheReadFailed.Error()), "fingerprint", string(fp))
	}
	if entry.Fingerprint != fp {
		return nil, nil
	}
	return &entry, nil
}

// Insert stores entry, replacing any previous one.
func (c *Cache) Insert(entry domain.CacheEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return zerr.Wrap(err, domain.ErrCacheWriteFailed.Error())
	}
	if err := forgefs.WriteFileAtomic(c.filename(entry.Fingerprint), data, domain.FilePerm); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrCacheWriteFailed.Error()), "fingerprint", string(entry.Fingerprint))
	}
	return nil
}
