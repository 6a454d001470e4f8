package ports

import "go.trai.ch/forge/internal/core/domain"

// ContentStore is a content addressed blob store with reference counted
// retention.
//
//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
type ContentStore interface {
	// Put stores data and returns its key. The blob is retained on behalf of
	// the caller, who must Release it.
	Put(data []byte) (domain.StoreKey, error)

	// Get returns the blob stored under key, or domain.ErrBlobNotFound.
	Get(key domain.StoreKey) ([]byte, error)

	// Has reports whether a blob is stored under key.
	Has(key domain.StoreKey) bool

	// Retain protects the blob from eviction. It returns false when the blob
	// is absent, in which case nothing is retained.
	Retain(key domain.StoreKey) bool

	// Release drops one retention taken by Put or Retain.
	Release(key domain.StoreKey)
}

// ResultCache maps group fingerprints to previously observed results.
type ResultCache interface {
	// Lookup returns the entry for fp, or nil when there is none.
	Lookup(fp domain.Fingerprint) (*domain.CacheEntry, error)

	// Insert stores the entry, replacing any previous one.
	Insert(entry domain.CacheEntry) error
}
