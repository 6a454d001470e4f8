package domain

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// StoreKey addresses a blob in the content store. It is the hex encoded
// BLAKE3 digest of the blob.
type StoreKey string

// Fingerprint identifies an execution group for caching purposes.
type Fingerprint string

// KeyOf returns the store key of data.
func KeyOf(data []byte) StoreKey {
	sum := blake3.Sum256(data)
	return StoreKey(hex.EncodeToString(sum[:]))
}

// KeyOfReader streams r and returns its store key.
func KeyOfReader(r io.Reader) (StoreKey, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return StoreKey(hex.EncodeToString(h.Sum(nil))), nil
}

// String returns the key as a string.
func (k StoreKey) String() string {
	return string(k)
}

// Short returns a prefix of the key suitable for log output.
func (k StoreKey) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}
