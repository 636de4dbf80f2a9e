// Package blob provides the opaque key→bytes store behind message and
// attachment persistence. Backends expose a flat keyspace with head, get,
// put, and delete; the at-rest encryption wrapper composes over any of them
// and is invisible to callers.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob: not found")

// Store is the blob store contract. Keys are opaque; the archive uses
// "<uuid>.enc" for message ciphertexts and "cas_<sha256>.enc" for
// content-addressed attachment payloads.
type Store interface {
	// Head reports whether an object exists under key.
	Head(ctx context.Context, key string) (bool, error)
	// Get returns the object bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the object. Writing the same key twice is permitted and
	// idempotent for content-addressed keys.
	Put(ctx context.Context, key string, data []byte) error
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MessageKey returns the storage key for a message ciphertext.
func MessageKey(id string) string {
	return id + ".enc"
}

// CASKey returns the storage key for a content-addressed attachment payload.
func CASKey(sha256hex string) string {
	return "cas_" + sha256hex + ".enc"
}
