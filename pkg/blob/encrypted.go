package blob

import (
	"context"
	"fmt"

	"github.com/openarchive/openarchive/pkg/crypto"
)

// Encrypted wraps a Store with master-key encryption. Every Put seals the
// payload under the process-wide master key before it reaches the backend,
// and every Get opens it on the way out, so bytes at rest are always opaque
// regardless of what callers hand in. There is no passthrough mode.
type Encrypted struct {
	inner Store
	key   []byte
}

// NewEncrypted wraps inner with at-rest encryption under masterKey, which
// must be a 32-byte key from crypto.DeriveMasterKey.
func NewEncrypted(inner Store, masterKey []byte) (*Encrypted, error) {
	if len(masterKey) != crypto.MessageKeySize {
		return nil, fmt.Errorf("blob: master key must be %d bytes, got %d", crypto.MessageKeySize, len(masterKey))
	}
	return &Encrypted{inner: inner, key: masterKey}, nil
}

// Head reports whether an object exists under key.
func (e *Encrypted) Head(ctx context.Context, key string) (bool, error) {
	return e.inner.Head(ctx, key)
}

// Get fetches and decrypts the object under key.
func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := crypto.Decrypt(sealed, e.key)
	if err != nil {
		return nil, fmt.Errorf("blob: unseal %s: %w", key, err)
	}
	return data, nil
}

// Put encrypts data under the master key and writes it to the backend.
func (e *Encrypted) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := crypto.Encrypt(data, e.key)
	if err != nil {
		return fmt.Errorf("blob: seal %s: %w", key, err)
	}
	return e.inner.Put(ctx, key, sealed)
}

// Delete removes the object from the backend.
func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}
