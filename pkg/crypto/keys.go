// Package crypto provides the cryptographic primitives of the archive:
// per-message keys, authenticated encryption for message bodies, the
// PBKDF2-derived master key used for at-rest blob encryption, and the
// digest/signature helpers backing integrity verification.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// MessageKeySize is the size in bytes of a per-message encryption key.
const MessageKeySize = 32

// GenerateMessageKey returns a fresh random 256-bit key in URL-safe
// base64 form, the encoding stored alongside the message record.
func GenerateMessageKey() (string, error) {
	raw := make([]byte, MessageKeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate message key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeMessageKey decodes a stored URL-safe base64 key back to raw bytes.
func DecodeMessageKey(encoded string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode message key: %w", err)
	}
	if len(raw) != MessageKeySize {
		return nil, fmt.Errorf("decode message key: got %d bytes, want %d", len(raw), MessageKeySize)
	}
	return raw, nil
}
