package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the SHA-256 hex digest of data. Message records store the
// digest of the ciphertext exactly as persisted.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Signer computes and checks HMAC-SHA256 signatures under the process-wide
// signing secret. It holds no per-request state and is safe for concurrent
// use.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer for the given secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 signature of data.
func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature for data. Comparison is
// constant-time.
func (s *Signer) Verify(data []byte, sig string) bool {
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}
