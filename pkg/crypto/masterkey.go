package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// masterKeySalt is fixed so every core process derives the same at-rest key
// from the shared secret. Changing it orphans every stored blob.
const masterKeySalt = "openarchive_static_salt"

// masterKeyIterations matches the deployment's provisioned KDF cost.
const masterKeyIterations = 100000

// DeriveMasterKey stretches the configured master secret into the 256-bit
// key used by the blob store's at-rest encryption layer.
func DeriveMasterKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(masterKeySalt), masterKeyIterations, MessageKeySize, sha256.New)
}
