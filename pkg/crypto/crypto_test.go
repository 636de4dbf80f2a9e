package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/openarchive/pkg/crypto"
)

func TestGenerateMessageKey(t *testing.T) {
	k1, err := crypto.GenerateMessageKey()
	require.NoError(t, err)
	k2, err := crypto.GenerateMessageKey()
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2, "keys must be unique")

	raw, err := crypto.DecodeMessageKey(k1)
	require.NoError(t, err)
	assert.Len(t, raw, crypto.MessageKeySize)
}

func TestDecodeMessageKeyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", "c2hvcnQ="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := crypto.DecodeMessageKey(tt.encoded)
			assert.Error(t, err)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keyStr, err := crypto.GenerateMessageKey()
	require.NoError(t, err)
	key, err := crypto.DecodeMessageKey(keyStr)
	require.NoError(t, err)

	plaintext := []byte("From: alice@acme.com\r\nSubject: Hello\r\n\r\nping")
	ct, err := crypto.Encrypt(plaintext, key)
	require.NoError(t, err)

	assert.NotEqual(t, plaintext, ct)
	assert.Greater(t, len(ct), len(plaintext), "nonce and tag overhead expected")

	got, err := crypto.Decrypt(ct, key)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, got))
}

func TestDecryptWrongKeyFails(t *testing.T) {
	k1, _ := crypto.GenerateMessageKey()
	k2, _ := crypto.GenerateMessageKey()
	key1, _ := crypto.DecodeMessageKey(k1)
	key2, _ := crypto.DecodeMessageKey(k2)

	ct, err := crypto.Encrypt([]byte("secret"), key1)
	require.NoError(t, err)

	_, err = crypto.Decrypt(ct, key2)
	assert.Error(t, err)
}

func TestDecryptTruncatedInput(t *testing.T) {
	keyStr, _ := crypto.GenerateMessageKey()
	key, _ := crypto.DecodeMessageKey(keyStr)

	_, err := crypto.Decrypt([]byte{0x01, 0x02}, key)
	assert.ErrorIs(t, err, crypto.ErrCiphertextTooShort)
}

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	k1 := crypto.DeriveMasterKey("super-secret")
	k2 := crypto.DeriveMasterKey("super-secret")
	k3 := crypto.DeriveMasterKey("other-secret")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, crypto.MessageKeySize)
}

func TestDigest(t *testing.T) {
	// sha256("") is a fixed vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		crypto.Digest(nil))
	assert.Equal(t, crypto.Digest([]byte("a")), crypto.Digest([]byte("a")))
	assert.NotEqual(t, crypto.Digest([]byte("a")), crypto.Digest([]byte("b")))
}

func TestSignerSignAndVerify(t *testing.T) {
	signer := crypto.NewSigner("signing-secret")
	data := []byte("ciphertext bytes")

	sig := signer.Sign(data)
	assert.Len(t, sig, 64, "hex HMAC-SHA256")
	assert.True(t, signer.Verify(data, sig))

	assert.False(t, signer.Verify([]byte("tampered"), sig))
	assert.False(t, signer.Verify(data, strings.Repeat("0", 64)))
	assert.False(t, signer.Verify(data, "not-hex"))

	other := crypto.NewSigner("different-secret")
	assert.False(t, other.Verify(data, sig))
}
