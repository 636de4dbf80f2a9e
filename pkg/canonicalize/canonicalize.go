// Package canonicalize produces the stable JSON form used for audit chain
// hashing: object keys sorted, no insignificant whitespace, RFC 8785
// serialization rules. Every writer and verifier of the chain must agree on
// this form exactly; a divergent canonicalization breaks every chain.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON returns the canonical JSON encoding of v.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// String is JSON with a string result, the form concatenated into audit
// hash payloads.
func String(v any) (string, error) {
	out, err := JSON(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	out, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:]), nil
}

// Document re-canonicalizes a raw JSON document, e.g. details persisted as
// text that must be rehashed during chain verification.
func Document(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform document: %w", err)
	}
	return out, nil
}
