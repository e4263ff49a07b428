// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization. Canonical JSON is the only hashing and signing input in the
// runtime: keys sorted lexicographically, UTF-8, no insignificant whitespace,
// numbers in shortest round-trip form.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ZeroHash is the hash_prev of the first event in a journal chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// JSON returns the RFC 8785 canonical JSON encoding of v.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 digest of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// String returns the canonical form as a string.
func String(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
