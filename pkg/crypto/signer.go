// Package crypto provides the signing primitives of the runtime: an
// HMAC-SHA256 secret signer for delegation capability tokens and contracts,
// an Ed25519 keyring for node identities and attestation hops, and HKDF
// derivation of purpose-bound keys from the single configured node secret.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SecretSigner signs canonical payloads with HMAC-SHA256.
type SecretSigner struct {
	key []byte
}

// NewSecretSigner derives a purpose-bound HMAC key from the node secret.
// Distinct purposes ("dct", "contract", ...) never share key material.
func NewSecretSigner(nodeSecret []byte, purpose string) (*SecretSigner, error) {
	if len(nodeSecret) == 0 {
		return nil, fmt.Errorf("crypto: empty node secret")
	}
	r := hkdf.New(sha256.New, nodeSecret, nil, []byte("corral/"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return &SecretSigner{key: key}, nil
}

// Sign returns the hex HMAC-SHA256 of data.
func (s *SecretSigner) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sigHex is a valid signature over data.
func (s *SecretSigner) Verify(data []byte, sigHex string) bool {
	want := s.Sign(data)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sigHex)) == 1
}

// NodeKeyring holds a node's Ed25519 identity key.
type NodeKeyring struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewNodeKeyring generates a fresh Ed25519 identity.
func NewNodeKeyring(keyID string) (*NodeKeyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation: %w", err)
	}
	return &NodeKeyring{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewNodeKeyringFromSeed builds a deterministic keyring from a 32-byte seed.
func NewNodeKeyringFromSeed(seed []byte, keyID string) (*NodeKeyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &NodeKeyring{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}, nil
}

// Sign returns the hex Ed25519 signature over data.
func (k *NodeKeyring) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, data))
}

// PublicKey returns the hex-encoded public key.
func (k *NodeKeyring) PublicKey() string {
	return hex.EncodeToString(k.pub)
}

// VerifyEd25519 verifies a hex signature against a hex public key.
func VerifyEd25519(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
