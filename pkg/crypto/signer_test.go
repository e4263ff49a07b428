package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretSignerRoundTrip(t *testing.T) {
	s, err := NewSecretSigner([]byte("node-secret"), "dct")
	require.NoError(t, err)

	sig := s.Sign([]byte("payload"))
	assert.True(t, s.Verify([]byte("payload"), sig))
	assert.False(t, s.Verify([]byte("tampered"), sig))
}

func TestSecretSignerPurposeSeparation(t *testing.T) {
	a, err := NewSecretSigner([]byte("node-secret"), "dct")
	require.NoError(t, err)
	b, err := NewSecretSigner([]byte("node-secret"), "contract")
	require.NoError(t, err)

	sig := a.Sign([]byte("payload"))
	assert.False(t, b.Verify([]byte("payload"), sig))
}

func TestSecretSignerRejectsEmptySecret(t *testing.T) {
	_, err := NewSecretSigner(nil, "dct")
	assert.Error(t, err)
}

func TestNodeKeyringSignVerify(t *testing.T) {
	k, err := NewNodeKeyring("node-1")
	require.NoError(t, err)

	sig := k.Sign([]byte("hop"))
	ok, err := VerifyEd25519(k.PublicKey(), sig, []byte("hop"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyEd25519(k.PublicKey(), sig, []byte("other"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNodeKeyringFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := NewNodeKeyringFromSeed(seed, "n")
	require.NoError(t, err)
	b, err := NewNodeKeyringFromSeed(seed, "n")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	_, err = NewNodeKeyringFromSeed([]byte("short"), "n")
	assert.Error(t, err)
}
