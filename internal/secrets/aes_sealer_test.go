package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/pkg/schema"
)

func testSealer(t *testing.T) *AESSealer {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := NewAESSealer(SealerConfig{MasterKey: key})
	require.NoError(t, err)
	return s
}

func TestAESSealer_RoundTrip(t *testing.T) {
	s := testSealer(t)
	env := map[string]string{"API_KEY": "sk-secret-123", "REGION": "eu-west"}

	sealed, err := s.Seal(env)
	require.NoError(t, err)

	got, err := s.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestAESSealer_EncryptedAtRest(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.Seal(map[string]string{"TOKEN": "plaintext-value"})
	require.NoError(t, err)

	// Sealed bytes should NOT contain the plaintext.
	assert.NotContains(t, string(sealed), "plaintext-value")
}

func TestAESSealer_PassphraseDerivation(t *testing.T) {
	s, err := NewAESSealer(SealerConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	})
	require.NoError(t, err)

	sealed, err := s.Seal(map[string]string{"K": "value"})
	require.NoError(t, err)
	got, err := s.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, "value", got["K"])
}

func TestAESSealer_WrongKeyCannotUnseal(t *testing.T) {
	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	s1, err := NewAESSealer(SealerConfig{MasterKey: key1})
	require.NoError(t, err)
	s2, err := NewAESSealer(SealerConfig{MasterKey: key2})
	require.NoError(t, err)

	sealed, err := s1.Seal(map[string]string{"SECRET": "hidden"})
	require.NoError(t, err)

	_, err = s2.Unseal(sealed)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistence))
}

func TestAESSealer_UniqueNonces(t *testing.T) {
	s := testSealer(t)
	env := map[string]string{"K": "same-value"}

	ct1, err := s.Seal(env)
	require.NoError(t, err)
	ct2, err := s.Seal(env)
	require.NoError(t, err)

	// Same plaintext must produce different ciphertext (random nonce).
	assert.False(t, bytes.Equal(ct1, ct2))
}

func TestAESSealer_NilAndEmptyEnv(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.Seal(nil)
	require.NoError(t, err)
	got, err := s.Unseal(sealed)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAESSealer_InvalidKeyLength(t *testing.T) {
	_, err := NewAESSealer(SealerConfig{MasterKey: []byte("too-short")})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestAESSealer_NoKeyOrPassphrase(t *testing.T) {
	_, err := NewAESSealer(SealerConfig{})
	require.Error(t, err)
}

func TestAESSealer_PassphraseWithoutSalt(t *testing.T) {
	_, err := NewAESSealer(SealerConfig{Passphrase: "pass"})
	require.Error(t, err)
}

func TestAESSealer_TruncatedCiphertext(t *testing.T) {
	s := testSealer(t)
	_, err := s.Unseal([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistence))
}

func TestPlaintextSealer(t *testing.T) {
	var s Plaintext
	env := map[string]string{"A": "1"}

	sealed, err := s.Seal(env)
	require.NoError(t, err)
	got, err := s.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}
