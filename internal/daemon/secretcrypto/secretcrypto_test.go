package secretcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	c, err := New(key)
	require.NoError(t, err)

	plaintext := []byte("sk-live-abcdef1234567890")
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same-secret"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same-secret"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "nonce must differ between calls")
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("top-secret"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = c.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)

	_, err = c.Decrypt([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
}

func TestEncryptRejectsEmptyPlaintext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)

	_, err = c.Encrypt(nil)
	assert.Error(t, err)
}
