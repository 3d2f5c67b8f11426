// Package secretcrypto encrypts and decrypts Provider Secret values at rest.
// Grounded on this codebase's prior workspace.AESEncryptor
// (AES-256-GCM credential encryption, nonce prepended to ciphertext),
// adapted here to the Run Store's ProviderSecret.EncryptedValue shape: a
// plain []byte round trip rather than this codebase's prior base64-string
// convenience wrappers, since nothing in the store layer ever handles
// secrets as strings.
package secretcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidCiphertext is returned when ciphertext cannot be authenticated.
var ErrInvalidCiphertext = errors.New("secretcrypto: invalid ciphertext")

// Cipher encrypts and decrypts Provider Secret values with a single master
// key. One Cipher is shared across every Repository's secrets; the key
// itself scopes access, not the Cipher instance.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a 32-byte AES-256 master key.
func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("secretcrypto: master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext, prepending a fresh nonce to the returned
// ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("secretcrypto: plaintext cannot be empty")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretcrypto: nonce generation failed: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt, verifying its auth tag.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: too short (%d bytes, need at least %d)", ErrInvalidCiphertext, len(ciphertext), nonceSize)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// GenerateKey returns a fresh cryptographically random 32-byte AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secretcrypto: key generation failed: %w", err)
	}
	return key, nil
}
