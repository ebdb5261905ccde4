package firestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// CodeCipher encrypts redemption code values at rest with AES-GCM. Stored
// values are base64(nonce || ciphertext).
type CodeCipher struct {
	aead cipher.AEAD
}

// NewCodeCipher builds a cipher from a 16, 24 or 32 byte key.
func NewCodeCipher(key []byte) (*CodeCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("code cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("code cipher: %w", err)
	}
	return &CodeCipher{aead: aead}, nil
}

// Encrypt seals the plaintext code for storage.
func (c *CodeCipher) Encrypt(plaintext string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("code cipher: not initialised")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("code cipher: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value back into the plaintext code.
func (c *CodeCipher) Decrypt(encoded string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("code cipher: not initialised")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("code cipher: decode: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("code cipher: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("code cipher: open: %w", err)
	}
	return string(plaintext), nil
}
