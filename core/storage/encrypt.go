package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// DEKSize is the AES-256 key length.
const DEKSize = 32

// ParseDEK decodes a base64 data encryption key (32 bytes after decoding).
func ParseDEK(dekB64 string) ([]byte, error) {
	if dekB64 == "" {
		return nil, errors.New("data encryption key is not set")
	}
	dek, err := base64.StdEncoding.DecodeString(dekB64)
	if err != nil {
		return nil, fmt.Errorf("decode data encryption key: %w", err)
	}
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("data encryption key must be %d bytes, got %d", DEKSize, len(dek))
	}
	return dek, nil
}

// NewDEK returns a random key, base64 encoded, for keygen and tests.
func NewDEK() (string, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(dek), nil
}

// Cipher seals values at rest with AES-256-GCM. The random nonce is
// prepended to the ciphertext.
type Cipher struct {
	gcm cipher.AEAD
}

func NewCipher(dek []byte) (*Cipher, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("data encryption key must be %d bytes, got %d", DEKSize, len(dek))
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM and a random nonce
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return c.gcm.Open(nil, nonce, ct, nil)
}
