// Package vault provides authenticated encryption for OAuth secret material
// stored on EHR connections. Tokens are encrypted at rest and only decrypted
// transiently by the token lifecycle manager.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// CredentialVault provides AES-256-GCM encryption and decryption for
// connection secrets. The key is process-wide and read-only after init.
type CredentialVault struct {
	aead cipher.AEAD
}

// New creates a CredentialVault with the given 32-byte AES-256 key.
func New(key []byte) (*CredentialVault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credential vault: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential vault: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential vault: create GCM: %w", err)
	}

	return &CredentialVault{aead: aead}, nil
}

// Encrypt encrypts the plaintext string and returns a base64-encoded
// ciphertext with the nonce prepended.
func (v *CredentialVault) Encrypt(plaintext string) (string, error) {
	encrypted, err := v.EncryptBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Decrypt decodes the base64 ciphertext, extracts the prepended nonce, and decrypts.
func (v *CredentialVault) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault decrypt: base64 decode: %w", err)
	}

	plaintext, err := v.DecryptBytes(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptBytes encrypts the data and returns the nonce prepended to the ciphertext.
func (v *CredentialVault) EncryptBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return v.aead.Seal(nonce, nonce, data, nil), nil
}

// DecryptBytes extracts the nonce from the front of data and decrypts the remainder.
func (v *CredentialVault) DecryptBytes(data []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("vault decrypt: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: %w", err)
	}
	return plaintext, nil
}
