// Package compliance wraps any storage backend with a policy layer:
// field-level encryption at rest, an append-only audit trail, consent-gated
// writes, data-inventory tracking, and subject-centric export and erasure.
package compliance

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Encryptor transforms sensitive field values using AES-256-GCM
// (authenticated encryption). The key is derived via SHA-256 from a
// passphrase.
type Encryptor struct {
	mu     sync.RWMutex
	aead   cipher.AEAD
	prefix string // Encrypted values are prefixed with this to identify them.
}

const encryptedPrefix = "enc:v1:"

// NewEncryptor creates an Encryptor from a passphrase.
// The passphrase is hashed with SHA-256 to produce a 32-byte AES key.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if len(passphrase) < 8 {
		return nil, fmt.Errorf("passphrase must be at least 8 characters")
	}

	hash := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Encryptor{
		aead:   aead,
		prefix: encryptedPrefix,
	}, nil
}

// Encrypt encrypts a plaintext value and returns a base64-encoded ciphertext
// prefixed with "enc:v1:" to identify it as encrypted.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	return e.prefix + encoded, nil
}

// Decrypt decrypts a value encrypted by Encrypt(). Values without the
// encryption prefix are returned as-is, so tables with a mix of plaintext
// and encrypted history keep reading.
func (e *Encryptor) Decrypt(encrypted string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !strings.HasPrefix(encrypted, e.prefix) {
		return encrypted, nil
	}

	encoded := encrypted[len(e.prefix):]
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce := data[:nonceSize]
	ciphertext := data[nonceSize:]

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted checks if a value has the encryption prefix.
func (e *Encryptor) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, e.prefix)
}
