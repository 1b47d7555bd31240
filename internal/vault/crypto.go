// Package vault provides the sealing of moment content at rest and the TLS
// certificate used by the platform bridge.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a sealed value inside the persisted envelope.
const SealedPrefix = "enc:"

// ErrDecrypt is returned when a sealed value cannot be opened with the key.
var ErrDecrypt = errors.New("decryption failed (wrong key or tampered data)")

// Sealer encrypts strings with AES-GCM under a fixed 32-byte key.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a Sealer for key.
func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal returns SealedPrefix followed by hex(nonce || ciphertext).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + hex.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without SealedPrefix are returned unchanged so
// files written before a key was configured still load.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("sealed value: %w", err)
	}
	n := s.gcm.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := s.gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}
