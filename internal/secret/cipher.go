// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// MinPassphraseLength is the shortest passphrase accepted by NewCipher.
	MinPassphraseLength = 32

	nonceSize = 16
	tagSize   = 16
)

var (
	// ErrConfiguration marks missing or invalid configuration for a subsystem.
	ErrConfiguration = errors.New("configuration error")
	// ErrIntegrity is returned when a ciphertext fails authentication.
	ErrIntegrity = errors.New("ciphertext integrity check failed")
)

// ConfigurationError describes which setting is missing or invalid.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Setting, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// Cipher encrypts and decrypts credential secrets with AES-256-GCM.
// Blobs are base64(nonce | tag | ciphertext) with a 16-byte nonce, which
// matches the records already stored in api_credentials.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key as SHA-256 of the passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, &ConfigurationError{
			Setting: "ENCRYPTION_KEY",
			Reason:  fmt.Sprintf("must be at least %d characters", MinPassphraseLength),
		}
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; the stored layout puts it first.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure mode wraps ErrIntegrity.
func (c *Cipher) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrIntegrity, err)
	}
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: blob too short (%d bytes)", ErrIntegrity, len(raw))
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return string(plain), nil
}
