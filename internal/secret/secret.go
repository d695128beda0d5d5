// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secret encrypts the OpenRouter API key before it reaches durable
// storage.
//
// Values are sealed with AES-256-GCM under a PBKDF2-SHA-256 derived key and
// serialized as ENC:base64(salt|nonce|ciphertext). Anything without the
// ENC: prefix is treated as plaintext, so pre-existing unencrypted keys
// keep working and are re-sealed on the next write.
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
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptedPrefix marks a value as encrypted.
const EncryptedPrefix = "ENC:"

const (
	keySize  = 32 // AES-256
	saltSize = 16
	// OWASP 2023 recommends 600,000+ iterations for PBKDF2-SHA-256.
	pbkdf2Iterations = 600000
)

var (
	// ErrInvalidCiphertext indicates the ciphertext format is invalid.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	// ErrDecryptionFailed indicates decryption failed (wrong passphrase or tampered data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// ZeroBytes securely zeros sensitive byte slices.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// deriveKey derives an AES-256 key from a passphrase and salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
}

// Seal encrypts plaintext under the passphrase and returns an ENC: string.
func Seal(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	buf := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	return EncryptedPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts an ENC: string produced by Seal. A value without the ENC:
// prefix is returned unchanged (legacy plaintext).
func Open(value, passphrase string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	// salt | nonce(12) | ciphertext+tag
	if len(raw) < saltSize+12+16 {
		return "", ErrInvalidCiphertext
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	key := deriveKey(passphrase, salt)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(rest) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether the value carries the ENC: prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}
