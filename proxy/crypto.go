// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the OpenAI-compatible reverse proxy: input and
// output detection around upstream model calls, streaming pass-through with
// placeholder restoration, and direct-model access with usage metering.
package proxy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// KeyCipher encrypts upstream API keys at rest with AES-256-GCM. The key
// lives in a single file under the data directory and is generated on first
// start.
type KeyCipher struct {
	aead cipher.AEAD
}

// LoadOrCreateKeyCipher reads the 32-byte key file, creating it with a fresh
// random key when absent.
func LoadOrCreateKeyCipher(path string) (*KeyCipher, error) {
	key, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create key dir: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write encryption key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key at %s must be 32 bytes, got %d", path, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &KeyCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *KeyCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty input decrypts to an empty string.
func (c *KeyCipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("malformed encrypted key: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("encrypted key too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key: %w", err)
	}
	return string(plain), nil
}
