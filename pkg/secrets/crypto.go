// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets stores encrypted secret values, manages per-component
// grants, and scrubs secret material from execution outputs.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// MinIterations is the PBKDF2 floor; weaker derivations are refused.
const MinIterations = 100_000

// keySaltLabel fixes the derivation salt. Changing it orphans every
// stored ciphertext.
const keySaltLabel = "cyfr.secrets.v1"

// ErrDecrypt covers authentication failures and truncated ciphertexts.
var ErrDecrypt = errors.New("decryption failed")

// Cipher seals and opens secret values with AES-256-GCM under a key
// derived from the configured secret key base.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the data key with PBKDF2-SHA256 and prepares the AEAD.
func NewCipher(secretKeyBase string, iterations int) (*Cipher, error) {
	if secretKeyBase == "" {
		return nil, errors.New("secret key base cannot be empty")
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("pbkdf2 iterations %d below minimum %d", iterations, MinIterations)
	}

	key := pbkdf2.Key([]byte(secretKeyBase), []byte(keySaltLabel), iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext, returning nonce-prefixed ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce-prefixed ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
