/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package vault encrypts device credentials at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	keyLength   = 32
	nonceLength = 12

	blobVersion byte = 1
)

var (
	errInvalidKeyLength   = errors.New("encryption key must be 32 bytes")
	errCiphertextTooShort = errors.New("ciphertext too short")
	errUnknownVersion     = errors.New("unknown blob version")
	errDecodeBlob         = errors.New("blob is not valid base64")
)

// Vault seals and opens credential blobs. It is safe for concurrent use and
// its key never changes after construction.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New constructs a Vault from a 32 byte key.
func New(key []byte) (*Vault, error) {
	if len(key) == 0 {
		return nil, newError(KindKeyMissing, nil)
	}

	if len(key) != keyLength {
		return nil, newError(KindKeyMalformed, errInvalidKeyLength)
	}

	buf := make([]byte, keyLength)
	copy(buf, key)

	block, err := aes.NewCipher(buf)
	if err != nil {
		return nil, newError(KindInternal, fmt.Errorf("create cipher: %w", err))
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newError(KindInternal, fmt.Errorf("init gcm: %w", err))
	}

	return &Vault{aead: gcm, rand: rand.Reader}, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns
// base64(version || nonce || ciphertext).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", newError(KindInternal, fmt.Errorf("generate nonce: %w", err))
	}

	out := make([]byte, 0, 1+nonceLength+len(plaintext)+v.aead.Overhead())
	out = append(out, blobVersion)
	out = append(out, nonce...)
	out = v.aead.Seal(out, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any authentication failure, truncation or
// foreign blob is reported as KindTampered.
func (v *Vault) Decrypt(blob string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, newError(KindTampered, errDecodeBlob)
	}

	if len(payload) < 1+nonceLength+v.aead.Overhead() {
		return nil, newError(KindTampered, errCiphertextTooShort)
	}

	if payload[0] != blobVersion {
		return nil, newError(KindTampered, errUnknownVersion)
	}

	nonce := payload[1 : 1+nonceLength]

	plaintext, err := v.aead.Open(nil, nonce, payload[1+nonceLength:], nil)
	if err != nil {
		return nil, newError(KindTampered, err)
	}

	return plaintext, nil
}

// EncryptString is Encrypt for string secrets.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string secrets.
func (v *Vault) DecryptString(blob string) (string, error) {
	plaintext, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// Rekey opens blob with oldVault and seals the plaintext with newVault.
func Rekey(oldVault, newVault *Vault, blob string) (string, error) {
	plaintext, err := oldVault.Decrypt(blob)
	if err != nil {
		return "", err
	}

	return newVault.Encrypt(plaintext)
}
