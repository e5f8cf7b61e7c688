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

package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	minSaltLen   = 8
)

var (
	errAmbiguousKey = errors.New("exactly one of key, key_file or passphrase may be set")
	errSaltRequired = errors.New("passphrase requires a salt of at least 8 bytes")
	errUndecodable  = errors.New("key is neither hex nor base64")
)

// KeyConfig selects where the 32 byte vault key comes from.
type KeyConfig struct {
	Key        string `json:"key" sensitive:"true"`
	KeyFile    string `json:"key_file"`
	Passphrase string `json:"passphrase" sensitive:"true"`
	Salt       string `json:"salt"`
}

// LoadKey resolves the configured key source to raw key bytes. Passphrases
// are stretched with Argon2id.
func LoadKey(cfg KeyConfig) ([]byte, error) {
	sources := 0

	for _, s := range []string{cfg.Key, cfg.KeyFile, cfg.Passphrase} {
		if s != "" {
			sources++
		}
	}

	switch {
	case sources == 0:
		return nil, newError(KindKeyMissing, nil)
	case sources > 1:
		return nil, newError(KindKeyMalformed, errAmbiguousKey)
	}

	switch {
	case cfg.Key != "":
		return DecodeKey(cfg.Key)
	case cfg.KeyFile != "":
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, newError(KindKeyMissing, err)
			}

			return nil, newError(KindInternal, fmt.Errorf("read key file: %w", err))
		}

		return DecodeKey(string(data))
	default:
		return DeriveKey(cfg.Passphrase, cfg.Salt)
	}
}

// DecodeKey accepts a 32 byte key encoded as hex or any base64 alphabet.
func DecodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, newError(KindKeyMissing, nil)
	}

	if key, err := hex.DecodeString(encoded); err == nil {
		return checkLength(key)
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return checkLength(key)
		}
	}

	return nil, newError(KindKeyMalformed, errUndecodable)
}

// DeriveKey stretches a passphrase into a vault key.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, newError(KindKeyMissing, nil)
	}

	if len(salt) < minSaltLen {
		return nil, newError(KindKeyMalformed, errSaltRequired)
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, keyLength), nil
}

// GenerateKey returns a new random key encoded as base64.
func GenerateKey() (string, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return "", newError(KindInternal, fmt.Errorf("generate key: %w", err))
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

func checkLength(key []byte) ([]byte, error) {
	if len(key) != keyLength {
		return nil, newError(KindKeyMalformed, fmt.Errorf("%w: got %d", errInvalidKeyLength, len(key)))
	}

	return key, nil
}
