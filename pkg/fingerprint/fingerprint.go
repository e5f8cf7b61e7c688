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

// Package fingerprint derives change-detection digests from configuration
// exports.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/carverauto/routervault/pkg/models"
)

var (
	errEmptyDigest       = errors.New("empty checksum string")
	errUnsupportedDigest = errors.New("unsupported checksum encoding")
	errDigestLength      = errors.New("checksum is not a sha256 digest")
)

// Classification is the outcome of comparing two fingerprints.
type Classification int

const (
	NoBaseline Classification = iota
	Unchanged
	Changed
)

func (c Classification) String() string {
	switch c {
	case NoBaseline:
		return "no_baseline"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Normalize trims every line and drops blank and '#' comment lines. RouterOS
// exports start with a comment carrying the export timestamp, so identical
// configurations exported at different times normalize identically.
func Normalize(config []byte) []byte {
	var out bytes.Buffer

	for _, line := range bytes.Split(config, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if out.Len() > 0 {
			out.WriteByte('\n')
		}

		out.Write(line)
	}

	return out.Bytes()
}

// Sum returns the lowercase hex SHA-256 of the normalized config.
func Sum(config []byte) string {
	sum := sha256.Sum256(Normalize(config))

	return hex.EncodeToString(sum[:])
}

// Fingerprint digests the configuration part of a snapshot. The log excerpt
// does not participate.
func Fingerprint(s *models.Snapshot) string {
	if s == nil {
		return Sum(nil)
	}

	return Sum(s.Config)
}

// Classify compares the stored fingerprint with a fresh one.
func Classify(previous, current string) Classification {
	if previous == "" {
		return NoBaseline
	}

	if Equal(previous, current) {
		return Unchanged
	}

	return Changed
}

// Equal compares two digests in any supported encoding.
func Equal(a, b string) bool {
	da, err := decode(a)
	if err != nil {
		return false
	}

	db, err := decode(b)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(da, db) == 1
}

// Valid reports whether fp decodes to a 32 byte digest.
func Valid(fp string) bool {
	_, err := decode(fp)
	return err == nil
}

// Canonical re-encodes a hex or base64 digest as lowercase hex.
func Canonical(fp string) (string, error) {
	decoded, err := decode(fp)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(decoded), nil
}

// decode accepts hex or base64/base64url encoded digests.
func decode(s string) ([]byte, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return nil, errEmptyDigest
	}

	if decoded, err := hex.DecodeString(clean); err == nil {
		return checkLength(decoded)
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(clean); err == nil {
			return checkLength(decoded)
		}
	}

	return nil, errUnsupportedDigest
}

func checkLength(digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, errDigestLength
	}

	return digest, nil
}
