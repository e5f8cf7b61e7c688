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

// Package storage persists versioned configuration artifacts and per-device
// state records.
package storage

//go:generate mockgen -destination=mock_backend.go -package=storage github.com/carverauto/routervault/pkg/storage Backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/carverauto/routervault/pkg/fingerprint"
	"github.com/carverauto/routervault/pkg/models"
)

var (
	// ErrUnavailable marks transient failures; callers may retry.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrCorrupt marks an artifact whose payload no longer matches its metadata.
	ErrCorrupt = errors.New("artifact corrupt")
	// ErrNotFound is returned for missing artifacts and state records.
	ErrNotFound = errors.New("not found")

	errInvalidSequence    = errors.New("artifact sequence must be positive")
	errInvalidDevice      = errors.New("device name is empty")
	errInvalidFingerprint = errors.New("artifact fingerprint is not a sha256 digest")
)

// Backend stores artifacts per device. Implementations must publish an
// artifact atomically: readers either see all of it or none of it.
type Backend interface {
	// Put stores art under its sequence. Storing a sequence that already
	// exists returns the existing reference without rewriting it.
	Put(ctx context.Context, deviceName string, art *models.Artifact) (models.ArtifactRef, error)
	// List returns artifact metadata ordered oldest to newest.
	List(ctx context.Context, deviceName string) ([]models.ArtifactMeta, error)
	Get(ctx context.Context, ref models.ArtifactRef) (*models.Artifact, error)
	// Delete removes an artifact; deleting a missing artifact succeeds.
	Delete(ctx context.Context, ref models.ArtifactRef) error
	SaveState(ctx context.Context, deviceName string, state *models.DeviceState) error
	LoadState(ctx context.Context, deviceName string) (*models.DeviceState, error)
	Close() error
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// SafeName maps a device name to a path segment: letters, digits, '-' and
// '_' are kept, everything else becomes '_', and leading or trailing '_'
// are trimmed.
func SafeName(name string) string {
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}

		return '_'
	}, name)

	return strings.Trim(safe, "_")
}

func checkDevice(deviceName string) (string, error) {
	safe := SafeName(deviceName)
	if safe == "" {
		return "", fmt.Errorf("%w: %q", errInvalidDevice, deviceName)
	}

	return safe, nil
}

// prepareMeta fills backend-owned metadata fields before a write.
func prepareMeta(deviceName string, art *models.Artifact) (models.ArtifactMeta, error) {
	if art.Sequence == 0 {
		return models.ArtifactMeta{}, errInvalidSequence
	}

	meta := art.ArtifactMeta
	meta.DeviceName = deviceName
	meta.Size = int64(len(art.Config))
	meta.LogSize = int64(len(art.Logs))

	switch {
	case meta.Fingerprint == "":
		meta.Fingerprint = fingerprint.Sum(art.Config)
	case !fingerprint.Valid(meta.Fingerprint):
		return models.ArtifactMeta{}, fmt.Errorf("%w: %q", errInvalidFingerprint, meta.Fingerprint)
	}

	return meta, nil
}

// checkMeta rejects decoded metadata that could never verify a payload.
func checkMeta(name string, meta models.ArtifactMeta) error {
	if meta.Sequence == 0 {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, name, errInvalidSequence)
	}

	if !fingerprint.Valid(meta.Fingerprint) {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, name, errInvalidFingerprint)
	}

	return nil
}

// verify checks a loaded payload against its metadata.
func verify(meta models.ArtifactMeta, config []byte) error {
	if int64(len(config)) != meta.Size {
		return fmt.Errorf("%w: %s size %d, expected %d", ErrCorrupt, meta.Ref(), len(config), meta.Size)
	}

	if !fingerprint.Equal(meta.Fingerprint, fingerprint.Sum(config)) {
		return fmt.Errorf("%w: %s fingerprint mismatch", ErrCorrupt, meta.Ref())
	}

	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrNotFound) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
