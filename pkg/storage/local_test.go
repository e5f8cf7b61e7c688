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

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *LocalBackend {
	t.Helper()

	b, err := NewLocalBackend(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)

	return b
}

func TestLocalBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend { return newTestLocal(t) })
}

func TestLocalBackend_Layout(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "Core Router", testArtifact(12, "cfg"))
	require.NoError(t, err)
	require.NoError(t, b.SaveState(ctx, "Core Router", &models.DeviceState{DeviceName: "Core Router"}))

	dir := filepath.Join(b.root, "Core_Router")

	for _, name := range []string{"000012.rsc", "000012.log", "000012.meta.json", "device.json"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "no temp files left behind")
}

func TestLocalBackend_OrphanPayloadIsInvisible(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	dir := filepath.Join(b.root, "core")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.rsc"), []byte("half written"), 0o640))

	metas, err := b.List(ctx, "core")
	require.NoError(t, err)
	assert.Empty(t, metas)

	_, err = b.Get(ctx, models.ArtifactRef{DeviceName: "core", Sequence: 1})
	require.ErrorIs(t, err, ErrNotFound)

	ref, err := b.Put(ctx, "core", testArtifact(1, "complete"))
	require.NoError(t, err)

	art, err := b.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(art.Config))
}

func TestLocalBackend_DetectsCorruptPayload(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	ref, err := b.Put(ctx, "core", testArtifact(1, "original"))
	require.NoError(t, err)

	path := filepath.Join(b.root, "core", "000001.rsc")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o640))

	_, err = b.Get(ctx, ref)
	require.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, IsTransient(err))

	require.NoError(t, os.Remove(path))

	_, err = b.Get(ctx, ref)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestLocalBackend_UnreadableSidecarIsCorrupt(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "core", testArtifact(1, "ok"))
	require.NoError(t, err)

	_, err = b.Put(ctx, "core", testArtifact(2, "changed"))
	require.NoError(t, err)

	sidecar := filepath.Join(b.root, "core", "000002.meta.json")
	require.NoError(t, os.WriteFile(sidecar, []byte("{not json"), 0o640))

	_, err = b.List(ctx, "core")
	require.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, IsTransient(err))

	_, err = b.Get(ctx, models.ArtifactRef{DeviceName: "core", Sequence: 2})
	require.ErrorIs(t, err, ErrCorrupt)

	// A put landing on the damaged sequence must not pass as already stored.
	_, err = b.Put(ctx, "core", testArtifact(2, "next"))
	require.ErrorIs(t, err, ErrCorrupt)

	payload, err := os.ReadFile(filepath.Join(b.root, "core", "000002.rsc"))
	require.NoError(t, err)
	assert.Equal(t, "changed", string(payload))
}

func TestLocalBackend_SidecarWithBadFingerprintIsCorrupt(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "core", testArtifact(1, "ok"))
	require.NoError(t, err)

	sidecar := filepath.Join(b.root, "core", "000001.meta.json")
	require.NoError(t, os.WriteFile(sidecar, []byte(`{"sequence":1,"fingerprint":"zz","size":2}`), 0o640))

	_, err = b.List(ctx, "core")
	require.ErrorIs(t, err, ErrCorrupt)
	require.ErrorIs(t, err, errInvalidFingerprint)
}

func TestLocalBackend_CanceledContext(t *testing.T) {
	b := newTestLocal(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Put(ctx, "core", testArtifact(1, "x"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewLocalBackend_RequiresRoot(t *testing.T) {
	_, err := NewLocalBackend("", nil)
	require.ErrorIs(t, err, errRootRequired)
}

func TestOpen(t *testing.T) {
	b, err := Open(context.Background(), Config{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	require.IsType(t, &RetryingBackend{}, b)
	require.NoError(t, b.Close())

	_, err = Open(context.Background(), Config{Kind: "s3"}, nil)
	require.ErrorIs(t, err, errUnknownBackend)

	_, err = Open(context.Background(), Config{Kind: KindNATS}, nil)
	require.ErrorIs(t, err, errNATSURLRequired)
}
