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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
)

const (
	payloadExt = ".rsc"
	logExt     = ".log"
	metaExt    = ".meta.json"
	stateFile  = "device.json"
	seqFormat  = "%06d"

	dirPerm  = 0o750
	filePerm = 0o640
)

var errRootRequired = errors.New("local storage root is required")

// LocalBackend stores artifacts below a root directory, one subdirectory per
// device. An artifact is visible once its metadata sidecar exists; the
// sidecar is always written last.
type LocalBackend struct {
	root   string
	logger logger.Logger

	// serializes writers so the existence check in Put is race free
	mu sync.Mutex
}

// NewLocalBackend creates root if needed.
func NewLocalBackend(root string, log logger.Logger) (*LocalBackend, error) {
	if root == "" {
		return nil, errRootRequired
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, unavailable("create root", err)
	}

	return &LocalBackend{root: root, logger: log}, nil
}

func (b *LocalBackend) deviceDir(deviceName string) (string, error) {
	safe, err := checkDevice(deviceName)
	if err != nil {
		return "", err
	}

	return filepath.Join(b.root, safe), nil
}

func artifactBase(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf(seqFormat, seq))
}

// Put implements Backend.
func (b *LocalBackend) Put(ctx context.Context, deviceName string, art *models.Artifact) (models.ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return models.ArtifactRef{}, err
	}

	meta, err := prepareMeta(deviceName, art)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	dir, err := b.deviceDir(deviceName)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	base := artifactBase(dir, meta.Sequence)

	existing, err := readMeta(base + metaExt)
	if err == nil {
		b.logger.Debug().Str("device", deviceName).Uint64("sequence", meta.Sequence).
			Msg("Artifact already stored, returning existing reference")

		existing.DeviceName = deviceName
		existing.Sequence = meta.Sequence

		return existing.Ref(), nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return models.ArtifactRef{}, err
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return models.ArtifactRef{}, unavailable("create device dir", err)
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("encode metadata: %w", err)
	}

	if err := writeFileAtomic(base+payloadExt, art.Config); err != nil {
		return models.ArtifactRef{}, unavailable("write payload", err)
	}

	if err := writeFileAtomic(base+logExt, art.Logs); err != nil {
		return models.ArtifactRef{}, unavailable("write log excerpt", err)
	}

	if err := writeFileAtomic(base+metaExt, metaBytes); err != nil {
		return models.ArtifactRef{}, unavailable("write metadata", err)
	}

	if err := syncDir(dir); err != nil {
		return models.ArtifactRef{}, unavailable("sync device dir", err)
	}

	return meta.Ref(), nil
}

// List implements Backend. A sidecar that cannot be decoded fails the whole
// listing with ErrCorrupt.
func (b *LocalBackend) List(ctx context.Context, deviceName string) ([]models.ArtifactMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := b.deviceDir(deviceName)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.ArtifactMeta{}, nil
	}

	if err != nil {
		return nil, unavailable("list device dir", err)
	}

	metas := make([]models.ArtifactMeta, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaExt) {
			continue
		}

		seq, err := strconv.ParseUint(strings.TrimSuffix(name, metaExt), 10, 64)
		if err != nil {
			continue
		}

		meta, err := readMeta(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			// deleted since ReadDir
			continue
		}

		if err != nil {
			return nil, err
		}

		meta.Sequence = seq
		meta.DeviceName = deviceName
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].Sequence < metas[j].Sequence })

	return metas, nil
}

// Get implements Backend.
func (b *LocalBackend) Get(ctx context.Context, ref models.ArtifactRef) (*models.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := b.deviceDir(ref.DeviceName)
	if err != nil {
		return nil, err
	}

	base := artifactBase(dir, ref.Sequence)

	meta, err := readMeta(base + metaExt)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, ref)
	}

	if err != nil {
		return nil, err
	}

	meta.DeviceName = ref.DeviceName
	meta.Sequence = ref.Sequence

	config, err := os.ReadFile(base + payloadExt)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s payload missing", ErrCorrupt, ref)
	}

	if err != nil {
		return nil, unavailable("read payload", err)
	}

	if err := verify(meta, config); err != nil {
		return nil, err
	}

	logs, err := os.ReadFile(base + logExt)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, unavailable("read log excerpt", err)
	}

	return &models.Artifact{ArtifactMeta: meta, Config: config, Logs: logs}, nil
}

// Delete implements Backend. The sidecar goes first so a partially deleted
// artifact is already invisible.
func (b *LocalBackend) Delete(ctx context.Context, ref models.ArtifactRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := b.deviceDir(ref.DeviceName)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	base := artifactBase(dir, ref.Sequence)

	for _, path := range []string{base + metaExt, base + payloadExt, base + logExt} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return unavailable("delete artifact", err)
		}
	}

	return nil
}

// SaveState implements Backend.
func (b *LocalBackend) SaveState(ctx context.Context, deviceName string, state *models.DeviceState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := b.deviceDir(deviceName)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return unavailable("create device dir", err)
	}

	if err := writeFileAtomic(filepath.Join(dir, stateFile), data); err != nil {
		return unavailable("write state", err)
	}

	return nil
}

// LoadState implements Backend.
func (b *LocalBackend) LoadState(ctx context.Context, deviceName string) (*models.DeviceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := b.deviceDir(deviceName)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: state for %s", ErrNotFound, deviceName)
	}

	if err != nil {
		return nil, unavailable("read state", err)
	}

	var state models.DeviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: state for %s: %w", ErrCorrupt, deviceName, err)
	}

	return &state, nil
}

// Close implements Backend.
func (*LocalBackend) Close() error {
	return nil
}

func readMeta(path string) (models.ArtifactMeta, error) {
	var meta models.ArtifactMeta

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, err
		}

		return meta, unavailable("read metadata", err)
	}

	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("%w: %s: %w", ErrCorrupt, filepath.Base(path), err)
	}

	return meta, checkMeta(filepath.Base(path), meta)
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it into place.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmp.Name(), filePerm); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	return d.Sync()
}
