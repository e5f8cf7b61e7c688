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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultBucket   = "routervault-artifacts"
	metaKey         = "routervault-meta"
	stateObjectName = "state"
	logObjectSuffix = ".log"
)

var errNATSURLRequired = errors.New("nats url is required")

// NATSConfig selects the JetStream object store bucket.
type NATSConfig struct {
	URL       string              `json:"url"`
	Bucket    string              `json:"bucket"`
	CredsFile string              `json:"creds_file,omitempty"`
	TLS       *natsutil.TLSConfig `json:"tls,omitempty"`
	Replicas  int                 `json:"replicas,omitempty"`
	MaxBytes  int64               `json:"max_bytes,omitempty"`
}

// NATSBackend stores artifacts in a JetStream object store. Objects are named
// <device>/<sequence>; the log excerpt lives in <device>/<sequence>.log and
// the state record in <device>/state. The payload object carries the
// metadata and is written last.
type NATSBackend struct {
	nc     *nats.Conn
	store  jetstream.ObjectStore
	logger logger.Logger

	mu sync.Mutex
}

// NewNATSBackend connects to NATS and creates the bucket if needed.
func NewNATSBackend(ctx context.Context, cfg NATSConfig, log logger.Logger) (*NATSBackend, error) {
	if cfg.URL == "" {
		return nil, errNATSURLRequired
	}

	nc, err := natsutil.Connect(natsutil.ConnConfig{URL: cfg.URL, CredsFile: cfg.CredsFile, TLS: cfg.TLS}, "routervault-storage")
	if err != nil {
		return nil, unavailable("connect to NATS", err)
	}

	b, err := newNATSBackend(ctx, nc, cfg, log)
	if err != nil {
		nc.Close()

		return nil, err
	}

	return b, nil
}

func newNATSBackend(ctx context.Context, nc *nats.Conn, cfg NATSConfig, log logger.Logger) (*NATSBackend, error) {
	if log == nil {
		log = logger.NewTestLogger()
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "RouterOS configuration backups",
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		MaxBytes:    cfg.MaxBytes,
	})
	if err != nil {
		return nil, unavailable("create object store", err)
	}

	return &NATSBackend{nc: nc, store: store, logger: log}, nil
}

func objectName(safe string, seq uint64) string {
	return safe + "/" + fmt.Sprintf(seqFormat, seq)
}

// Put implements Backend.
func (b *NATSBackend) Put(ctx context.Context, deviceName string, art *models.Artifact) (models.ArtifactRef, error) {
	meta, err := prepareMeta(deviceName, art)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	safe, err := checkDevice(deviceName)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	name := objectName(safe, meta.Sequence)

	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.store.GetInfo(ctx, name)
	switch {
	case err == nil:
		existing, err := decodeObjectMeta(info)
		if err != nil {
			return models.ArtifactRef{}, err
		}

		b.logger.Debug().Str("device", deviceName).Uint64("sequence", meta.Sequence).
			Msg("Artifact already stored, returning existing reference")

		existing.DeviceName = deviceName
		existing.Sequence = meta.Sequence

		return existing.Ref(), nil
	case !errors.Is(err, jetstream.ErrObjectNotFound):
		return models.ArtifactRef{}, unavailable("stat artifact", err)
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := b.store.PutBytes(ctx, name+logObjectSuffix, art.Logs); err != nil {
		return models.ArtifactRef{}, unavailable("put log excerpt", err)
	}

	_, err = b.store.Put(ctx, jetstream.ObjectMeta{
		Name:        name,
		Description: meta.Ref().String(),
		Metadata:    map[string]string{metaKey: string(encoded)},
	}, bytes.NewReader(art.Config))
	if err != nil {
		return models.ArtifactRef{}, unavailable("put artifact", err)
	}

	return meta.Ref(), nil
}

// List implements Backend. An object with undecodable metadata fails the
// listing with ErrCorrupt.
func (b *NATSBackend) List(ctx context.Context, deviceName string) ([]models.ArtifactMeta, error) {
	safe, err := checkDevice(deviceName)
	if err != nil {
		return nil, err
	}

	infos, err := b.store.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return []models.ArtifactMeta{}, nil
	}

	if err != nil {
		return nil, unavailable("list objects", err)
	}

	prefix := safe + "/"
	metas := make([]models.ArtifactMeta, 0)

	for _, info := range infos {
		if info == nil || info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		seq, err := strconv.ParseUint(strings.TrimPrefix(info.Name, prefix), 10, 64)
		if err != nil {
			continue
		}

		meta, err := decodeObjectMeta(info)
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
func (b *NATSBackend) Get(ctx context.Context, ref models.ArtifactRef) (*models.Artifact, error) {
	safe, err := checkDevice(ref.DeviceName)
	if err != nil {
		return nil, err
	}

	name := objectName(safe, ref.Sequence)

	info, err := b.store.GetInfo(ctx, name)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, ref)
	}

	if err != nil {
		return nil, unavailable("stat artifact", err)
	}

	meta, err := decodeObjectMeta(info)
	if err != nil {
		return nil, err
	}

	meta.DeviceName = ref.DeviceName
	meta.Sequence = ref.Sequence

	config, err := b.store.GetBytes(ctx, name)
	if err != nil {
		return nil, mapGetError(ref, err)
	}

	if err := verify(meta, config); err != nil {
		return nil, err
	}

	logs, err := b.store.GetBytes(ctx, name+logObjectSuffix)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, unavailable("get log excerpt", err)
	}

	return &models.Artifact{ArtifactMeta: meta, Config: config, Logs: logs}, nil
}

// Delete implements Backend.
func (b *NATSBackend) Delete(ctx context.Context, ref models.ArtifactRef) error {
	safe, err := checkDevice(ref.DeviceName)
	if err != nil {
		return err
	}

	name := objectName(safe, ref.Sequence)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, obj := range []string{name, name + logObjectSuffix} {
		if err := b.store.Delete(ctx, obj); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
			return unavailable("delete object", err)
		}
	}

	return nil
}

// SaveState implements Backend.
func (b *NATSBackend) SaveState(ctx context.Context, deviceName string, state *models.DeviceState) error {
	safe, err := checkDevice(deviceName)
	if err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if _, err := b.store.PutBytes(ctx, safe+"/"+stateObjectName, data); err != nil {
		return unavailable("put state", err)
	}

	return nil
}

// LoadState implements Backend.
func (b *NATSBackend) LoadState(ctx context.Context, deviceName string) (*models.DeviceState, error) {
	safe, err := checkDevice(deviceName)
	if err != nil {
		return nil, err
	}

	data, err := b.store.GetBytes(ctx, safe+"/"+stateObjectName)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: state for %s", ErrNotFound, deviceName)
	}

	if err != nil {
		return nil, unavailable("get state", err)
	}

	var state models.DeviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: state for %s: %w", ErrCorrupt, deviceName, err)
	}

	return &state, nil
}

// Close implements Backend.
func (b *NATSBackend) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}

	return nil
}

func decodeObjectMeta(info *jetstream.ObjectInfo) (models.ArtifactMeta, error) {
	var meta models.ArtifactMeta

	raw, ok := info.Metadata[metaKey]
	if !ok {
		return meta, fmt.Errorf("%w: %s has no metadata", ErrCorrupt, info.Name)
	}

	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, fmt.Errorf("%w: %s: %w", ErrCorrupt, info.Name, err)
	}

	return meta, checkMeta(info.Name, meta)
}

func mapGetError(ref models.ArtifactRef, err error) error {
	switch {
	case errors.Is(err, jetstream.ErrObjectNotFound):
		return fmt.Errorf("%w: artifact %s", ErrNotFound, ref)
	case errors.Is(err, jetstream.ErrDigestMismatch):
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, ref, err)
	default:
		return unavailable("get artifact", err)
	}
}
