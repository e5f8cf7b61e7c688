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

// Package registry persists the set of managed devices and their last known
// backup state.
package registry

//go:generate mockgen -destination=mock_store.go -package=registry github.com/carverauto/routervault/pkg/registry Store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/storage"
)

var (
	// ErrNotFound is returned when no device has the requested id.
	ErrNotFound = errors.New("device not found")
	// ErrConflict is returned when a device name is already taken, or maps
	// to the same artifact directory as another device's name.
	ErrConflict = errors.New("device name already registered")
	// ErrNameImmutable is returned when renaming a device that has backups.
	ErrNameImmutable = errors.New("device name cannot change once backups exist")
)

// Store is the device registry. Implementations return copies; callers own
// what they get back.
type Store interface {
	List(ctx context.Context) ([]*models.Device, error)
	Get(ctx context.Context, id string) (*models.Device, error)
	Put(ctx context.Context, device *models.Device) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryStore keeps devices in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
}

// NewMemoryStore returns an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*models.Device)}
}

// List returns devices ordered by name.
func (m *MemoryStore) List(ctx context.Context) ([]*models.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}

	return d.Clone(), nil
}

// Put inserts or replaces a device. Storage names (see storage.SafeName) are
// unique across devices; the check and the write share one lock.
func (m *MemoryStore) Put(ctx context.Context, device *models.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	safe := storage.SafeName(device.Name)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, d := range m.devices {
		if id != device.ID && storage.SafeName(d.Name) == safe {
			return fmt.Errorf("%w: %s collides with %s", ErrConflict, device.Name, d.Name)
		}
	}

	m.devices[device.ID] = device.Clone()

	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}

	delete(m.devices, id)

	return nil
}

func (*MemoryStore) Close() error { return nil }
