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

package registry

import (
	"context"
	"sync"

	"github.com/carverauto/routervault/pkg/models"
)

// Book serializes every read-modify-write of a device. Different devices
// never wait on each other.
type Book struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBook wraps store.
func NewBook(store Store) *Book {
	return &Book{store: store, locks: make(map[string]*sync.Mutex)}
}

// Store exposes the underlying store for reads.
func (b *Book) Store() Store { return b.store }

func (b *Book) lock(id string) func() {
	b.mu.Lock()

	l, ok := b.locks[id]
	if !ok {
		l = &sync.Mutex{}
		b.locks[id] = l
	}

	b.mu.Unlock()

	l.Lock()

	return l.Unlock
}

// List returns every device.
func (b *Book) List(ctx context.Context) ([]*models.Device, error) {
	return b.store.List(ctx)
}

// Get returns one device.
func (b *Book) Get(ctx context.Context, id string) (*models.Device, error) {
	return b.store.Get(ctx, id)
}

// Update loads the device, applies fn and stores the result. Nothing is
// written when fn fails.
func (b *Book) Update(ctx context.Context, id string, fn func(*models.Device) error) (*models.Device, error) {
	unlock := b.lock(id)
	defer unlock()

	d, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	if err := b.store.Put(ctx, d); err != nil {
		return nil, err
	}

	return d.Clone(), nil
}

// Create stores a new device.
func (b *Book) Create(ctx context.Context, d *models.Device) error {
	unlock := b.lock(d.ID)
	defer unlock()

	return b.store.Put(ctx, d)
}

// Delete removes a device.
func (b *Book) Delete(ctx context.Context, id string) error {
	unlock := b.lock(id)
	defer unlock()

	if err := b.store.Delete(ctx, id); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.locks, id)
	b.mu.Unlock()

	return nil
}
