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

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/retry"
)

// RetryingBackend retries ErrUnavailable failures of the wrapped backend
// with backoff. Corrupt and not-found errors surface immediately.
type RetryingBackend struct {
	inner  Backend
	policy retry.Policy
	logger logger.Logger
}

var _ Backend = (*RetryingBackend)(nil)

// Retrying wraps b.
func Retrying(b Backend, policy retry.Policy, log logger.Logger) *RetryingBackend {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &RetryingBackend{inner: b, policy: policy.WithDefaults(), logger: log}
}

func (r *RetryingBackend) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.policy, IsTransient, fn, retry.WithLogger(r.logger, op))
}

func (r *RetryingBackend) Put(ctx context.Context, deviceName string, art *models.Artifact) (models.ArtifactRef, error) {
	var ref models.ArtifactRef

	err := r.do(ctx, "storage.put", func(ctx context.Context) error {
		var err error
		ref, err = r.inner.Put(ctx, deviceName, art)

		return err
	})

	return ref, err
}

func (r *RetryingBackend) List(ctx context.Context, deviceName string) ([]models.ArtifactMeta, error) {
	var metas []models.ArtifactMeta

	err := r.do(ctx, "storage.list", func(ctx context.Context) error {
		var err error
		metas, err = r.inner.List(ctx, deviceName)

		return err
	})

	return metas, err
}

func (r *RetryingBackend) Get(ctx context.Context, ref models.ArtifactRef) (*models.Artifact, error) {
	var art *models.Artifact

	err := r.do(ctx, "storage.get", func(ctx context.Context) error {
		var err error
		art, err = r.inner.Get(ctx, ref)

		return err
	})

	return art, err
}

func (r *RetryingBackend) Delete(ctx context.Context, ref models.ArtifactRef) error {
	return r.do(ctx, "storage.delete", func(ctx context.Context) error {
		return r.inner.Delete(ctx, ref)
	})
}

func (r *RetryingBackend) SaveState(ctx context.Context, deviceName string, state *models.DeviceState) error {
	return r.do(ctx, "storage.save_state", func(ctx context.Context) error {
		return r.inner.SaveState(ctx, deviceName, state)
	})
}

func (r *RetryingBackend) LoadState(ctx context.Context, deviceName string) (*models.DeviceState, error) {
	var state *models.DeviceState

	err := r.do(ctx, "storage.load_state", func(ctx context.Context) error {
		var err error
		state, err = r.inner.LoadState(ctx, deviceName)

		return err
	})

	return state, err
}

func (r *RetryingBackend) Close() error {
	return r.inner.Close()
}
