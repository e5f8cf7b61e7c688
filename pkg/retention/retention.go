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

// Package retention prunes old artifacts according to a per-device policy.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/storage"
)

// Plan splits metas into the artifacts to keep and to remove. Candidates are
// ranked newest first by sequence; the newest is always kept, the next ones
// are kept while within MaxCount and younger than MaxAge.
func Plan(metas []models.ArtifactMeta, policy models.RetentionPolicy, now time.Time) (keep, remove []models.ArtifactMeta) {
	if len(metas) == 0 {
		return nil, nil
	}

	sorted := make([]models.ArtifactMeta, len(metas))
	copy(sorted, metas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence > sorted[j].Sequence })

	for i, meta := range sorted {
		if i == 0 || retained(i, meta, policy, now) {
			keep = append(keep, meta)
			continue
		}

		remove = append(remove, meta)
	}

	return keep, remove
}

func retained(rank int, meta models.ArtifactMeta, policy models.RetentionPolicy, now time.Time) bool {
	if policy.MaxCount >= 0 && rank >= max(policy.MaxCount, 1) {
		return false
	}

	if policy.MaxAge > 0 && now.Sub(meta.CapturedAt) > time.Duration(policy.MaxAge) {
		return false
	}

	return true
}

// Failure is one artifact that could not be removed.
type Failure struct {
	Ref models.ArtifactRef
	Err error
}

// Report summarises one prune pass.
type Report struct {
	Device  string
	Kept    int
	Removed []models.ArtifactRef
	Failed  []Failure
}

// Manager applies retention against a storage backend.
type Manager struct {
	backend storage.Backend
	logger  logger.Logger
	now     func() time.Time
}

// NewManager returns a Manager using the wall clock.
func NewManager(backend storage.Backend, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Manager{backend: backend, logger: log, now: time.Now}
}

// Prune deletes every artifact of deviceName outside policy. Each delete is
// attempted even if an earlier one failed; failures are reported and joined
// into the returned error.
func (m *Manager) Prune(ctx context.Context, deviceName string, policy models.RetentionPolicy) (*Report, error) {
	report := &Report{Device: deviceName}

	metas, err := m.backend.List(ctx, deviceName)
	if err != nil {
		return report, fmt.Errorf("list artifacts for %s: %w", deviceName, err)
	}

	keep, remove := Plan(metas, policy, m.now())
	report.Kept = len(keep)

	var errs []error

	for _, meta := range remove {
		ref := meta.Ref()

		if err := m.backend.Delete(ctx, ref); err != nil {
			report.Failed = append(report.Failed, Failure{Ref: ref, Err: err})
			errs = append(errs, fmt.Errorf("delete %s: %w", ref, err))

			continue
		}

		report.Removed = append(report.Removed, ref)
	}

	if len(report.Removed) > 0 || len(report.Failed) > 0 {
		m.logger.Info().
			Str("device", deviceName).
			Int("kept", report.Kept).
			Int("removed", len(report.Removed)).
			Int("failed", len(report.Failed)).
			Msg("Retention applied")
	}

	return report, errors.Join(errs...)
}
