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

package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/carverauto/routervault/pkg/fingerprint"
	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// metasAged builds artifacts 1..n where artifact i was captured (n-i) days ago.
func metasAged(n int) []models.ArtifactMeta {
	metas := make([]models.ArtifactMeta, 0, n)
	for i := 1; i <= n; i++ {
		metas = append(metas, models.ArtifactMeta{
			DeviceName: "core",
			Sequence:   uint64(i),
			CapturedAt: now.Add(-time.Duration(n-i) * 24 * time.Hour),
		})
	}

	return metas
}

func sequences(metas []models.ArtifactMeta) []uint64 {
	out := make([]uint64, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Sequence)
	}

	return out
}

func TestPlan(t *testing.T) {
	days := func(d int) models.Duration { return models.Duration(time.Duration(d) * 24 * time.Hour) }

	cases := []struct {
		name       string
		metas      []models.ArtifactMeta
		policy     models.RetentionPolicy
		wantKeep   []uint64
		wantRemove []uint64
	}{
		{
			name:       "count limit keeps newest",
			metas:      metasAged(5),
			policy:     models.RetentionPolicy{MaxCount: 2},
			wantKeep:   []uint64{5, 4},
			wantRemove: []uint64{3, 2, 1},
		},
		{
			name:       "age limit",
			metas:      metasAged(5),
			policy:     models.RetentionPolicy{MaxCount: models.Unlimited, MaxAge: days(2)},
			wantKeep:   []uint64{5, 4, 3},
			wantRemove: []uint64{2, 1},
		},
		{
			name:       "both limits",
			metas:      metasAged(6),
			policy:     models.RetentionPolicy{MaxCount: 4, MaxAge: days(1)},
			wantKeep:   []uint64{6, 5},
			wantRemove: []uint64{4, 3, 2, 1},
		},
		{
			name:       "newest kept even when expired",
			metas:      []models.ArtifactMeta{{Sequence: 1, CapturedAt: now.Add(-365 * 24 * time.Hour)}},
			policy:     models.RetentionPolicy{MaxCount: 1, MaxAge: days(1)},
			wantKeep:   []uint64{1},
			wantRemove: nil,
		},
		{
			name:       "zero count keeps only newest",
			metas:      metasAged(3),
			policy:     models.RetentionPolicy{MaxCount: 0},
			wantKeep:   []uint64{3},
			wantRemove: []uint64{2, 1},
		},
		{
			name:       "unlimited keeps all",
			metas:      metasAged(4),
			policy:     models.RetentionPolicy{MaxCount: models.Unlimited},
			wantKeep:   []uint64{4, 3, 2, 1},
			wantRemove: nil,
		},
		{
			name: "ranks by sequence not input order",
			metas: []models.ArtifactMeta{
				{Sequence: 2, CapturedAt: now},
				{Sequence: 7, CapturedAt: now},
				{Sequence: 4, CapturedAt: now},
			},
			policy:     models.RetentionPolicy{MaxCount: 2},
			wantKeep:   []uint64{7, 4},
			wantRemove: []uint64{2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keep, remove := Plan(tc.metas, tc.policy, now)

			assert.Equal(t, tc.wantKeep, sequences(keep))

			if tc.wantRemove == nil {
				assert.Empty(t, remove)
			} else {
				assert.Equal(t, tc.wantRemove, sequences(remove))
			}
		})
	}

	keep, remove := Plan(nil, models.RetentionPolicy{MaxCount: 1}, now)
	assert.Empty(t, keep)
	assert.Empty(t, remove)
}

func newManager(t *testing.T, backend storage.Backend) *Manager {
	t.Helper()

	m := NewManager(backend, logger.NewTestLogger())
	m.now = func() time.Time { return now }

	return m
}

func TestPrune_LocalBackend(t *testing.T) {
	backend, err := storage.NewLocalBackend(t.TempDir(), nil)
	require.NoError(t, err)

	ctx := context.Background()

	for _, meta := range metasAged(5) {
		config := fmt.Sprintf("config %d", meta.Sequence)
		meta.Fingerprint = fingerprint.Sum([]byte(config))

		_, err := backend.Put(ctx, "core", &models.Artifact{ArtifactMeta: meta, Config: []byte(config)})
		require.NoError(t, err)
	}

	report, err := newManager(t, backend).Prune(ctx, "core", models.RetentionPolicy{MaxCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Kept)
	assert.Len(t, report.Removed, 2)

	metas, err := backend.List(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, sequences(metas))
}

func TestPrune_ContinuesPastFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := storage.NewMockBackend(ctrl)

	backend.EXPECT().List(gomock.Any(), "core").Return(metasAged(4), nil)
	backend.EXPECT().Delete(gomock.Any(), models.ArtifactRef{DeviceName: "core", Sequence: 2}).Return(storage.ErrUnavailable)
	backend.EXPECT().Delete(gomock.Any(), models.ArtifactRef{DeviceName: "core", Sequence: 1}).Return(nil)

	report, err := newManager(t, backend).Prune(context.Background(), "core", models.RetentionPolicy{MaxCount: 2})
	require.ErrorIs(t, err, storage.ErrUnavailable)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, uint64(2), report.Failed[0].Ref.Sequence)
	assert.Equal(t, []models.ArtifactRef{{DeviceName: "core", Sequence: 1}}, report.Removed)
	assert.Equal(t, 2, report.Kept)
}

func TestPrune_ListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := storage.NewMockBackend(ctrl)

	backend.EXPECT().List(gomock.Any(), "core").Return(nil, storage.ErrUnavailable)

	_, err := newManager(t, backend).Prune(context.Background(), "core", models.RetentionPolicy{MaxCount: 1})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}
