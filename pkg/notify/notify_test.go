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

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
)

var errDeliver = errors.New("deliver failed")

func TestEventText(t *testing.T) {
	ref := models.ArtifactRef{DeviceName: "core-router", Sequence: 2}

	tests := []struct {
		name  string
		event Event
		want  string
		level string
	}{
		{
			name:  "baseline",
			event: Event{Kind: KindBackupCreated, DeviceName: "core-router", Status: models.StatusBaselineCreated, Artifact: &ref},
			want:  "Baseline backup created for core-router\nArtifact: core-router#2",
			level: "info",
		},
		{
			name:  "changed",
			event: Event{Kind: KindBackupCreated, DeviceName: "core-router", Status: models.StatusChanged},
			want:  "Configuration change backed up for core-router",
			level: "info",
		},
		{
			name:  "failure",
			event: Event{Kind: KindBackupFailed, DeviceName: "edge", ErrorKind: "unreachable", Detail: "dial tcp: refused"},
			want:  "Backup failed for edge\nError: unreachable\ndial tcp: refused",
			level: "error",
		},
		{
			name:  "recovered",
			event: Event{Kind: KindRouterRecovered, DeviceName: "edge"},
			want:  "edge is reachable again",
			level: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Text())
			assert.Equal(t, tt.level, tt.event.Level())
		})
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ctrl := gomock.NewController(t)

	first := NewMockNotifier(ctrl)
	second := NewMockNotifier(ctrl)
	event := Event{Kind: KindBackupFailed, DeviceName: "edge"}

	first.EXPECT().Notify(gomock.Any(), event).Return(errDeliver)
	second.EXPECT().Notify(gomock.Any(), event).Return(nil)

	err := Multi{first, nil, second, NewLogNotifier(logger.NewTestLogger())}.Notify(context.Background(), event)
	require.ErrorIs(t, err, errDeliver)
}

type recorder struct {
	events chan Event
	err    error
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 16)}
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.events <- e
	return r.err
}

func (r *recorder) drain() []Event {
	var out []Event

	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestDispatcher_FiltersKinds(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, DispatcherOptions{Enabled: map[Kind]bool{KindBackupFailed: true}}, logger.NewTestLogger())

	require.NoError(t, d.Notify(context.Background(), Event{Kind: KindUnchanged, DeviceID: "a"}))
	require.NoError(t, d.Notify(context.Background(), Event{Kind: KindBackupFailed, DeviceID: "a"}))
	require.NoError(t, d.Close(context.Background()))

	got := rec.drain()
	require.Len(t, got, 1)
	assert.Equal(t, KindBackupFailed, got[0].Kind)
}

func TestDispatcher_Dedupe(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, DispatcherOptions{DedupeWindow: time.Minute}, logger.NewTestLogger())

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	recovered := Event{Kind: KindRouterRecovered, DeviceID: "a", Detail: "reachable again"}

	require.NoError(t, d.Notify(context.Background(), recovered))
	require.NoError(t, d.Notify(context.Background(), recovered))

	other := recovered
	other.DeviceID = "b"
	require.NoError(t, d.Notify(context.Background(), other))

	now = now.Add(time.Minute)
	require.NoError(t, d.Notify(context.Background(), recovered))

	require.NoError(t, d.Close(context.Background()))

	got := rec.drain()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].DeviceID)
	assert.Equal(t, "b", got[1].DeviceID)
	assert.Equal(t, "a", got[2].DeviceID)
}

func TestDispatcher_FailuresNotDeduplicated(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, DispatcherOptions{DedupeWindow: 5 * time.Minute}, logger.NewTestLogger())

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	failed := Event{Kind: KindBackupFailed, DeviceID: "a", Status: models.StatusError, ErrorKind: "timeout"}

	// Three sweeps of an outage, each one interval apart and inside the window.
	for range 3 {
		require.NoError(t, d.Notify(context.Background(), failed))
		now = now.Add(time.Minute)
	}

	require.NoError(t, d.Close(context.Background()))

	got := rec.drain()
	require.Len(t, got, 3)

	for _, e := range got {
		assert.Equal(t, KindBackupFailed, e.Kind)
	}
}

func TestDispatcher_DedupeDisabled(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, DispatcherOptions{DedupeWindow: -1}, logger.NewTestLogger())

	e := Event{Kind: KindBackupCreated, DeviceID: "a"}
	require.NoError(t, d.Notify(context.Background(), e))
	require.NoError(t, d.Notify(context.Background(), e))
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, rec.drain(), 2)
}

func TestDispatcher_SwallowsFailures(t *testing.T) {
	rec := newRecorder()
	rec.err = errDeliver

	d := NewDispatcher(rec, DispatcherOptions{}, logger.NewTestLogger())

	require.NoError(t, d.Notify(context.Background(), Event{Kind: KindBackupFailed, DeviceID: "a"}))
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, rec.drain(), 1)

	// Events after close are ignored.
	require.NoError(t, d.Notify(context.Background(), Event{Kind: KindBackupFailed, DeviceID: "b"}))
	require.NoError(t, d.Close(context.Background()))
}

type blockingNotifier struct {
	release chan struct{}
}

func (b *blockingNotifier) Notify(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}

	return nil
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	b := &blockingNotifier{release: make(chan struct{})}
	d := NewDispatcher(b, DispatcherOptions{QueueSize: 1, DedupeWindow: -1}, logger.NewTestLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Notify(context.Background(), Event{Kind: KindBackupCreated}))
	}

	close(b.release)
	require.NoError(t, d.Close(context.Background()))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestDispatcher_CloseRunsClosers(t *testing.T) {
	closed := false
	d := NewDispatcher(newRecorder(), DispatcherOptions{}, logger.NewTestLogger(), closerFunc(func() error {
		closed = true
		return nil
	}))

	require.NoError(t, d.Close(context.Background()))
	assert.True(t, closed)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Kinds: []Kind{KindBackupFailed, "sent_to_mars"}}
	require.ErrorIs(t, cfg.Validate(), errUnknownKind)

	cfg.Kinds = []Kind{KindBackupFailed}
	require.NoError(t, cfg.Validate())
}

func TestBuild_LogOnly(t *testing.T) {
	d, err := Build(context.Background(), nil, logger.NewTestLogger())
	require.NoError(t, err)

	assert.True(t, d.enabled[KindBackupCreated])
	assert.False(t, d.enabled[KindUnchanged])

	require.NoError(t, d.Notify(context.Background(), Event{Kind: KindBackupCreated}))
	require.NoError(t, d.Close(context.Background()))
}

func TestBuild_BadTelegram(t *testing.T) {
	_, err := Build(context.Background(), &Config{Telegram: &TelegramConfig{Token: "t"}}, logger.NewTestLogger())
	require.ErrorIs(t, err, errTelegramChats)
}
