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
	"strings"
	"testing"
	"time"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	t.Cleanup(srv.Shutdown)

	return srv
}

func newTestNATS(t *testing.T) *NATSBackend {
	t.Helper()

	srv := runJetStreamServer(t)

	b, err := NewNATSBackend(context.Background(), NATSConfig{URL: srv.ClientURL(), Bucket: "test-artifacts"}, logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	return b
}

func TestNATSBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend { return newTestNATS(t) })
}

func TestNATSBackend_ObjectLayout(t *testing.T) {
	b := newTestNATS(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "core router", testArtifact(4, "cfg"))
	require.NoError(t, err)
	require.NoError(t, b.SaveState(ctx, "core router", &models.DeviceState{DeviceName: "core router"}))

	infos, err := b.store.List(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}

	assert.ElementsMatch(t, []string{"core_router/000004", "core_router/000004.log", "core_router/state"}, names)

	info, err := b.store.GetInfo(ctx, "core_router/000004")
	require.NoError(t, err)
	assert.Equal(t, "core router#4", info.Description)
	assert.Contains(t, info.Metadata, metaKey)
}

func TestNATSBackend_DetectsCorruptPayload(t *testing.T) {
	b := newTestNATS(t)
	ctx := context.Background()

	ref, err := b.Put(ctx, "core", testArtifact(1, "original"))
	require.NoError(t, err)

	info, err := b.store.GetInfo(ctx, "core/000001")
	require.NoError(t, err)

	_, err = b.store.Put(ctx, jetstream.ObjectMeta{
		Name:     "core/000001",
		Metadata: info.Metadata,
	}, strings.NewReader("tampered"))
	require.NoError(t, err)

	_, err = b.Get(ctx, ref)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestNATSBackend_UnreadableMetadataIsCorrupt(t *testing.T) {
	b := newTestNATS(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "core", testArtifact(1, "ok"))
	require.NoError(t, err)

	_, err = b.store.Put(ctx, jetstream.ObjectMeta{
		Name:     "core/000002",
		Metadata: map[string]string{metaKey: "{not json"},
	}, strings.NewReader("changed"))
	require.NoError(t, err)

	_, err = b.List(ctx, "core")
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = b.Put(ctx, "core", testArtifact(2, "next"))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestNATSBackend_UnavailableAfterShutdown(t *testing.T) {
	srv := runJetStreamServer(t)

	nc, err := nats.Connect(srv.ClientURL(), nats.MaxReconnects(0))
	require.NoError(t, err)

	b, err := newNATSBackend(context.Background(), nc, NATSConfig{}, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = b.List(ctx, "core")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
