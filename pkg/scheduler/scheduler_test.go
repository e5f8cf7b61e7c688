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

package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/routervault/pkg/fingerprint"
	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/notify"
	"github.com/carverauto/routervault/pkg/registry"
	"github.com/carverauto/routervault/pkg/routeros"
	"github.com/carverauto/routervault/pkg/storage"
	"github.com/carverauto/routervault/pkg/vault"
)

const (
	payloadA = "/system identity\nset name=core-router\n"
	payloadB = "/system identity\nset name=core-router\n/ip address\nadd address=10.0.0.1/24 interface=ether1\n"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)

	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]notify.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}

	return out
}

type testEnv struct {
	s       *Scheduler
	book    *registry.Book
	sim     *routeros.Simulator
	backend *storage.LocalBackend
	root    string
	vault   *vault.Vault
	events  *recordingNotifier
	clients map[string]routeros.Client
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()

	encoded, err := vault.GenerateKey()
	require.NoError(t, err)

	key, err := vault.DecodeKey(encoded)
	require.NoError(t, err)

	v, err := vault.New(key)
	require.NoError(t, err)

	return v
}

func newTestEnv(t *testing.T, cfg Config, extra map[string]routeros.Client, deps ...func(*Deps)) *testEnv {
	t.Helper()

	root := t.TempDir()

	backend, err := storage.NewLocalBackend(root, logger.NewTestLogger())
	require.NoError(t, err)

	env := &testEnv{
		book:    registry.NewBook(registry.NewMemoryStore()),
		sim:     routeros.NewSimulator(),
		backend: backend,
		root:    root,
		vault:   newTestVault(t),
		events:  &recordingNotifier{},
		clients: map[string]routeros.Client{},
	}

	env.clients[models.ClientVariantMock] = env.sim
	for k, v := range extra {
		env.clients[k] = v
	}

	d := Deps{
		Devices:  env.book,
		Vault:    env.vault,
		Clients:  routeros.NewFactory(models.ClientVariantMock, env.clients),
		Backend:  backend,
		Notifier: env.events,
		Logger:   logger.NewTestLogger(),
	}

	for _, fn := range deps {
		fn(&d)
	}

	env.s, err = New(cfg, d)
	require.NoError(t, err)

	return env
}

func (e *testEnv) addDevice(t *testing.T, name string, mutate ...func(*models.Device)) *models.Device {
	t.Helper()

	blob, err := e.vault.EncryptString("s3cret")
	require.NoError(t, err)

	d := &models.Device{
		ID:                "id-" + name,
		Name:              name,
		Host:              "192.0.2.10",
		Username:          "backup",
		EncryptedPassword: blob,
		Enabled:           true,
	}

	for _, fn := range mutate {
		fn(d)
	}

	require.NoError(t, e.book.Create(context.Background(), d))

	return d
}

func (e *testEnv) check(t *testing.T, id string, trigger models.Trigger) *models.CheckResult {
	t.Helper()

	r, err := e.s.CheckDevice(context.Background(), id, trigger)
	require.NoError(t, err)

	return r
}

func TestCheckDevice_BaselineUnchangedChanged(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "core-router")
	ctx := context.Background()

	env.sim.Script("core-router", payloadA, payloadA, payloadB)

	r1 := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusBaselineCreated, r1.Status)
	require.NotNil(t, r1.Artifact)
	assert.Equal(t, uint64(1), r1.Artifact.Sequence)
	assert.Equal(t, fingerprint.Sum([]byte(payloadA)), r1.Fingerprint)

	r2 := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusUnchanged, r2.Status)
	assert.Nil(t, r2.Artifact)

	r3 := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusChanged, r3.Status)
	require.NotNil(t, r3.Artifact)
	assert.Equal(t, uint64(2), r3.Artifact.Sequence)

	metas, err := env.backend.List(ctx, "core-router")
	require.NoError(t, err)
	require.Len(t, metas, 2)

	got, err := env.book.Get(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Sum([]byte(payloadB)), got.LastFingerprint)
	assert.Equal(t, models.OutcomeSuccess, got.LastOutcome)
	assert.False(t, got.LastChangeAt.IsZero())

	state, err := env.backend.LoadState(ctx, "core-router")
	require.NoError(t, err)
	assert.Equal(t, got.LastFingerprint, state.LastFingerprint)
	assert.Equal(t, DefaultRetention(), state.Retention)

	assert.Equal(t, []notify.Kind{notify.KindBackupCreated, notify.KindBackupCreated}, env.events.kinds())

	recent := env.s.RecentResults(0)
	require.Len(t, recent, 3)
	assert.Equal(t, models.StatusChanged, recent[0].Status)
	assert.Equal(t, models.StatusBaselineCreated, recent[2].Status)
}

func TestCheckDevice_LogsDoNotAffectFingerprint(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")

	env.sim.SetPayload("edge", payloadA)

	assert.Equal(t, models.StatusBaselineCreated, env.check(t, dev.ID, models.TriggerScheduled).Status)

	// Every simulated fetch carries a different log line.
	for i := 0; i < 3; i++ {
		assert.Equal(t, models.StatusUnchanged, env.check(t, dev.ID, models.TriggerScheduled).Status)
	}
}

func TestCheckDevice_RetentionAfterChange(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "core-router", func(d *models.Device) {
		d.Retention = &models.RetentionPolicy{MaxCount: 3, MaxAge: models.Duration(time.Hour)}
	})

	for i := 0; i < 5; i++ {
		env.sim.SetPayload("core-router", payloadA+string(rune('a'+i))+"\n")
		env.check(t, dev.ID, models.TriggerScheduled)
	}

	metas, err := env.backend.List(context.Background(), "core-router")
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{metas[0].Sequence, metas[1].Sequence, metas[2].Sequence})
}

func TestCheckDevice_CorruptNewestMetadata(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "core-router")
	ctx := context.Background()

	env.sim.SetPayload("core-router", payloadA)
	env.check(t, dev.ID, models.TriggerScheduled)

	env.sim.SetPayload("core-router", payloadB)
	r := env.check(t, dev.ID, models.TriggerScheduled)
	require.Equal(t, models.StatusChanged, r.Status)

	before, err := env.book.Get(ctx, dev.ID)
	require.NoError(t, err)

	sidecar := filepath.Join(env.root, storage.SafeName(dev.Name), "000002.meta.json")
	require.NoError(t, os.WriteFile(sidecar, []byte("{not json"), 0o640))

	env.sim.SetPayload("core-router", payloadA+"/ip dns\nset servers=192.0.2.53\n")

	r = env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusError, r.Status)
	assert.Equal(t, "storage_corrupt", r.ErrorKind)
	assert.Nil(t, r.Artifact)

	after, err := env.book.Get(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, before.LastFingerprint, after.LastFingerprint)
	assert.Equal(t, models.OutcomeFailure, after.LastOutcome)

	assert.Equal(t, []notify.Kind{notify.KindBackupCreated, notify.KindBackupCreated, notify.KindBackupFailed}, env.events.kinds())

	// The damaged artifact keeps failing the device until it is repaired.
	r = env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, "storage_corrupt", r.ErrorKind)
}

func TestCheckDevice_FailureThenRecovery(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")
	ctx := context.Background()

	env.sim.SetPayload("edge", payloadA)
	env.check(t, dev.ID, models.TriggerScheduled)

	before, err := env.book.Get(ctx, dev.ID)
	require.NoError(t, err)

	env.sim.Fail("edge", routeros.KindUnreachable)

	r := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusError, r.Status)
	assert.Equal(t, "unreachable", r.ErrorKind)
	assert.NotEmpty(t, r.ErrorDetail)
	assert.Nil(t, r.Artifact)

	failed, err := env.book.Get(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnreachable, failed.LastOutcome)
	assert.Equal(t, before.LastFingerprint, failed.LastFingerprint)
	assert.Equal(t, before.LastSuccessAt, failed.LastSuccessAt)
	assert.NotEmpty(t, failed.LastError)

	env.sim.Fail("edge", routeros.KindAuthFailed)

	r = env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, "auth_failed", r.ErrorKind)

	failed, err = env.book.Get(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, failed.LastOutcome)

	env.sim.Recover("edge")

	r = env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusUnchanged, r.Status)

	recovered, err := env.book.Get(ctx, dev.ID)
	require.NoError(t, err)
	assert.Empty(t, recovered.LastError)
	assert.Equal(t, models.OutcomeSuccess, recovered.LastOutcome)

	assert.Equal(t, []notify.Kind{
		notify.KindBackupCreated,
		notify.KindBackupFailed,
		notify.KindBackupFailed,
		notify.KindRouterRecovered,
	}, env.events.kinds())
}

func TestCheckDevice_TamperedCredentials(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	foreign, err := newTestVault(t).EncryptString("s3cret")
	require.NoError(t, err)

	dev := env.addDevice(t, "edge", func(d *models.Device) { d.EncryptedPassword = foreign })

	r := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusError, r.Status)
	assert.Equal(t, "vault_tampered", r.ErrorKind)
	assert.Equal(t, 0, env.sim.Calls("edge"))
	assert.Equal(t, []notify.Kind{notify.KindBackupFailed}, env.events.kinds())
}

func TestCheckDevice_ManualTrigger(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")

	r := env.check(t, dev.ID, models.TriggerManual)
	require.NotNil(t, r.Artifact)
	assert.Equal(t, models.TriggerManual, r.Trigger)

	art, err := env.backend.Get(context.Background(), *r.Artifact)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, art.Trigger)
	assert.Equal(t, []notify.Kind{notify.KindManualBackup}, env.events.kinds())
}

func TestCheckDevice_NotifyUnchanged(t *testing.T) {
	env := newTestEnv(t, Config{NotifyUnchanged: true}, nil)
	dev := env.addDevice(t, "edge")

	env.sim.SetPayload("edge", payloadA)
	env.check(t, dev.ID, models.TriggerScheduled)
	env.check(t, dev.ID, models.TriggerScheduled)

	assert.Equal(t, []notify.Kind{notify.KindBackupCreated, notify.KindUnchanged}, env.events.kinds())
}

func TestCheckDevice_ReusesMatchingNewestArtifact(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")
	ctx := context.Background()

	// A previous run stored the artifact but never recorded the fingerprint.
	_, err := env.backend.Put(ctx, "edge", &models.Artifact{
		ArtifactMeta: models.ArtifactMeta{DeviceID: dev.ID, Sequence: 7, Fingerprint: fingerprint.Sum([]byte(payloadA)), CapturedAt: time.Now()},
		Config:       []byte(payloadA),
	})
	require.NoError(t, err)

	env.sim.SetPayload("edge", payloadA)

	r := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusBaselineCreated, r.Status)
	require.NotNil(t, r.Artifact)
	assert.Equal(t, uint64(7), r.Artifact.Sequence)

	metas, err := env.backend.List(ctx, "edge")
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestCheckDevice_StorageFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := storage.NewMockBackend(ctrl)

	env := newTestEnv(t, Config{}, nil, func(d *Deps) { d.Backend = backend })
	dev := env.addDevice(t, "edge")

	backend.EXPECT().List(gomock.Any(), "edge").Return(nil, nil)
	backend.EXPECT().Put(gomock.Any(), "edge", gomock.Any()).Return(models.ArtifactRef{}, storage.ErrUnavailable)
	backend.EXPECT().SaveState(gomock.Any(), "edge", gomock.Any()).Return(nil)

	r := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusError, r.Status)
	assert.Equal(t, "storage_unavailable", r.ErrorKind)

	got, err := env.book.Get(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastFingerprint)
	assert.Equal(t, models.OutcomeFailure, got.LastOutcome)
}

func TestCheckDevice_RecoversPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := routeros.NewMockClient(ctrl)

	client.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, routeros.Target) (*models.Snapshot, error) {
			panic("boom")
		})

	env := newTestEnv(t, Config{}, map[string]routeros.Client{"broken": client})
	dev := env.addDevice(t, "edge", func(d *models.Device) { d.ClientVariant = "broken" })
	other := env.addDevice(t, "core")

	r := env.check(t, dev.ID, models.TriggerScheduled)
	assert.Equal(t, models.StatusError, r.Status)
	assert.Equal(t, "panic", r.ErrorKind)

	// The lease was released and other devices are unaffected.
	assert.Equal(t, models.StatusBaselineCreated, env.check(t, other.ID, models.TriggerScheduled).Status)
}

func TestCheckDevice_PasswordReachesClient(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := routeros.NewMockClient(ctrl)

	client.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, target routeros.Target) (*models.Snapshot, error) {
			assert.Equal(t, "s3cret", target.Password)
			assert.Equal(t, 5*time.Second, target.Timeout)

			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)

			return &models.Snapshot{Config: []byte(payloadA), FetchedAt: time.Now()}, nil
		})

	env := newTestEnv(t, Config{}, map[string]routeros.Client{"real": client})
	dev := env.addDevice(t, "edge", func(d *models.Device) {
		d.ClientVariant = "real"
		d.Timeout = models.Duration(5 * time.Second)
	})

	assert.Equal(t, models.StatusBaselineCreated, env.check(t, dev.ID, models.TriggerScheduled).Status)
}

func TestCheckDevice_SequentialPerDevice(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")

	env.sim.SetPayload("edge", payloadA)
	env.sim.SetDelay("edge", 50*time.Millisecond)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []models.CheckStatus
	)

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			r, err := env.s.CheckDevice(context.Background(), dev.ID, models.TriggerScheduled)
			assert.NoError(t, err)

			mu.Lock()
			statuses = append(statuses, r.Status)
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.ElementsMatch(t, []models.CheckStatus{models.StatusBaselineCreated, models.StatusUnchanged}, statuses)
}

func TestCheckDevice_LeaseHonorsContext(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")

	release, err := env.s.acquire(context.Background(), dev.ID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = env.s.CheckDevice(ctx, dev.ID, models.TriggerManual)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckDevice_LeasesReleasedWhenIdle(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	edge := env.addDevice(t, "edge")
	spine := env.addDevice(t, "spine")

	env.sim.SetPayload("edge", payloadA)
	env.sim.SetPayload("spine", payloadA)

	_, err := env.s.CheckDevice(context.Background(), edge.ID, models.TriggerScheduled)
	require.NoError(t, err)

	_, err = env.s.CheckDevice(context.Background(), spine.ID, models.TriggerManual)
	require.NoError(t, err)

	// A waiter that gives up must not leave the entry behind either.
	release, err := env.s.acquire(context.Background(), edge.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = env.s.acquire(ctx, edge.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	env.s.leaseMu.Lock()
	assert.Len(t, env.s.leases, 1)
	env.s.leaseMu.Unlock()

	release()

	env.s.leaseMu.Lock()
	defer env.s.leaseMu.Unlock()

	assert.Empty(t, env.s.leases)
}

func TestCheckDevice_UnknownDevice(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	_, err := env.s.CheckDevice(context.Background(), "missing", models.TriggerManual)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRunCycle_IsolatesFailingDevices(t *testing.T) {
	env := newTestEnv(t, Config{Workers: 2}, nil)

	down := env.addDevice(t, "down")
	slow := env.addDevice(t, "slow", func(d *models.Device) { d.Timeout = models.Duration(30 * time.Millisecond) })
	up := env.addDevice(t, "up")
	env.addDevice(t, "disabled", func(d *models.Device) { d.Enabled = false })

	env.sim.Fail("down", routeros.KindUnreachable)
	env.sim.SetDelay("slow", time.Second)

	results, err := env.s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]models.CheckResult)
	for _, r := range results {
		byID[r.DeviceID] = r
	}

	assert.Equal(t, models.StatusError, byID[down.ID].Status)
	assert.Equal(t, "unreachable", byID[down.ID].ErrorKind)
	assert.Equal(t, models.StatusError, byID[slow.ID].Status)
	assert.Equal(t, "timeout", byID[slow.ID].ErrorKind)
	assert.Equal(t, models.StatusBaselineCreated, byID[up.ID].Status)
	assert.Equal(t, 0, env.sim.Calls("disabled"))
}

func TestRunCycle_ListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	devices := NewMockDevices(ctrl)
	boom := errors.New("registry down")

	devices.EXPECT().List(gomock.Any()).Return(nil, boom)

	env := newTestEnv(t, Config{}, nil, func(d *Deps) { d.Devices = devices })

	_, err := env.s.RunCycle(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRecord_DeviceRemovedMidCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	devices := NewMockDevices(ctrl)
	dev := &models.Device{ID: "id-edge", Name: "edge", Enabled: true}

	env := newTestEnv(t, Config{}, nil, func(d *Deps) { d.Devices = devices })

	blob, err := env.vault.EncryptString("pw")
	require.NoError(t, err)

	dev.EncryptedPassword = blob

	devices.EXPECT().Get(gomock.Any(), "id-edge").Return(dev, nil)
	devices.EXPECT().Update(gomock.Any(), "id-edge", gomock.Any()).Return(nil, registry.ErrNotFound)

	r := env.check(t, "id-edge", models.TriggerScheduled)
	assert.Equal(t, models.StatusBaselineCreated, r.Status)
}

func TestResultLog(t *testing.T) {
	l := newResultLog(3)

	for i := 0; i < 5; i++ {
		l.add(models.CheckResult{DeviceID: string(rune('a' + i))})
	}

	all := l.recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "e", all[0].DeviceID)
	assert.Equal(t, "c", all[2].DeviceID)

	two := l.recent(2)
	assert.Equal(t, []string{"e", "d"}, []string{two[0].DeviceID, two[1].DeviceID})
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err     error
		kind    string
		outcome models.Outcome
	}{
		{&routeros.Error{Kind: routeros.KindTimeout, Device: "r1", Err: context.DeadlineExceeded}, "timeout", models.OutcomeUnreachable},
		{&routeros.Error{Kind: routeros.KindProtocolError, Device: "r1"}, "protocol_error", models.OutcomeFailure},
		{vault.ErrTampered, "vault_tampered", models.OutcomeFailure},
		{storage.ErrCorrupt, "storage_corrupt", models.OutcomeFailure},
		{errPanic, "panic", models.OutcomeFailure},
		{context.Canceled, "canceled", models.OutcomeFailure},
		{errors.New("x"), "internal", models.OutcomeFailure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.kind, errorKind(tt.err), tt.err.Error())
		assert.Equal(t, tt.outcome, outcomeOf(tt.err), tt.err.Error())
	}

	assert.Equal(t, models.OutcomeSuccess, outcomeOf(nil))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.ErrorIs(t, err, errDevicesRequired)

	_, err = New(Config{Interval: models.Duration(time.Millisecond)}, Deps{})
	require.ErrorIs(t, err, errInvalidInterval)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, models.Duration(5*time.Minute), cfg.Interval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, models.Duration(30*time.Second), cfg.DeviceTimeout)
	assert.Equal(t, models.Duration(30*time.Second), cfg.ShutdownGrace)
	assert.Equal(t, 256, cfg.ResultsWindow)
	require.NotNil(t, cfg.Retention)
	assert.Equal(t, 30, cfg.Retention.MaxCount)
	assert.Equal(t, models.Duration(720*time.Hour), cfg.Retention.MaxAge)
}

func TestDefaultPolicy(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	p := models.RetentionPolicy{MaxCount: 1}
	env.s.SetDefaultPolicy(p)
	assert.Equal(t, p, env.s.PolicyFor(&models.Device{}))

	own := models.RetentionPolicy{MaxCount: 9}
	assert.Equal(t, own, env.s.PolicyFor(&models.Device{Retention: &own}))
}

func TestSetVault(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")

	rotated := newTestVault(t)

	blob, err := vault.Rekey(env.vault, rotated, dev.EncryptedPassword)
	require.NoError(t, err)

	_, err = env.book.Update(context.Background(), dev.ID, func(d *models.Device) error {
		d.EncryptedPassword = blob
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "vault_tampered", env.check(t, dev.ID, models.TriggerScheduled).ErrorKind)

	env.s.SetVault(rotated)
	assert.Equal(t, models.StatusBaselineCreated, env.check(t, dev.ID, models.TriggerScheduled).Status)
}

func TestSetVault_RetiredVaultStillDecrypts(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")

	env.s.SetVault(newTestVault(t))

	// The blob was sealed by the replaced vault.
	assert.Equal(t, models.StatusBaselineCreated, env.check(t, dev.ID, models.TriggerScheduled).Status)

	env.s.RetireVault()
	assert.Equal(t, "vault_tampered", env.check(t, dev.ID, models.TriggerScheduled).ErrorKind)
}

func TestCheckDevice_DetailHasNoSecret(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")

	env.sim.Fail("edge", routeros.KindAuthFailed)

	r := env.check(t, dev.ID, models.TriggerScheduled)
	assert.NotContains(t, r.ErrorDetail, "s3cret")
}

func TestApplyRetention(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	dev := env.addDevice(t, "edge")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		env.sim.SetPayload("edge", payloadA+string(rune('a'+i))+"\n")
		env.check(t, dev.ID, models.TriggerScheduled)
	}

	env.s.SetDefaultPolicy(models.RetentionPolicy{MaxCount: 0})

	report, err := env.s.ApplyRetention(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Kept)
	assert.Len(t, report.Removed, 3)

	metas, err := env.backend.List(ctx, "edge")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, uint64(4), metas[0].Sequence)

	state, err := env.backend.LoadState(ctx, "edge")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Retention.MaxCount)
}
