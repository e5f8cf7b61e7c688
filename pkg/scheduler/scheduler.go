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

// Package scheduler drives periodic backup cycles across devices.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/notify"
	"github.com/carverauto/routervault/pkg/retention"
	"github.com/carverauto/routervault/pkg/routeros"
	"github.com/carverauto/routervault/pkg/storage"
	"github.com/carverauto/routervault/pkg/vault"
)

var (
	errDevicesRequired = errors.New("device registry is required")
	errVaultRequired   = errors.New("vault is required")
	errClientsRequired = errors.New("client factory is required")
	errBackendRequired = errors.New("storage backend is required")
)

// Deps are the collaborators of a Scheduler. Clock, Notifier, Metrics and
// Logger are optional.
type Deps struct {
	Devices  Devices
	Vault    *vault.Vault
	Clients  *routeros.Factory
	Backend  storage.Backend
	Notifier notify.Notifier
	Metrics  *Metrics
	Clock    Clock
	Logger   logger.Logger
}

// Scheduler runs device cycles on an interval with bounded parallelism.
// Cycles of one device never overlap.
type Scheduler struct {
	cfg       Config
	devices   Devices
	clients   *routeros.Factory
	backend   storage.Backend
	retention *retention.Manager
	notifier  notify.Notifier
	metrics   *Metrics
	clock     Clock
	logger    logger.Logger
	results   *resultLog

	vault    atomic.Pointer[vault.Vault]
	retired  atomic.Pointer[vault.Vault]
	interval atomic.Int64

	policyMu sync.RWMutex
	policy   models.RetentionPolicy

	leaseMu sync.Mutex
	leases  map[string]*lease

	mu        sync.Mutex
	stopping  bool
	sweeping  atomic.Bool
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	reloadCh  chan time.Duration
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New validates cfg and wires the scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch {
	case deps.Devices == nil:
		return nil, errDevicesRequired
	case deps.Vault == nil:
		return nil, errVaultRequired
	case deps.Clients == nil:
		return nil, errClientsRequired
	case deps.Backend == nil:
		return nil, errBackendRequired
	}

	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}

	if deps.Logger == nil {
		deps.Logger = logger.NewTestLogger()
	}

	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:       cfg,
		devices:   deps.Devices,
		clients:   deps.Clients,
		backend:   deps.Backend,
		retention: retention.NewManager(deps.Backend, deps.Logger),
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		logger:    deps.Logger,
		results:   newResultLog(cfg.ResultsWindow),
		policy:    *cfg.Retention,
		leases:    make(map[string]*lease),
		done:      make(chan struct{}),
		reloadCh:  make(chan time.Duration, 1),
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	s.vault.Store(deps.Vault)
	s.interval.Store(int64(cfg.Interval))

	return s, nil
}

// Start implements the lifecycle.Service interface. It runs a sweep
// immediately and then on every tick until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := s.Interval()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Int("workers", s.cfg.Workers).Msg("Starting scheduler")

	s.sweep()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C():
			s.sweep()
		case d := <-s.reloadCh:
			ticker.Reset(d)
			s.logger.Info().Dur("interval", d).Msg("Scheduler interval hot-reloaded")
		}
	}
}

// sweep starts a background RunCycle unless one is still running.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}

	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("Previous sweep still running, skipping tick")
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.sweeping.Store(false)

		if _, err := s.RunCycle(s.runCtx); err != nil {
			s.logger.Error().Err(err).Msg("Sweep failed")
		}
	}()
}

// Stop implements the lifecycle.Service interface. In-flight cycles get the
// shutdown grace period to finish before they are canceled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	defer s.cancelRun()

	finished := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(finished)
	}()

	grace := time.NewTimer(time.Duration(s.cfg.ShutdownGrace))
	defer grace.Stop()

	select {
	case <-finished:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn().Msg("Shutdown grace period elapsed, canceling in-flight cycles")
	s.cancelRun()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interval is the current sweep interval.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the sweep interval. A running scheduler picks it up
// without a restart.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if err := checkInterval(d); err != nil {
		return err
	}

	s.interval.Store(int64(d))

	select {
	case <-s.reloadCh:
	default:
	}

	select {
	case s.reloadCh <- d:
	default:
	}

	return nil
}

// SetVault replaces the credential vault at the start of a key rotation.
// The replaced vault stays usable for decryption until RetireVault, so
// blobs not yet re-encrypted keep working.
func (s *Scheduler) SetVault(v *vault.Vault) {
	if v == nil {
		return
	}

	if old := s.vault.Swap(v); old != nil && old != v {
		s.retired.Store(old)
	}
}

// RetireVault drops the vault replaced by the last SetVault.
func (s *Scheduler) RetireVault() {
	s.retired.Store(nil)
}

// Vault returns the vault new credentials are sealed with.
func (s *Scheduler) Vault() *vault.Vault {
	return s.vault.Load()
}

// Decrypt opens a credential blob with the current vault, falling back to the
// retired one during a key rotation.
func (s *Scheduler) Decrypt(blob string) (string, error) {
	plaintext, err := s.vault.Load().DecryptString(blob)
	if err == nil || !errors.Is(err, vault.ErrTampered) {
		return plaintext, err
	}

	if old := s.retired.Load(); old != nil {
		if p, oldErr := old.DecryptString(blob); oldErr == nil {
			return p, nil
		}
	}

	return "", err
}

// DefaultPolicy is the retention policy for devices without their own.
func (s *Scheduler) DefaultPolicy() models.RetentionPolicy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()

	return s.policy
}

func (s *Scheduler) SetDefaultPolicy(p models.RetentionPolicy) {
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
}

// PolicyFor resolves the effective retention policy of d.
func (s *Scheduler) PolicyFor(d *models.Device) models.RetentionPolicy {
	if d != nil && d.Retention != nil {
		return *d.Retention
	}

	return s.DefaultPolicy()
}

// RecentResults returns up to limit results, newest first.
func (s *Scheduler) RecentResults(limit int) []models.CheckResult {
	return s.results.recent(limit)
}

// RunCycle checks every enabled device once, at most Workers at a time, and
// returns the results in registry order. A failing device never fails the
// sweep.
func (s *Scheduler) RunCycle(ctx context.Context) ([]models.CheckResult, error) {
	devices, err := s.devices.List(ctx)
	if err != nil {
		return nil, err
	}

	enabled := devices[:0]

	for _, d := range devices {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}

	s.logger.Debug().Int("devices", len(enabled)).Msg("Starting sweep")

	results := make([]*models.CheckResult, len(enabled))

	var g errgroup.Group

	g.SetLimit(s.cfg.Workers)

	for i, d := range enabled {
		g.Go(func() error {
			r, err := s.CheckDevice(ctx, d.ID, models.TriggerScheduled)
			if err != nil {
				s.logger.Warn().Err(err).Str("device", d.Name).Msg("Device skipped")
				return nil
			}

			results[i] = r

			return nil
		})
	}

	_ = g.Wait()

	out := make([]models.CheckResult, 0, len(results))

	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}

	return out, nil
}

// lease serializes cycles of one device. refs counts the holder plus any
// waiters and is guarded by Scheduler.leaseMu.
type lease struct {
	ch   chan struct{}
	refs int
}

// acquire takes the per-device lease, waiting for a running cycle of the
// same device to finish.
func (s *Scheduler) acquire(ctx context.Context, id string) (func(), error) {
	s.leaseMu.Lock()

	l, ok := s.leases[id]
	if !ok {
		l = &lease{ch: make(chan struct{}, 1)}
		s.leases[id] = l
	}

	l.refs++

	s.leaseMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			s.unref(id, l)
		}, nil
	case <-ctx.Done():
		s.unref(id, l)
		return nil, ctx.Err()
	}
}

// unref drops a holder or waiter; the last one out removes the entry so
// removed devices do not pin a lease forever.
func (s *Scheduler) unref(id string, l *lease) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	l.refs--
	if l.refs == 0 && s.leases[id] == l {
		delete(s.leases, id)
	}
}
