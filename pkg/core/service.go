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

// Package core wires the backup engine together and exposes the query and
// command surface used by management frontends.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/routervault/pkg/fingerprint"
	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/notify"
	"github.com/carverauto/routervault/pkg/registry"
	"github.com/carverauto/routervault/pkg/routeros"
	"github.com/carverauto/routervault/pkg/scheduler"
	"github.com/carverauto/routervault/pkg/storage"
	"github.com/carverauto/routervault/pkg/vault"
)

var errConfigRequired = errors.New("config is required")

// Option overrides a collaborator built from configuration.
type Option func(*options)

type options struct {
	store    registry.Store
	backend  storage.Backend
	notifier notify.Notifier
	clients  map[string]routeros.Client
	meter    metric.MeterProvider
	clock    scheduler.Clock
}

// WithStore uses store as the device registry.
func WithStore(store registry.Store) Option {
	return func(o *options) { o.store = store }
}

// WithBackend uses backend for artifacts and state records.
func WithBackend(backend storage.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithNotifier replaces the configured notification channels.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClient registers c under variant, replacing the built-in client.
func WithClient(variant string, c routeros.Client) Option {
	return func(o *options) { o.clients[variant] = c }
}

// WithMeterProvider records scheduler metrics on provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.meter = provider }
}

// WithClock drives the scheduler from clock.
func WithClock(clock scheduler.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// Service is the backup engine: registry, scheduler, storage and
// notifications behind one API. It implements lifecycle.Service.
type Service struct {
	book           *registry.Book
	backend        storage.Backend
	clients        *routeros.Factory
	defaultVariant string
	scheduler      *scheduler.Scheduler
	logger         logger.Logger
	closers        []func(context.Context) error

	rotateMu sync.Mutex
}

// New builds the engine from cfg, registers seed devices and restores device
// state from the storage backend.
func New(ctx context.Context, cfg *Config, log logger.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errConfigRequired
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	o := &options{clients: make(map[string]routeros.Client)}
	for _, opt := range opts {
		opt(o)
	}

	s := &Service{logger: log}

	if err := s.build(ctx, cfg, o); err != nil {
		_ = s.close(context.Background())
		return nil, err
	}

	if err := s.seed(ctx, cfg.Devices); err != nil {
		_ = s.close(context.Background())
		return nil, err
	}

	if err := s.hydrate(ctx); err != nil {
		_ = s.close(context.Background())
		return nil, err
	}

	return s, nil
}

func (s *Service) build(ctx context.Context, cfg *Config, o *options) error {
	key, err := vault.LoadKey(cfg.Vault)
	if err != nil {
		return fmt.Errorf("load vault key: %w", err)
	}

	v, err := vault.New(key)
	if err != nil {
		return err
	}

	store := o.store
	if store == nil {
		if store, err = registry.Open(ctx, cfg.Registry, s.component("registry")); err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
	}

	s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	s.book = registry.NewBook(store)

	s.backend = o.backend
	if s.backend == nil {
		if s.backend, err = storage.Open(ctx, cfg.Storage, s.component("storage")); err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
	}

	backend := s.backend
	s.closers = append(s.closers, func(context.Context) error { return backend.Close() })

	if err := s.buildClients(cfg, o.clients); err != nil {
		return err
	}

	notifier := o.notifier
	if notifier == nil {
		dispatcher, err := notify.Build(ctx, &cfg.Notify, s.component("notify"))
		if err != nil {
			return fmt.Errorf("build notifier: %w", err)
		}

		notifier = dispatcher
		s.closers = append(s.closers, dispatcher.Close)
	}

	metrics, err := scheduler.NewMetrics(o.meter)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	s.scheduler, err = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Devices:  s.book,
		Vault:    v,
		Clients:  s.clients,
		Backend:  s.backend,
		Notifier: notifier,
		Metrics:  metrics,
		Clock:    o.clock,
		Logger:   s.component("scheduler"),
	})

	return err
}

func (s *Service) component(name string) logger.Logger {
	return logger.Wrap(s.logger.WithComponent(name))
}

func (s *Service) buildClients(cfg *Config, overrides map[string]routeros.Client) error {
	clients := map[string]routeros.Client{
		models.ClientVariantMock: routeros.NewSimulator(),
	}

	if _, ok := overrides[models.ClientVariantSSH]; !ok {
		ssh, err := routeros.NewSSHClient(cfg.Client.SSH, s.component("ssh"))
		if err != nil {
			return fmt.Errorf("build ssh client: %w", err)
		}

		clients[models.ClientVariantSSH] = ssh
	}

	for variant, c := range overrides {
		clients[variant] = c
	}

	s.clients = routeros.NewFactory(cfg.Client.Default, clients)
	s.defaultVariant = cfg.Client.Default

	return nil
}

// seed registers configured devices that are not yet in the registry.
func (s *Service) seed(ctx context.Context, seeds []SeedDevice) error {
	if len(seeds) == 0 {
		return nil
	}

	existing, err := s.book.List(ctx)
	if err != nil {
		return err
	}

	taken := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		taken[storage.SafeName(d.Name)] = struct{}{}
	}

	now := time.Now().UTC()

	for _, sd := range seeds {
		if _, ok := taken[storage.SafeName(sd.Name)]; ok {
			continue
		}

		if _, err := s.scheduler.Decrypt(sd.EncryptedPassword); err != nil {
			s.logger.Warn().Err(err).Str("device", sd.Name).Msg("Seed device credentials do not open with the vault key")
		}

		d := &models.Device{
			ID:                uuid.NewString(),
			Name:              sd.Name,
			Host:              sd.Host,
			Port:              sd.Port,
			Username:          sd.Username,
			EncryptedPassword: sd.EncryptedPassword,
			ClientVariant:     sd.ClientVariant,
			Enabled:           !sd.Disabled,
			Timeout:           sd.Timeout,
			Retention:         sd.Retention,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		if err := s.book.Create(ctx, d); err != nil {
			return fmt.Errorf("seed device %s: %w", sd.Name, err)
		}

		s.logger.Info().Str("device", d.Name).Str("device_id", d.ID).Msg("Registered seed device")
	}

	return nil
}

// hydrate restores last-known state from the backend's state records for
// devices the registry has no fingerprint for, so a restart with an
// in-memory registry does not recreate baselines.
func (s *Service) hydrate(ctx context.Context) error {
	devices, err := s.book.List(ctx)
	if err != nil {
		return err
	}

	for _, d := range devices {
		if d.LastFingerprint != "" {
			continue
		}

		state, err := s.backend.LoadState(ctx, d.Name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}

		if err != nil {
			s.logger.Warn().Err(err).Str("device", d.Name).Msg("Failed to load device state record")
			continue
		}

		fp := state.LastFingerprint
		if fp != "" {
			if fp, err = fingerprint.Canonical(fp); err != nil {
				s.logger.Warn().Err(err).Str("device", d.Name).Msg("Ignoring state record with unreadable fingerprint")
				continue
			}
		}

		_, err = s.book.Update(ctx, d.ID, func(dev *models.Device) error {
			dev.LastFingerprint = fp
			dev.LastCheckAt = state.LastCheckAt
			dev.LastOutcome = state.LastOutcome
			dev.LastError = state.LastError
			dev.LastChangeAt = state.LastChangeAt
			dev.LastSuccessAt = state.LastSuccessAt

			return nil
		})
		if err != nil {
			return fmt.Errorf("restore state of %s: %w", d.Name, err)
		}

		s.logger.Debug().Str("device", d.Name).Str("fingerprint", fp).Msg("Restored device state")
	}

	return nil
}

// Start implements lifecycle.Service.
func (s *Service) Start(ctx context.Context) error {
	return s.scheduler.Start(ctx)
}

// Stop implements lifecycle.Service. It drains the scheduler, then closes
// notifications, storage and the registry.
func (s *Service) Stop(ctx context.Context) error {
	err := s.scheduler.Stop(ctx)

	return errors.Join(err, s.close(ctx))
}

func (s *Service) close(ctx context.Context) error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.closers = nil

	return errors.Join(errs...)
}
