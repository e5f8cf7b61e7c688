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

package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/registry"
	"github.com/carverauto/routervault/pkg/routeros"
	"github.com/carverauto/routervault/pkg/scheduler"
	"github.com/carverauto/routervault/pkg/storage"
	"github.com/carverauto/routervault/pkg/vault"
)

const defaultProbeTimeout = 30 * time.Second

var (
	// ErrInvalidDevice is returned for device input that cannot be stored.
	ErrInvalidDevice = errors.New("invalid device")
	// ErrInvalidPolicy is returned for a retention policy with a negative age.
	ErrInvalidPolicy = errors.New("invalid retention policy")

	errVaultNil       = errors.New("new vault is required")
	errAlreadyRotated = errors.New("credential already sealed by the new vault")
)

// DeviceInput describes a device to register. Password is plaintext and is
// sealed by the vault before it reaches the registry.
type DeviceInput struct {
	Name          string                  `json:"name"`
	Host          string                  `json:"host"`
	Port          int                     `json:"port,omitempty"`
	Username      string                  `json:"username"`
	Password      string                  `json:"password" sensitive:"true"`
	ClientVariant string                  `json:"client_variant,omitempty"`
	Enabled       *bool                   `json:"enabled,omitempty"`
	Timeout       models.Duration         `json:"timeout,omitempty"`
	Retention     *models.RetentionPolicy `json:"retention,omitempty"`
}

// DeviceUpdate changes the non-nil fields of a device.
type DeviceUpdate struct {
	Name          *string          `json:"name,omitempty"`
	Host          *string          `json:"host,omitempty"`
	Port          *int             `json:"port,omitempty"`
	Username      *string          `json:"username,omitempty"`
	Password      *string          `json:"password,omitempty" sensitive:"true"`
	ClientVariant *string          `json:"client_variant,omitempty"`
	Enabled       *bool            `json:"enabled,omitempty"`
	Timeout       *models.Duration `json:"timeout,omitempty"`
}

// ListDevices returns the status of every device, ordered by name.
func (s *Service) ListDevices(ctx context.Context) ([]models.DeviceStatus, error) {
	devices, err := s.book.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.DeviceStatus, 0, len(devices))

	for _, d := range devices {
		out = append(out, *s.status(ctx, d))
	}

	return out, nil
}

// GetDevice returns the status of one device.
func (s *Service) GetDevice(ctx context.Context, id string) (*models.DeviceStatus, error) {
	d, err := s.book.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.status(ctx, d), nil
}

// status never fails on storage errors so one damaged device does not hide
// the others; the error is reported on the status instead.
func (s *Service) status(ctx context.Context, d *models.Device) *models.DeviceStatus {
	var storageErr string

	metas, err := s.backend.List(ctx, d.Name)
	if err != nil {
		s.logger.Warn().Err(err).Str("device", d.Name).Msg("Failed to list device artifacts")
		storageErr = err.Error()
	}

	variant := d.ClientVariant
	if variant == "" {
		variant = s.defaultVariant
	}

	return &models.DeviceStatus{
		ID:              d.ID,
		Name:            d.Name,
		Host:            d.Host,
		Port:            d.Port,
		Username:        d.Username,
		ClientVariant:   variant,
		Enabled:         d.Enabled,
		LastFingerprint: d.LastFingerprint,
		LastCheckAt:     d.LastCheckAt,
		LastOutcome:     d.LastOutcome,
		LastError:       d.LastError,
		LastChangeAt:    d.LastChangeAt,
		LastSuccessAt:   d.LastSuccessAt,
		Retention:       s.scheduler.PolicyFor(d),
		ArtifactCount:   len(metas),
		StorageError:    storageErr,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// ListArtifacts returns the metadata of a device's artifacts, newest first.
func (s *Service) ListArtifacts(ctx context.Context, id string) ([]models.ArtifactMeta, error) {
	d, err := s.book.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	metas, err := s.backend.List(ctx, d.Name)
	if err != nil {
		return nil, err
	}

	slices.Reverse(metas)

	return metas, nil
}

// GetArtifact loads one artifact of a device.
func (s *Service) GetArtifact(ctx context.Context, id string, seq uint64) (*models.Artifact, error) {
	d, err := s.book.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.backend.Get(ctx, models.ArtifactRef{DeviceName: d.Name, Sequence: seq})
}

// RecentResults returns up to limit cycle results, newest first.
func (s *Service) RecentResults(limit int) []models.CheckResult {
	return s.scheduler.RecentResults(limit)
}

// TestConnection opens a session to the device and runs a harmless command.
func (s *Service) TestConnection(ctx context.Context, id string) error {
	d, err := s.book.Get(ctx, id)
	if err != nil {
		return err
	}

	password, err := s.scheduler.Decrypt(d.EncryptedPassword)
	if err != nil {
		return fmt.Errorf("decrypt credentials: %w", err)
	}

	client, err := s.clients.For(d.ClientVariant)
	if err != nil {
		return err
	}

	timeout := time.Duration(d.Timeout)
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return client.Probe(ctx, routeros.Target{
		Name:     d.Name,
		Host:     d.Host,
		Port:     d.Port,
		Username: d.Username,
		Password: password,
		Timeout:  timeout,
	})
}

// AddDevice registers a new device. The password is encrypted before it is
// stored.
func (s *Service) AddDevice(ctx context.Context, in DeviceInput) (*models.Device, error) {
	if err := s.checkInput(in.Name, in.Host, in.ClientVariant); err != nil {
		return nil, err
	}

	if err := checkPolicy(in.Retention); err != nil {
		return nil, err
	}

	blob, err := s.scheduler.Vault().EncryptString(in.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	now := time.Now().UTC()

	d := &models.Device{
		ID:                uuid.NewString(),
		Name:              in.Name,
		Host:              in.Host,
		Port:              in.Port,
		Username:          in.Username,
		EncryptedPassword: blob,
		ClientVariant:     in.ClientVariant,
		Enabled:           enabled,
		Timeout:           in.Timeout,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if in.Retention != nil {
		p := *in.Retention
		d.Retention = &p
	}

	if err := s.book.Create(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info().Str("device", d.Name).Str("device_id", d.ID).Msg("Device added")

	return d.Clone(), nil
}

// UpdateDevice applies the non-nil fields of up. A device that already has
// backups cannot be renamed.
func (s *Service) UpdateDevice(ctx context.Context, id string, up DeviceUpdate) (*models.Device, error) {
	current, err := s.book.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	name, host, variant := current.Name, current.Host, current.ClientVariant

	if up.Name != nil {
		name = *up.Name
	}

	if up.Host != nil {
		host = *up.Host
	}

	if up.ClientVariant != nil {
		variant = *up.ClientVariant
	}

	if err := s.checkInput(name, host, variant); err != nil {
		return nil, err
	}

	if name != current.Name {
		metas, err := s.backend.List(ctx, current.Name)
		if err != nil {
			return nil, err
		}

		if len(metas) > 0 {
			return nil, fmt.Errorf("%w: %s has %d artifacts", registry.ErrNameImmutable, current.Name, len(metas))
		}
	}

	var blob string

	if up.Password != nil {
		if blob, err = s.scheduler.Vault().EncryptString(*up.Password); err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
	}

	updated, err := s.book.Update(ctx, id, func(d *models.Device) error {
		if d.Name != current.Name {
			return fmt.Errorf("%w: renamed concurrently", registry.ErrConflict)
		}

		d.Name, d.Host, d.ClientVariant = name, host, variant

		if up.Port != nil {
			d.Port = *up.Port
		}

		if up.Username != nil {
			d.Username = *up.Username
		}

		if blob != "" {
			d.EncryptedPassword = blob
		}

		if up.Enabled != nil {
			d.Enabled = *up.Enabled
		}

		if up.Timeout != nil {
			d.Timeout = *up.Timeout
		}

		d.UpdatedAt = time.Now().UTC()

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("device", updated.Name).Str("device_id", id).Msg("Device updated")

	return updated, nil
}

// RemoveDevice unregisters a device. Its stored artifacts are kept.
func (s *Service) RemoveDevice(ctx context.Context, id string) error {
	if err := s.book.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info().Str("device_id", id).Msg("Device removed")

	return nil
}

// TriggerCheck runs an out-of-cycle check of one device. It waits for a
// running cycle of the same device to finish first.
func (s *Service) TriggerCheck(ctx context.Context, id string) (*models.CheckResult, error) {
	return s.scheduler.CheckDevice(ctx, id, models.TriggerManual)
}

// SetRetentionPolicy sets the policy of one device, or the global default when
// id is empty, and applies it right away. A nil policy clears a device
// override or restores the built-in global default.
func (s *Service) SetRetentionPolicy(ctx context.Context, id string, policy *models.RetentionPolicy) error {
	if err := checkPolicy(policy); err != nil {
		return err
	}

	if id == "" {
		p := scheduler.DefaultRetention()
		if policy != nil {
			p = *policy
		}

		s.scheduler.SetDefaultPolicy(p)
		s.logger.Info().Int("max_count", p.MaxCount).Str("max_age", p.MaxAge.String()).Msg("Global retention policy updated")

		devices, err := s.book.List(ctx)
		if err != nil {
			return err
		}

		for _, d := range devices {
			if d.Retention == nil {
				s.applyRetention(ctx, d.ID)
			}
		}

		return nil
	}

	_, err := s.book.Update(ctx, id, func(d *models.Device) error {
		d.Retention = nil

		if policy != nil {
			p := *policy
			d.Retention = &p
		}

		d.UpdatedAt = time.Now().UTC()

		return nil
	})
	if err != nil {
		return err
	}

	s.applyRetention(ctx, id)

	return nil
}

func (s *Service) applyRetention(ctx context.Context, id string) {
	if _, err := s.scheduler.ApplyRetention(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("device_id", id).Msg("Retention incomplete")
	}
}

// SetInterval changes the sweep interval of the running scheduler.
func (s *Service) SetInterval(d time.Duration) error {
	return s.scheduler.SetInterval(d)
}

// RotateVaultKey re-encrypts every stored credential under next and makes it
// the active vault. Credentials sealed by the previous vault keep working
// while the rotation is in progress. It returns how many credentials were
// re-encrypted; on error the rotation can be run again with the same vault.
func (s *Service) RotateVaultKey(ctx context.Context, next *vault.Vault) (int, error) {
	if next == nil {
		return 0, errVaultNil
	}

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	s.scheduler.SetVault(next)

	devices, err := s.book.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		rotated int
		errs    []error
	)

	for _, d := range devices {
		_, err := s.book.Update(ctx, d.ID, func(dev *models.Device) error {
			if _, err := next.Decrypt(dev.EncryptedPassword); err == nil {
				return errAlreadyRotated
			}

			password, err := s.scheduler.Decrypt(dev.EncryptedPassword)
			if err != nil {
				return err
			}

			blob, err := next.EncryptString(password)
			if err != nil {
				return err
			}

			dev.EncryptedPassword = blob
			dev.UpdatedAt = time.Now().UTC()

			return nil
		})

		switch {
		case err == nil:
			rotated++
		case errors.Is(err, errAlreadyRotated):
		default:
			errs = append(errs, fmt.Errorf("rekey %s: %w", d.Name, err))
		}
	}

	if len(errs) > 0 {
		return rotated, errors.Join(errs...)
	}

	s.scheduler.RetireVault()
	s.logger.Info().Int("rotated", rotated).Msg("Vault key rotated")

	return rotated, nil
}

// checkInput validates the fields a caller controls. Storage-name
// uniqueness is left to the registry, which checks it under its own lock.
func (s *Service) checkInput(name, host, variant string) error {
	switch {
	case storage.SafeName(name) == "":
		return fmt.Errorf("%w: name %q", ErrInvalidDevice, name)
	case host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidDevice)
	}

	if variant != "" {
		if _, err := s.clients.For(variant); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
		}
	}

	return nil
}

func checkPolicy(p *models.RetentionPolicy) error {
	if p != nil && p.MaxAge < 0 {
		return fmt.Errorf("%w: max_age %s", ErrInvalidPolicy, p.MaxAge)
	}

	return nil
}
