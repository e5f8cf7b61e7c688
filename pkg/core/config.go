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
	"errors"
	"fmt"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/notify"
	"github.com/carverauto/routervault/pkg/registry"
	"github.com/carverauto/routervault/pkg/routeros"
	"github.com/carverauto/routervault/pkg/scheduler"
	"github.com/carverauto/routervault/pkg/storage"
	"github.com/carverauto/routervault/pkg/vault"
)

var (
	errSeedName     = errors.New("seed device requires a name")
	errSeedHost     = errors.New("seed device requires a host")
	errSeedPassword = errors.New("seed device requires an encrypted_password")
	errSeedDup      = errors.New("duplicate seed device name")
	errVariant      = errors.New("unknown client variant")
)

// Config is the process configuration of the daemon.
type Config struct {
	Vault     vault.KeyConfig  `json:"vault"`
	Storage   storage.Config   `json:"storage"`
	Registry  registry.Config  `json:"registry"`
	Client    ClientConfig     `json:"client"`
	Notify    notify.Config    `json:"notify"`
	Scheduler scheduler.Config `json:"scheduler"`
	Logging   *logger.Config   `json:"logging,omitempty"`
	Devices   []SeedDevice     `json:"devices,omitempty"`
}

// ClientConfig selects the default device client and configures SSH.
type ClientConfig struct {
	Default string             `json:"default"`
	SSH     routeros.SSHConfig `json:"ssh"`
}

// SeedDevice is a device declared in configuration. It is registered on
// startup when no device of the same name exists. The password must already
// be a vault blob (see `routervault encrypt`).
type SeedDevice struct {
	Name              string                  `json:"name"`
	Host              string                  `json:"host"`
	Port              int                     `json:"port,omitempty"`
	Username          string                  `json:"username"`
	EncryptedPassword string                  `json:"encrypted_password" sensitive:"true"`
	ClientVariant     string                  `json:"client_variant,omitempty"`
	Disabled          bool                    `json:"disabled,omitempty"`
	Timeout           models.Duration         `json:"timeout,omitempty"`
	Retention         *models.RetentionPolicy `json:"retention,omitempty"`
}

// Validate fills defaults for every section and checks seed devices.
func (c *Config) Validate() error {
	if c.Client.Default == "" {
		c.Client.Default = models.ClientVariantSSH
	}

	if err := checkVariant(c.Client.Default); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	seen := make(map[string]struct{}, len(c.Devices))

	for i := range c.Devices {
		d := &c.Devices[i]

		switch {
		case d.Name == "":
			return fmt.Errorf("devices[%d]: %w", i, errSeedName)
		case d.Host == "":
			return fmt.Errorf("devices[%d] %s: %w", i, d.Name, errSeedHost)
		case d.EncryptedPassword == "":
			return fmt.Errorf("devices[%d] %s: %w", i, d.Name, errSeedPassword)
		}

		if d.ClientVariant != "" {
			if err := checkVariant(d.ClientVariant); err != nil {
				return fmt.Errorf("devices[%d] %s: %w", i, d.Name, err)
			}
		}

		key := storage.SafeName(d.Name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", errSeedDup, d.Name)
		}

		seen[key] = struct{}{}
	}

	return nil
}

func checkVariant(v string) error {
	switch v {
	case models.ClientVariantSSH, models.ClientVariantMock:
		return nil
	default:
		return fmt.Errorf("%w: %q", errVariant, v)
	}
}
