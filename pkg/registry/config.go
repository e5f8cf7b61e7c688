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

package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/retry"
)

const (
	KindMemory   = "memory"
	KindPostgres = "postgres"
)

var (
	errUnknownRegistry  = errors.New("unknown registry kind")
	errPostgresRequired = errors.New("postgres settings are required")
)

// Config selects the registry implementation.
type Config struct {
	Kind     string          `json:"kind"`
	Postgres *PostgresConfig `json:"postgres,omitempty"`
	Retry    retry.Policy    `json:"retry"`
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.Kind == "" {
		c.Kind = KindMemory
	}

	switch c.Kind {
	case KindMemory:
	case KindPostgres:
		if c.Postgres == nil {
			return errPostgresRequired
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownRegistry, c.Kind)
	}

	c.Retry = c.Retry.WithDefaults()

	return nil
}

// Open builds the configured store. Postgres stores are migrated before use.
func Open(ctx context.Context, cfg Config, log logger.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Kind == KindMemory {
		return NewMemoryStore(), nil
	}

	pool, err := NewPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, err
	}

	s := NewPostgresStore(pool, cfg.Retry, log)

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}
