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
	"errors"
	"fmt"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/retry"
)

const (
	KindLocal = "local"
	KindNATS  = "nats"
)

var errUnknownBackend = errors.New("unknown storage backend")

// Config selects and parameterises the backend.
type Config struct {
	Kind  string       `json:"kind"`
	Root  string       `json:"root"`
	NATS  *NATSConfig  `json:"nats,omitempty"`
	Retry retry.Policy `json:"retry"`
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.Kind == "" {
		c.Kind = KindLocal
	}

	switch c.Kind {
	case KindLocal:
		if c.Root == "" {
			return errRootRequired
		}
	case KindNATS:
		if c.NATS == nil || c.NATS.URL == "" {
			return errNATSURLRequired
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownBackend, c.Kind)
	}

	c.Retry = c.Retry.WithDefaults()

	return nil
}

// Open builds the configured backend wrapped in retries.
func Open(ctx context.Context, cfg Config, log logger.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		b   Backend
		err error
	)

	switch cfg.Kind {
	case KindNATS:
		b, err = NewNATSBackend(ctx, *cfg.NATS, log)
	default:
		b, err = NewLocalBackend(cfg.Root, log)
	}

	if err != nil {
		return nil, err
	}

	return Retrying(b, cfg.Retry, log), nil
}
