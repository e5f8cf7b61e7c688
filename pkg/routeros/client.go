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

// Package routeros fetches configuration exports and log excerpts from
// MikroTik RouterOS devices.
package routeros

//go:generate mockgen -destination=mock_client.go -package=routeros github.com/carverauto/routervault/pkg/routeros Client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/routervault/pkg/models"
)

const (
	defaultPort     = 22
	defaultTimeout  = 30 * time.Second
	defaultLogLines = 200
)

var errUnknownVariant = errors.New("unknown client variant")

// Target identifies one device for a single call. Password is plaintext and
// must never be logged.
type Target struct {
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

func (t Target) port() int {
	if t.Port <= 0 {
		return defaultPort
	}

	return t.Port
}

func (t Target) timeout() time.Duration {
	if t.Timeout <= 0 {
		return defaultTimeout
	}

	return t.Timeout
}

// Client talks to a device.
type Client interface {
	// Fetch returns the configuration export and a bounded log excerpt.
	Fetch(ctx context.Context, target Target) (*models.Snapshot, error)
	// Probe verifies the device is reachable and accepts the credentials.
	Probe(ctx context.Context, target Target) error
}

// Factory selects a Client by variant name.
type Factory struct {
	clients        map[string]Client
	defaultVariant string
}

// NewFactory registers the available variants. defaultVariant is used for
// devices without an explicit variant.
func NewFactory(defaultVariant string, clients map[string]Client) *Factory {
	registered := make(map[string]Client, len(clients))
	for name, c := range clients {
		if c != nil {
			registered[name] = c
		}
	}

	return &Factory{clients: registered, defaultVariant: defaultVariant}
}

// For returns the client for variant, or the default when variant is empty.
func (f *Factory) For(variant string) (Client, error) {
	if variant == "" {
		variant = f.defaultVariant
	}

	c, ok := f.clients[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownVariant, variant)
	}

	return c, nil
}

// TailLines keeps the last n lines of b. A trailing newline does not count as
// an extra empty line.
func TailLines(b []byte, n int) []byte {
	if n <= 0 || len(b) == 0 {
		return b
	}

	trimmed := bytes.TrimRight(b, "\r\n")

	idx := len(trimmed)
	for i := 0; i < n; i++ {
		idx = bytes.LastIndexByte(trimmed[:idx], '\n')
		if idx < 0 {
			return b
		}
	}

	return b[idx+1:]
}
