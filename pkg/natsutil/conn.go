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

// Package natsutil holds the NATS connection setup shared by the JetStream
// storage backend and the event notifier.
package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	defaultReconnectWait = 2 * time.Second
	defaultMaxReconnects = -1
)

// ErrURLRequired is returned when no server URL is configured.
var ErrURLRequired = errors.New("nats url is required")

// ConnConfig is how to reach and authenticate to a NATS server.
type ConnConfig struct {
	URL       string
	CredsFile string
	TLS       *TLSConfig
}

// Options translates cfg into nats.Options for a client named name.
func Options(cfg ConnConfig, name string) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(defaultReconnectWait),
		nats.MaxReconnects(defaultMaxReconnects),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	if cfg.TLS != nil {
		tlsConf, err := cfg.TLS.Build()
		if err != nil {
			return nil, err
		}

		opts = append(opts, nats.Secure(tlsConf))
	}

	return opts, nil
}

// Connect dials the server in cfg.
func Connect(cfg ConnConfig, name string) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}

	opts, err := Options(cfg, name)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return nc, nil
}
