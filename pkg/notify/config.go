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

package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
)

var errUnknownKind = errors.New("unknown notification kind")

// Config selects channels and filtering. Kinds defaults to every kind except
// unchanged.
type Config struct {
	Kinds        []Kind          `json:"kinds,omitempty"`
	DedupeWindow models.Duration `json:"dedupe_window,omitempty"`
	Timeout      models.Duration `json:"timeout,omitempty"`
	QueueSize    int             `json:"queue_size,omitempty"`
	Telegram     *TelegramConfig `json:"telegram,omitempty"`
	NATS         *NATSConfig     `json:"nats,omitempty"`
}

// DefaultKinds are enabled when Config.Kinds is empty.
func DefaultKinds() []Kind {
	return []Kind{KindBackupCreated, KindBackupFailed, KindRouterRecovered, KindManualBackup}
}

// Validate checks the kind list.
func (c *Config) Validate() error {
	known := make(map[Kind]bool)
	for _, k := range Kinds() {
		known[k] = true
	}

	for _, k := range c.Kinds {
		if !known[k] {
			return fmt.Errorf("%w: %q", errUnknownKind, k)
		}
	}

	return nil
}

// Build assembles the configured channels behind a Dispatcher. The log
// channel is always present.
func Build(ctx context.Context, cfg *Config, log logger.Logger) (*Dispatcher, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	targets := Multi{NewLogNotifier(log)}

	var closers []io.Closer

	if cfg.Telegram != nil {
		tg, err := NewTelegramNotifier(*cfg.Telegram, &http.Client{Timeout: defaultTelegramTimeout})
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}

		targets = append(targets, tg)
	}

	if cfg.NATS != nil {
		nn, err := NewNATSNotifier(ctx, *cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("nats notifier: %w", err)
		}

		targets = append(targets, nn)
		closers = append(closers, nn)
	}

	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = DefaultKinds()
	}

	enabled := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}

	return NewDispatcher(targets, DispatcherOptions{
		Enabled:      enabled,
		DedupeWindow: time.Duration(cfg.DedupeWindow),
		Timeout:      time.Duration(cfg.Timeout),
		QueueSize:    cfg.QueueSize,
	}, log, closers...), nil
}
