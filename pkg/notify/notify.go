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

// Package notify delivers backup lifecycle events to operators.
package notify

//go:generate mockgen -destination=mock_notifier.go -package=notify github.com/carverauto/routervault/pkg/notify Notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
)

// Kind names an event type. Kinds can be enabled individually.
type Kind string

const (
	KindBackupCreated   Kind = "backup_created"
	KindBackupFailed    Kind = "backup_failed"
	KindRouterRecovered Kind = "router_recovered"
	KindUnchanged       Kind = "unchanged"
	KindManualBackup    Kind = "manual_backup"
)

// Kinds lists every known event kind.
func Kinds() []Kind {
	return []Kind{KindBackupCreated, KindBackupFailed, KindRouterRecovered, KindUnchanged, KindManualBackup}
}

// Event is one notification about a device cycle.
type Event struct {
	Kind        Kind                `json:"kind"`
	DeviceID    string              `json:"device_id"`
	DeviceName  string              `json:"device_name"`
	Status      models.CheckStatus  `json:"status"`
	ErrorKind   string              `json:"error_kind,omitempty"`
	Detail      string              `json:"detail,omitempty"`
	Artifact    *models.ArtifactRef `json:"artifact,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Level is "error" for failures and "info" otherwise.
func (e Event) Level() string {
	if e.Kind == KindBackupFailed {
		return "error"
	}

	return "info"
}

// Title is a one line human summary.
func (e Event) Title() string {
	switch e.Kind {
	case KindBackupCreated:
		if e.Status == models.StatusBaselineCreated {
			return fmt.Sprintf("Baseline backup created for %s", e.DeviceName)
		}

		return fmt.Sprintf("Configuration change backed up for %s", e.DeviceName)
	case KindManualBackup:
		return fmt.Sprintf("Manual backup of %s", e.DeviceName)
	case KindBackupFailed:
		return fmt.Sprintf("Backup failed for %s", e.DeviceName)
	case KindRouterRecovered:
		return fmt.Sprintf("%s is reachable again", e.DeviceName)
	case KindUnchanged:
		return fmt.Sprintf("No changes on %s", e.DeviceName)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.DeviceName)
	}
}

// Text renders the message body used by chat channels.
func (e Event) Text() string {
	var b strings.Builder

	b.WriteString(e.Title())

	if e.Artifact != nil {
		fmt.Fprintf(&b, "\nArtifact: %s", e.Artifact)
	}

	if e.ErrorKind != "" {
		fmt.Fprintf(&b, "\nError: %s", e.ErrorKind)
	}

	if e.Detail != "" {
		fmt.Fprintf(&b, "\n%s", e.Detail)
	}

	return b.String()
}

// Notifier delivers events to one channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the structured log only.
type LogNotifier struct {
	logger logger.Logger
}

// NewLogNotifier returns a notifier logging through log.
func NewLogNotifier(log logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &LogNotifier{logger: log}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, event Event) error {
	ev := l.logger.Info()
	if event.Level() == "error" {
		ev = l.logger.Error()
	}

	ev = ev.Str("kind", string(event.Kind)).
		Str("device", event.DeviceName).
		Str("device_id", event.DeviceID).
		Str("status", string(event.Status))

	if event.ErrorKind != "" {
		ev = ev.Str("error_kind", event.ErrorKind)
	}

	if event.Artifact != nil {
		ev = ev.Str("artifact", event.Artifact.String())
	}

	ev.Msg(event.Title())

	return nil
}

// Multi fans an event out to every notifier.
type Multi []Notifier

// Notify implements Notifier. Every notifier is tried; errors are joined.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error

	for _, n := range m {
		if n == nil {
			continue
		}

		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
