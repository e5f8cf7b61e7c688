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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/natsutil"
)

const (
	defaultEventStream   = "ROUTERVAULT_EVENTS"
	defaultSubjectPrefix = "routervault.events"
	eventSource          = "routervault/scheduler"
	eventTypePrefix      = "com.carverauto.routervault.backup."
)

var errNATSURL = errors.New("nats url is required")

// NATSConfig configures CloudEvent publishing over JetStream.
type NATSConfig struct {
	URL           string              `json:"url"`
	CredsFile     string              `json:"creds_file,omitempty"`
	TLS           *natsutil.TLSConfig `json:"tls,omitempty"`
	Stream        string              `json:"stream,omitempty"`
	SubjectPrefix string              `json:"subject_prefix,omitempty"`
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Stream == "" {
		c.Stream = defaultEventStream
	}

	c.SubjectPrefix = strings.TrimSuffix(c.SubjectPrefix, ".")
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}

	return c
}

// CloudEvent is the CloudEvents 1.0 envelope published for every event.
type CloudEvent struct {
	SpecVersion     string     `json:"specversion"`
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	Type            string     `json:"type"`
	DataContentType string     `json:"datacontenttype"`
	Subject         string     `json:"subject"`
	Time            *time.Time `json:"time,omitempty"`
	Data            Event      `json:"data"`
}

// NATSNotifier publishes events to a JetStream stream.
type NATSNotifier struct {
	js     jetstream.JetStream
	prefix string
	nc     *nats.Conn
}

// NewNATSNotifier connects to cfg.URL and makes sure the stream captures the
// event subjects.
func NewNATSNotifier(ctx context.Context, cfg NATSConfig, log logger.Logger) (*NATSNotifier, error) {
	if cfg.URL == "" {
		return nil, errNATSURL
	}

	nc, err := natsutil.Connect(natsutil.ConnConfig{URL: cfg.URL, CredsFile: cfg.CredsFile, TLS: cfg.TLS}, "routervault-notify")
	if err != nil {
		return nil, err
	}

	n, err := newNATSNotifier(ctx, nc, cfg, log)
	if err != nil {
		nc.Close()
		return nil, err
	}

	n.nc = nc

	return n, nil
}

func newNATSNotifier(ctx context.Context, nc *nats.Conn, cfg NATSConfig, log logger.Logger) (*NATSNotifier, error) {
	cfg = cfg.withDefaults()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	wildcard := cfg.SubjectPrefix + ".>"

	streamCfg := jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{wildcard},
	}

	n := &NATSNotifier{js: js, prefix: cfg.SubjectPrefix}

	stream, err := js.Stream(ctx, cfg.Stream)
	if err != nil && !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to get stream %s: %w", cfg.Stream, err)
	}

	if err == nil {
		existing := stream.CachedInfo().Config
		subjects := ensureSubjectList(append([]string(nil), existing.Subjects...), wildcard)

		if len(subjects) == len(existing.Subjects) {
			return n, nil
		}

		streamCfg = existing
		streamCfg.Subjects = subjects
	}

	if _, err := js.CreateOrUpdateStream(ctx, streamCfg); err != nil {
		return nil, fmt.Errorf("failed to create or update stream %s: %w", cfg.Stream, err)
	}

	if log != nil {
		log.Info().Str("stream", cfg.Stream).Strs("subjects", streamCfg.Subjects).Msg("Configured event stream")
	}

	return n, nil
}

// Subject returns the subject an event of kind is published on.
func (n *NATSNotifier) Subject(kind Kind) string {
	return n.prefix + "." + string(kind)
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, event Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ce := CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventTypePrefix + string(event.Kind),
		DataContentType: "application/json",
		Subject:         n.Subject(event.Kind),
		Time:            &ts,
		Data:            event,
	}

	payload, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Kind, err)
	}

	if _, err := n.js.Publish(ctx, ce.Subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Kind, err)
	}

	return nil
}

// Close drops the connection when the notifier owns it.
func (n *NATSNotifier) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}

	return nil
}

// ensureSubjectList appends subject unless an existing pattern covers it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, pattern := range subjects {
		if matchesSubject(pattern, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether the NATS pattern matches subject. A subject
// that is itself a wildcard is matched token by token.
func matchesSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}

		if i >= len(st) {
			return false
		}

		if tok != "*" && tok != st[i] {
			return false
		}
	}

	return len(pt) == len(st)
}
