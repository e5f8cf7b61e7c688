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
	"io"
	"sync"
	"time"

	"github.com/carverauto/routervault/pkg/logger"
)

const (
	defaultDedupeWindow    = 5 * time.Minute
	defaultDeliveryTimeout = 10 * time.Second
	defaultQueueSize       = 64
)

// DispatcherOptions tune a Dispatcher. Zero values pick defaults; a negative
// DedupeWindow disables de-duplication. backup_failed events are never
// de-duplicated.
type DispatcherOptions struct {
	Enabled      map[Kind]bool
	DedupeWindow time.Duration
	Timeout      time.Duration
	QueueSize    int
}

// Dispatcher filters and de-duplicates events, then delivers them in the
// background. Delivery failures are logged and dropped.
type Dispatcher struct {
	target  Notifier
	logger  logger.Logger
	enabled map[Kind]bool
	window  time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	seen    map[string]time.Time
	closed  bool
	queue   chan Event
	done    chan struct{}
	closers []io.Closer
}

// NewDispatcher starts the delivery goroutine. Close must be called to stop it.
func NewDispatcher(target Notifier, opts DispatcherOptions, log logger.Logger, closers ...io.Closer) *Dispatcher {
	if log == nil {
		log = logger.NewTestLogger()
	}

	if opts.DedupeWindow == 0 {
		opts.DedupeWindow = defaultDedupeWindow
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultDeliveryTimeout
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	d := &Dispatcher{
		target:  target,
		logger:  log,
		enabled: opts.Enabled,
		window:  opts.DedupeWindow,
		timeout: opts.Timeout,
		now:     time.Now,
		seen:    make(map[string]time.Time),
		queue:   make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
		closers: closers,
	}

	go d.run()

	return d
}

// Notify queues event and returns immediately. It always returns nil.
func (d *Dispatcher) Notify(_ context.Context, event Event) error {
	if !d.accept(event) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	select {
	case d.queue <- event:
	default:
		d.logger.Warn().
			Str("kind", string(event.Kind)).
			Str("device", event.DeviceName).
			Msg("Notification queue full, dropping event")
	}

	return nil
}

// accept applies the kind filter and the de-duplication window.
func (d *Dispatcher) accept(event Event) bool {
	if d.enabled != nil && !d.enabled[event.Kind] {
		return false
	}

	// Every failed check is reported; a sweep interval at or below the
	// window would otherwise hide all but the first failure of an outage.
	if d.window < 0 || event.Kind == KindBackupFailed {
		return true
	}

	now := d.now()
	key := dedupeKey(event)

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}

	if _, ok := d.seen[key]; ok {
		d.logger.Debug().Str("kind", string(event.Kind)).Str("device", event.DeviceName).Msg("Suppressed duplicate notification")

		return false
	}

	d.seen[key] = now

	return true
}

func dedupeKey(e Event) string {
	return string(e.Kind) + "|" + e.DeviceID + "|" + string(e.Status) + "|" + e.ErrorKind + "|" + e.Detail
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.target.Notify(ctx, event); err != nil {
		d.logger.Warn().
			Err(err).
			Str("kind", string(event.Kind)).
			Str("device", event.DeviceName).
			Msg("Notification delivery failed")
	}
}

// Close drains queued events until ctx ends and releases the channel closers.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}

	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	var errs []error

	select {
	case <-d.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
