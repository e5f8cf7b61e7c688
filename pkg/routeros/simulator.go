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

package routeros

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/routervault/pkg/models"
)

var errSimulatedFailure = errors.New("simulated failure")

// Simulator is the in-memory "mock" variant. Each device gets a generated
// export until a payload is scripted for it.
type Simulator struct {
	mu       sync.Mutex
	scripts  map[string][][]byte
	payloads map[string][]byte
	failures map[string]Kind
	delays   map[string]time.Duration
	calls    map[string]int
	now      func() time.Time
}

// NewSimulator returns an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		scripts:  make(map[string][][]byte),
		payloads: make(map[string][]byte),
		failures: make(map[string]Kind),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Script queues exports returned by successive fetches of device. Once the
// queue drains the last scripted export keeps being served.
func (s *Simulator) Script(device string, payloads ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range payloads {
		s.scripts[device] = append(s.scripts[device], []byte(p))
	}
}

// SetPayload replaces the export served for device and clears its script.
func (s *Simulator) SetPayload(device, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scripts, device)
	s.payloads[device] = []byte(payload)
}

// Fail makes every call for device fail with kind until Recover.
func (s *Simulator) Fail(device string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[device] = kind
}

// Recover clears a failure set by Fail.
func (s *Simulator) Recover(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failures, device)
}

// SetDelay makes calls for device take d; a call whose deadline expires
// first fails with KindTimeout.
func (s *Simulator) SetDelay(device string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delays[device] = d
}

// Calls returns how many Fetch and Probe calls device has seen.
func (s *Simulator) Calls(device string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[device]
}

// Fetch implements Client.
func (s *Simulator) Fetch(ctx context.Context, target Target) (*models.Snapshot, error) {
	n, delay, kind := s.begin(target.Name)

	if err := s.wait(ctx, target, delay); err != nil {
		return nil, err
	}

	if kind != "" {
		return nil, newError(kind, target.Name, errSimulatedFailure)
	}

	now := s.now()

	return &models.Snapshot{
		Config:    s.export(target.Name, now),
		Logs:      []byte(fmt.Sprintf("%s system,info simulated poll #%d for %s\n", now.Format(time.TimeOnly), n, target.Name)),
		FetchedAt: now,
	}, nil
}

// Probe implements Client.
func (s *Simulator) Probe(ctx context.Context, target Target) error {
	_, delay, kind := s.begin(target.Name)

	if err := s.wait(ctx, target, delay); err != nil {
		return err
	}

	if kind != "" {
		return newError(kind, target.Name, errSimulatedFailure)
	}

	return nil
}

func (s *Simulator) begin(device string) (int, time.Duration, Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[device]++

	return s.calls[device], s.delays[device], s.failures[device]
}

func (*Simulator) wait(ctx context.Context, target Target, delay time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, target.timeout())
	defer cancel()

	if delay <= 0 {
		if err := ctx.Err(); err != nil {
			return newError(KindTimeout, target.Name, err)
		}

		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return newError(KindTimeout, target.Name, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (s *Simulator) export(device string, now time.Time) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queue := s.scripts[device]; len(queue) > 0 {
		next := queue[0]
		if len(queue) > 1 {
			s.scripts[device] = queue[1:]
		}

		return append([]byte(nil), next...)
	}

	if p, ok := s.payloads[device]; ok {
		return append([]byte(nil), p...)
	}

	return []byte(fmt.Sprintf("# %s by RouterOS 7.16 (simulated)\n/system identity\nset name=%s\n/interface bridge\nadd name=bridge1\n",
		now.Format(time.DateTime), device))
}
