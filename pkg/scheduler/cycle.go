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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/carverauto/routervault/pkg/fingerprint"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/notify"
	"github.com/carverauto/routervault/pkg/retention"
	"github.com/carverauto/routervault/pkg/routeros"
)

const (
	bookkeepingTimeout = 10 * time.Second
	notifyTimeout      = 10 * time.Second
)

// outcome is what one poll produced before it is recorded.
type outcome struct {
	status      models.CheckStatus
	artifact    *models.ArtifactRef
	fingerprint string
	err         error
}

// CheckDevice runs one cycle for the device with the given id. It waits
// while another cycle of the same device is running. Cycle failures are
// reported in the result; the error is only set when the cycle could not
// run at all.
func (s *Scheduler) CheckDevice(ctx context.Context, id string, trigger models.Trigger) (*models.CheckResult, error) {
	release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	dev, err := s.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	start := s.clock.Now()
	out := s.pollSafely(ctx, dev, trigger)

	return s.record(ctx, dev, trigger, start, out), nil
}

func (s *Scheduler) pollSafely(ctx context.Context, dev *models.Device, trigger models.Trigger) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("device", dev.Name).Interface("panic", r).Msg("Recovered panic in device cycle")
			out = outcome{status: models.StatusError, err: fmt.Errorf("%w: %v", errPanic, r)}
		}
	}()

	return s.poll(ctx, dev, trigger)
}

func (s *Scheduler) poll(ctx context.Context, dev *models.Device, trigger models.Trigger) outcome {
	fail := func(err error) outcome {
		return outcome{status: models.StatusError, err: err}
	}

	password, err := s.Decrypt(dev.EncryptedPassword)
	if err != nil {
		return fail(fmt.Errorf("decrypt credentials: %w", err))
	}

	client, err := s.clients.For(dev.ClientVariant)
	if err != nil {
		return fail(err)
	}

	timeout := time.Duration(dev.Timeout)
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DeviceTimeout)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	snap, err := client.Fetch(fetchCtx, routeros.Target{
		Name:     dev.Name,
		Host:     dev.Host,
		Port:     dev.Port,
		Username: dev.Username,
		Password: password,
		Timeout:  timeout,
	})
	cancel()

	if err != nil {
		return fail(err)
	}

	fp := fingerprint.Fingerprint(snap)

	var status models.CheckStatus

	switch fingerprint.Classify(dev.LastFingerprint, fp) {
	case fingerprint.Unchanged:
		return outcome{status: models.StatusUnchanged, fingerprint: fp}
	case fingerprint.NoBaseline:
		status = models.StatusBaselineCreated
	default:
		status = models.StatusChanged
	}

	ref, err := s.persist(ctx, dev, snap, fp, trigger)
	if err != nil {
		return fail(err)
	}

	s.prune(ctx, dev)

	return outcome{status: status, artifact: &ref, fingerprint: fp}
}

// persist stores the snapshot as the next artifact. When the newest stored
// artifact already carries fp, a previous cycle stored it but did not get to
// record it, and it is reused.
func (s *Scheduler) persist(ctx context.Context, dev *models.Device, snap *models.Snapshot, fp string, trigger models.Trigger) (models.ArtifactRef, error) {
	metas, err := s.backend.List(ctx, dev.Name)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("list artifacts: %w", err)
	}

	next := uint64(1)

	if n := len(metas); n > 0 {
		latest := metas[n-1]

		if fingerprint.Equal(latest.Fingerprint, fp) {
			s.logger.Info().
				Str("device", dev.Name).
				Uint64("sequence", latest.Sequence).
				Msg("Newest artifact already matches, reusing it")

			return latest.Ref(), nil
		}

		next = latest.Sequence + 1
	}

	art := &models.Artifact{
		ArtifactMeta: models.ArtifactMeta{
			DeviceID:    dev.ID,
			DeviceName:  dev.Name,
			Sequence:    next,
			Fingerprint: fp,
			CapturedAt:  snap.FetchedAt,
			Trigger:     trigger,
		},
		Config: snap.Config,
		Logs:   snap.Logs,
	}

	ref, err := s.backend.Put(ctx, dev.Name, art)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("store artifact %d: %w", next, err)
	}

	s.logger.Info().
		Str("device", dev.Name).
		Uint64("sequence", ref.Sequence).
		Str("fingerprint", fp).
		Msg("Stored backup artifact")

	return ref, nil
}

// prune applies retention. Failures are logged; the artifact that was just
// written is the newest and is never removed.
func (s *Scheduler) prune(ctx context.Context, dev *models.Device) {
	report, err := s.retention.Prune(ctx, dev.Name, s.PolicyFor(dev))
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("device", dev.Name).
			Int("failed", len(report.Failed)).
			Msg("Retention incomplete")
	}
}

// ApplyRetention prunes the artifacts of one device under its effective
// policy, outside of a cycle, and refreshes its state record.
func (s *Scheduler) ApplyRetention(ctx context.Context, id string) (*retention.Report, error) {
	release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	dev, err := s.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	policy := s.PolicyFor(dev)

	report, err := s.retention.Prune(ctx, dev.Name, policy)

	if saveErr := s.backend.SaveState(ctx, dev.Name, dev.State(policy)); saveErr != nil {
		s.logger.Warn().Err(saveErr).Str("device", dev.Name).Msg("Failed to save device state record")
	}

	return report, err
}

// record updates the device, persists its state record, emits
// notifications and metrics, and returns the result.
func (s *Scheduler) record(ctx context.Context, dev *models.Device, trigger models.Trigger, start time.Time, out outcome) *models.CheckResult {
	now := s.clock.Now()

	result := &models.CheckResult{
		DeviceID:    dev.ID,
		DeviceName:  dev.Name,
		Timestamp:   now,
		Status:      out.status,
		Artifact:    out.artifact,
		Fingerprint: out.fingerprint,
		Trigger:     trigger,
		Duration:    now.Sub(start),
	}

	if out.err != nil {
		result.Status = models.StatusError
		result.ErrorKind = errorKind(out.err)
		result.ErrorDetail = out.err.Error()
	}

	// Bookkeeping must land even when the cycle itself was canceled.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	previous := dev.LastOutcome

	updated, err := s.devices.Update(bctx, dev.ID, func(d *models.Device) error {
		d.LastCheckAt = now
		d.LastOutcome = outcomeOf(out.err)

		if out.err != nil {
			d.LastError = result.ErrorDetail
			return nil
		}

		d.LastError = ""
		d.LastSuccessAt = now
		d.LastFingerprint = out.fingerprint

		if out.status != models.StatusUnchanged {
			d.LastChangeAt = now
		}

		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("device", dev.Name).Msg("Failed to update device state")
	} else if err := s.backend.SaveState(bctx, dev.Name, updated.State(s.PolicyFor(updated))); err != nil {
		s.logger.Warn().Err(err).Str("device", dev.Name).Msg("Failed to save device state record")
	}

	s.log(result)
	s.results.add(*result)
	s.metrics.record(bctx, result)
	s.notify(context.WithoutCancel(ctx), result, previous)

	return result
}

func (s *Scheduler) log(r *models.CheckResult) {
	ev := s.logger.Info()
	if r.Status == models.StatusError {
		ev = s.logger.Warn().Str("error_kind", r.ErrorKind).Str("error", r.ErrorDetail)
	}

	ev = ev.Str("device", r.DeviceName).
		Str("device_id", r.DeviceID).
		Str("status", string(r.Status)).
		Str("trigger", string(r.Trigger)).
		Dur("duration", r.Duration)

	if r.Artifact != nil {
		ev = ev.Uint64("sequence", r.Artifact.Sequence)
	}

	ev.Msg("Device cycle finished")
}

func (s *Scheduler) notify(ctx context.Context, r *models.CheckResult, previous models.Outcome) {
	event := notify.Event{
		DeviceID:    r.DeviceID,
		DeviceName:  r.DeviceName,
		Status:      r.Status,
		ErrorKind:   r.ErrorKind,
		Detail:      r.ErrorDetail,
		Artifact:    r.Artifact,
		Fingerprint: r.Fingerprint,
		Timestamp:   r.Timestamp,
	}

	var kinds []notify.Kind

	switch r.Status {
	case models.StatusError:
		kinds = append(kinds, notify.KindBackupFailed)
	case models.StatusBaselineCreated, models.StatusChanged:
		if r.Trigger == models.TriggerManual {
			kinds = append(kinds, notify.KindManualBackup)
		} else {
			kinds = append(kinds, notify.KindBackupCreated)
		}
	case models.StatusUnchanged:
		if s.cfg.NotifyUnchanged {
			kinds = append(kinds, notify.KindUnchanged)
		}
	}

	if r.Status != models.StatusError && (previous == models.OutcomeFailure || previous == models.OutcomeUnreachable) {
		kinds = append(kinds, notify.KindRouterRecovered)
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	for _, kind := range kinds {
		event.Kind = kind

		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("kind", string(kind)).Str("device", r.DeviceName).Msg("Notification failed")
		}
	}
}
