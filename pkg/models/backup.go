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

package models

import (
	"fmt"
	"time"
)

// Snapshot is what a device client returns for one fetch.
type Snapshot struct {
	Config    []byte    `json:"config"`
	Logs      []byte    `json:"logs"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Trigger records why an artifact was captured.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// ArtifactRef identifies one stored artifact. Storage paths key on the device name.
type ArtifactRef struct {
	DeviceName string `json:"device_name"`
	Sequence   uint64 `json:"sequence"`
}

func (r ArtifactRef) String() string {
	return fmt.Sprintf("%s#%d", r.DeviceName, r.Sequence)
}

// IsZero reports whether the reference points at nothing.
func (r ArtifactRef) IsZero() bool {
	return r.DeviceName == "" && r.Sequence == 0
}

// ArtifactMeta is the immutable metadata of a stored backup.
type ArtifactMeta struct {
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name"`
	Sequence    uint64    `json:"sequence"`
	Fingerprint string    `json:"fingerprint"`
	CapturedAt  time.Time `json:"captured_at"`
	Size        int64     `json:"size"`
	LogSize     int64     `json:"log_size"`
	Trigger     Trigger   `json:"trigger"`
	Summary     string    `json:"summary,omitempty"`
}

// Ref returns the reference of the artifact described by m.
func (m *ArtifactMeta) Ref() ArtifactRef {
	return ArtifactRef{DeviceName: m.DeviceName, Sequence: m.Sequence}
}

// Artifact is one immutable, versioned backup of a device configuration.
type Artifact struct {
	ArtifactMeta
	Config []byte `json:"config"`
	Logs   []byte `json:"logs"`
}

// RetentionPolicy bounds how many and how old artifacts are kept per device.
// A negative MaxCount disables the count limit, zero MaxAge disables the age limit.
// The newest artifact is always kept.
type RetentionPolicy struct {
	MaxCount int      `json:"max_count"`
	MaxAge   Duration `json:"max_age"`
}

// Unlimited is a MaxCount value that disables the count limit.
const Unlimited = -1

// CheckStatus classifies the outcome of a single device cycle.
type CheckStatus string

const (
	StatusUnchanged       CheckStatus = "unchanged"
	StatusChanged         CheckStatus = "changed"
	StatusBaselineCreated CheckStatus = "baseline_created"
	StatusError           CheckStatus = "error"
)

// CheckResult is the ephemeral record of one device cycle.
type CheckResult struct {
	DeviceID    string        `json:"device_id"`
	DeviceName  string        `json:"device_name"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      CheckStatus   `json:"status"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Artifact    *ArtifactRef  `json:"artifact,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Trigger     Trigger       `json:"trigger"`
	Duration    time.Duration `json:"duration"`
}
