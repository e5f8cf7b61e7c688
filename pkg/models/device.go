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

import "time"

// Outcome is the result of the most recent check for a device.
type Outcome string

const (
	OutcomeUnknown     Outcome = ""
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeUnreachable Outcome = "unreachable"
)

// Client variants understood by the device client factory.
const (
	ClientVariantSSH  = "ssh"
	ClientVariantMock = "mock"
)

// Device is a managed RouterOS device. Credentials are only ever held as a vault blob.
type Device struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Host              string           `json:"host"`
	Port              int              `json:"port"`
	Username          string           `json:"username"`
	EncryptedPassword string           `json:"encrypted_password,omitempty" sensitive:"true"`
	ClientVariant     string           `json:"client_variant,omitempty"`
	Enabled           bool             `json:"enabled"`
	Timeout           Duration         `json:"timeout,omitempty"`
	Retention         *RetentionPolicy `json:"retention,omitempty"`

	LastFingerprint string    `json:"last_fingerprint,omitempty"`
	LastCheckAt     time.Time `json:"last_check_at,omitempty"`
	LastOutcome     Outcome   `json:"last_outcome,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastChangeAt    time.Time `json:"last_change_at,omitempty"`
	LastSuccessAt   time.Time `json:"last_success_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of a registry.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}

	c := *d
	if d.Retention != nil {
		p := *d.Retention
		c.Retention = &p
	}

	return &c
}

// State extracts the per-device metadata record persisted beside the artifacts.
func (d *Device) State(policy RetentionPolicy) *DeviceState {
	return &DeviceState{
		DeviceID:        d.ID,
		DeviceName:      d.Name,
		LastFingerprint: d.LastFingerprint,
		LastCheckAt:     d.LastCheckAt,
		LastOutcome:     d.LastOutcome,
		LastError:       d.LastError,
		LastChangeAt:    d.LastChangeAt,
		LastSuccessAt:   d.LastSuccessAt,
		Retention:       policy,
	}
}

// DeviceState is the per-device metadata record kept by a storage backend.
type DeviceState struct {
	DeviceID        string          `json:"device_id"`
	DeviceName      string          `json:"device_name"`
	LastFingerprint string          `json:"last_fingerprint,omitempty"`
	LastCheckAt     time.Time       `json:"last_check_at,omitempty"`
	LastOutcome     Outcome         `json:"last_outcome,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LastChangeAt    time.Time       `json:"last_change_at,omitempty"`
	LastSuccessAt   time.Time       `json:"last_success_at,omitempty"`
	Retention       RetentionPolicy `json:"retention"`
}

// DeviceStatus is the read model handed to the management layer.
// StorageError carries the listing failure (e.g. corrupt metadata) when the
// artifacts could not be counted.
type DeviceStatus struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Host            string          `json:"host"`
	Port            int             `json:"port"`
	Username        string          `json:"username"`
	ClientVariant   string          `json:"client_variant"`
	Enabled         bool            `json:"enabled"`
	LastFingerprint string          `json:"last_fingerprint,omitempty"`
	LastCheckAt     time.Time       `json:"last_check_at,omitempty"`
	LastOutcome     Outcome         `json:"last_outcome,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LastChangeAt    time.Time       `json:"last_change_at,omitempty"`
	LastSuccessAt   time.Time       `json:"last_success_at,omitempty"`
	Retention       RetentionPolicy `json:"retention"`
	ArtifactCount   int             `json:"artifact_count"`
	StorageError    string          `json:"storage_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
