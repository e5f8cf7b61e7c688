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
	"io"
	"net"
	"strings"
)

// Kind classifies device-side failures.
type Kind string

const (
	KindUnreachable   Kind = "unreachable"
	KindAuthFailed    Kind = "auth_failed"
	KindProtocolError Kind = "protocol_error"
	KindTimeout       Kind = "timeout"
)

// Error is returned by every Client method on failure.
type Error struct {
	Kind   Kind
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("routeros %s: %s", e.Device, e.Kind)
	}

	return fmt.Sprintf("routeros %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind, or "" when err is not a device error.
func KindOf(err error) Kind {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Kind
	}

	return ""
}

// IsConnectivity reports whether the device could not be reached in time.
func IsConnectivity(err error) bool {
	switch KindOf(err) {
	case KindUnreachable, KindTimeout:
		return true
	case KindAuthFailed, KindProtocolError:
		return false
	default:
		return false
	}
}

func newError(kind Kind, device string, err error) *Error {
	return &Error{Kind: kind, Device: device, Err: err}
}

// classifyDial maps a connection failure. Context expiry wins over whatever
// the dialer reported.
func classifyDial(ctx context.Context, device string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindTimeout, device, ctxErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, device, err)
	}

	return newError(KindUnreachable, device, err)
}

// classifyHandshake maps an SSH handshake failure.
func classifyHandshake(ctx context.Context, device string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindTimeout, device, ctxErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, device, err)
	}

	msg := err.Error()

	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return newError(KindAuthFailed, device, err)
	case errors.Is(err, io.EOF), strings.Contains(msg, "connection reset"):
		return newError(KindUnreachable, device, err)
	default:
		return newError(KindProtocolError, device, err)
	}
}

// classifySession maps a failure after the handshake succeeded.
func classifySession(ctx context.Context, device string, err error) *Error {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindTimeout, device, ctxErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, device, err)
	}

	return newError(KindProtocolError, device, err)
}
