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

package vault

import (
	"errors"
	"fmt"
)

// Kind classifies vault failures.
type Kind string

const (
	KindKeyMissing   Kind = "key_missing"
	KindKeyMalformed Kind = "key_malformed"
	KindTampered     Kind = "tampered"
	KindInternal     Kind = "internal"
)

var (
	// ErrKeyMissing is matched by errors.Is when no key source is configured.
	ErrKeyMissing = &Error{Kind: KindKeyMissing}
	// ErrKeyMalformed is matched by errors.Is when a key cannot be decoded to 32 bytes.
	ErrKeyMalformed = &Error{Kind: KindKeyMalformed}
	// ErrTampered is matched by errors.Is when a blob fails authentication.
	ErrTampered = &Error{Kind: KindTampered}
	// ErrInternal is matched by errors.Is for cipher or entropy failures.
	ErrInternal = &Error{Kind: KindInternal}
)

// Error carries the failure kind and the underlying cause, if any.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "vault: " + string(e.Kind)
	}

	return fmt.Sprintf("vault: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the exported sentinels work
// with errors.Is regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return other.Kind == e.Kind
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
