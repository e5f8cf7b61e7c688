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

// Package retry runs operations with exponential backoff for transient failures.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second

	backoffMultiplier   = 2
	backoffRandomFactor = 0.25
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	MaxAttempts    int             `json:"max_attempts"`
	InitialBackoff models.Duration `json:"initial_backoff"`
	MaxBackoff     models.Duration `json:"max_backoff"`
	// AttemptTimeout bounds each individual attempt; zero means no bound.
	AttemptTimeout models.Duration `json:"attempt_timeout"`
}

// DefaultPolicy returns 3 attempts backing off from 500ms up to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: models.Duration(defaultInitialBackoff),
		MaxBackoff:     models.Duration(defaultMaxBackoff),
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}

	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}

	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}

	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}

	return p
}

// BackOff builds the exponential schedule for p. Intervals double from
// InitialBackoff with 25% jitter and stop growing at MaxBackoff.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	p = p.WithDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(p.InitialBackoff)
	bo.MaxInterval = time.Duration(p.MaxBackoff)
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = backoffRandomFactor
	bo.Reset()

	return bo
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Option customises Do.
type Option func(*options)

type options struct {
	log    logger.Logger
	op     string
	notify []backoff.Notify
}

// WithLogger logs every retried failure under the given operation name.
func WithLogger(log logger.Logger, op string) Option {
	return func(o *options) {
		o.log = log
		o.op = op
	}
}

// WithNotify calls fn with each retried error and the wait before the next
// attempt.
func WithNotify(fn backoff.Notify) Option {
	return func(o *options) {
		o.notify = append(o.notify, fn)
	}
}

// Do runs fn until it succeeds, returns an error the classifier rejects, the
// attempts are exhausted or ctx ends. The last error from fn is returned
// unchanged.
func Do(ctx context.Context, policy Policy, retryable Classifier, fn func(ctx context.Context) error, opts ...Option) error {
	policy = policy.WithDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		attempt int
		lastErr error
	)

	operation := func() (struct{}, error) {
		attempt++

		lastErr = runAttempt(ctx, policy, fn)
		if lastErr == nil {
			return struct{}{}, nil
		}

		if retryable == nil || !retryable(lastErr) {
			return struct{}{}, backoff.Permanent(lastErr)
		}

		return struct{}{}, lastErr
	}

	notify := func(err error, next time.Duration) {
		if o.log != nil {
			o.log.Warn().
				Err(err).
				Str("operation", o.op).
				Int("attempt", attempt).
				Int("max_attempts", policy.MaxAttempts).
				Dur("backoff", next).
				Msg("Transient error, retrying")
		}

		for _, fn := range o.notify {
			fn(err, next)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy.BackOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil || lastErr == nil {
		return err
	}

	// Retry reports ctx's cause or a permanent wrapper; callers classify
	// the error fn produced.
	return lastErr
}

func runAttempt(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	if policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(policy.AttemptTimeout))
	defer cancel()

	return fn(attemptCtx)
}
