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

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: models.Duration(time.Millisecond),
		MaxBackoff:     models.Duration(2 * time.Millisecond),
	}
}

func recordWaits(waits *[]time.Duration) Option {
	return WithNotify(func(_ error, next time.Duration) {
		*waits = append(*waits, next)
	})
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	var (
		calls int
		waits []time.Duration
	)

	err := Do(context.Background(), fastPolicy(5), isTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}

		return nil
	}, recordWaits(&waits), WithLogger(logger.NewTestLogger(), "put"))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestDo_DoesNotRetryFatal(t *testing.T) {
	var (
		calls int
		waits []time.Duration
	)

	err := Do(context.Background(), fastPolicy(3), isTransient, func(context.Context) error {
		calls++
		return fmt.Errorf("write sidecar: %w", errFatal)
	}, recordWaits(&waits))

	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, "write sidecar: fatal", err.Error())
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestDo_NilClassifierNeverRetries(t *testing.T) {
	var calls int

	err := Do(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int

	err := Do(context.Background(), fastPolicy(3), isTransient, func(context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int

	err := Do(ctx, fastPolicy(10), isTransient, func(context.Context) error {
		calls++
		cancel()

		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_CanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(3), isTransient, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestDo_AttemptTimeout(t *testing.T) {
	policy := Policy{MaxAttempts: 1, AttemptTimeout: models.Duration(20 * time.Millisecond)}

	err := Do(context.Background(), policy, isTransient, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPolicyBackOff(t *testing.T) {
	p := Policy{
		InitialBackoff: models.Duration(100 * time.Millisecond),
		MaxBackoff:     models.Duration(time.Second),
	}

	bo := p.BackOff()
	assert.Equal(t, 100*time.Millisecond, bo.InitialInterval)
	assert.Equal(t, time.Second, bo.MaxInterval)

	first := bo.NextBackOff()
	assert.GreaterOrEqual(t, first, 75*time.Millisecond)
	assert.LessOrEqual(t, first, 125*time.Millisecond)

	for range 20 {
		d := bo.NextBackOff()
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestWithDefaults(t *testing.T) {
	p := Policy{InitialBackoff: models.Duration(time.Minute)}.WithDefaults()

	assert.Equal(t, defaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, models.Duration(time.Minute), p.MaxBackoff)
}
