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

//go:generate mockgen -destination=mock_scheduler.go -package=scheduler github.com/carverauto/routervault/pkg/scheduler Clock,Ticker,Devices

import (
	"context"
	"time"

	"github.com/carverauto/routervault/pkg/models"
)

// Clock is the scheduler's time source; tests drive ticks by hand.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers sweep ticks. Reset changes the period in place when the
// interval is hot-reloaded.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) C() <-chan time.Time   { return s.t.C }
func (s systemTicker) Reset(d time.Duration) { s.t.Reset(d) }
func (s systemTicker) Stop()                 { s.t.Stop() }

// Devices is the registry view the scheduler needs. Update must serialize
// concurrent writers of the same device.
type Devices interface {
	List(ctx context.Context) ([]*models.Device, error)
	Get(ctx context.Context, id string) (*models.Device, error)
	Update(ctx context.Context, id string, fn func(*models.Device) error) (*models.Device, error)
}
