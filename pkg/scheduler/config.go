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
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/routervault/pkg/models"
)

const (
	defaultInterval      = 5 * time.Minute
	defaultWorkers       = 4
	defaultDeviceTimeout = 30 * time.Second
	defaultShutdownGrace = 30 * time.Second
	defaultResultsWindow = 256
	defaultMaxCount      = 30
	defaultMaxAge        = 30 * 24 * time.Hour

	minInterval = time.Second
)

var errInvalidInterval = errors.New("interval is below the minimum")

// Config controls the cycle driver.
type Config struct {
	Interval        models.Duration         `json:"interval"`
	Workers         int                     `json:"workers"`
	DeviceTimeout   models.Duration         `json:"device_timeout"`
	ShutdownGrace   models.Duration         `json:"shutdown_grace"`
	NotifyUnchanged bool                    `json:"notify_unchanged"`
	ResultsWindow   int                     `json:"results_window"`
	Retention       *models.RetentionPolicy `json:"retention,omitempty"`
}

// DefaultRetention is the global policy used when none is configured.
func DefaultRetention() models.RetentionPolicy {
	return models.RetentionPolicy{MaxCount: defaultMaxCount, MaxAge: models.Duration(defaultMaxAge)}
}

// Validate fills defaults and rejects intervals below one second.
func (c *Config) Validate() error {
	if c.Interval == 0 {
		c.Interval = models.Duration(defaultInterval)
	}

	if err := checkInterval(time.Duration(c.Interval)); err != nil {
		return err
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.DeviceTimeout <= 0 {
		c.DeviceTimeout = models.Duration(defaultDeviceTimeout)
	}

	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = models.Duration(defaultShutdownGrace)
	}

	if c.ResultsWindow <= 0 {
		c.ResultsWindow = defaultResultsWindow
	}

	if c.Retention == nil {
		p := DefaultRetention()
		c.Retention = &p
	}

	return nil
}

func checkInterval(d time.Duration) error {
	if d < minInterval {
		return fmt.Errorf("%w: %s < %s", errInvalidInterval, d, minInterval)
	}

	return nil
}
