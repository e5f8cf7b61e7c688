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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/routervault/pkg/models"
)

const (
	meterName            = "routervault.scheduler"
	metricCyclesTotal    = "routervault_cycles_total"
	metricCycleDuration  = "routervault_cycle_duration_ms"
	metricArtifactsTotal = "routervault_artifacts_created_total"
)

// Metrics records cycle outcomes. A nil *Metrics records nothing.
type Metrics struct {
	cycles    metric.Int64Counter
	artifacts metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetrics registers the scheduler instruments on provider, or on the
// global provider when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	cycles, err := meter.Int64Counter(
		metricCyclesTotal,
		metric.WithDescription("Device backup cycles by status"),
	)
	if err != nil {
		return nil, err
	}

	artifacts, err := meter.Int64Counter(
		metricArtifactsTotal,
		metric.WithDescription("Backup artifacts written"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		metricCycleDuration,
		metric.WithDescription("Duration of one device backup cycle"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{cycles: cycles, artifacts: artifacts, duration: duration}, nil
}

func (m *Metrics) record(ctx context.Context, r *models.CheckResult) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("status", string(r.Status)),
		attribute.String("trigger", string(r.Trigger)),
	)

	m.cycles.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(r.Duration)/float64(time.Millisecond), attrs)

	if r.Artifact != nil && r.Status != models.StatusError {
		m.artifacts.Add(ctx, 1)
	}
}
