// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modifier

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once

	applyDuration    metric.Float64Histogram
	applyTotal       metric.Int64Counter
	rollbackDuration metric.Float64Histogram
	rollbackTotal    metric.Int64Counter
)

// initMetrics sets up the package meters. Failures are ignored; metric
// recording is best-effort and must never affect file mutation.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("evolve.modifier")

		var err error
		applyDuration, err = meter.Float64Histogram(
			"modifier_apply_duration_seconds",
			metric.WithDescription("Time spent applying a modification"),
			metric.WithUnit("s"),
		)
		if err != nil {
			applyDuration = nil
		}
		applyTotal, err = meter.Int64Counter(
			"modifier_applies_total",
			metric.WithDescription("Apply attempts, by outcome"),
		)
		if err != nil {
			applyTotal = nil
		}
		rollbackDuration, err = meter.Float64Histogram(
			"modifier_rollback_duration_seconds",
			metric.WithDescription("Time spent rolling back a modification"),
			metric.WithUnit("s"),
		)
		if err != nil {
			rollbackDuration = nil
		}
		rollbackTotal, err = meter.Int64Counter(
			"modifier_rollbacks_total",
			metric.WithDescription("Rollback attempts, by outcome"),
		)
		if err != nil {
			rollbackTotal = nil
		}
	})
}

func recordApplyMetrics(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if applyDuration != nil {
		applyDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if applyTotal != nil {
		applyTotal.Add(ctx, 1, attrs)
	}
}

func recordRollbackMetrics(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if rollbackDuration != nil {
		rollbackDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if rollbackTotal != nil {
		rollbackTotal.Add(ctx, 1, attrs)
	}
}
