// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cycle

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once

	cycleDuration metric.Float64Histogram
	cyclesTotal   metric.Int64Counter
	attemptsTotal metric.Int64Counter
	appliedTotal  metric.Int64Counter
)

// initMetrics sets up the package meters. Failures are ignored; metric
// recording is best-effort and must never affect the cycle.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("evolve.cycle")

		var err error
		cycleDuration, err = meter.Float64Histogram(
			"cycle_duration_seconds",
			metric.WithDescription("Wall time of a full improvement cycle"),
			metric.WithUnit("s"),
		)
		if err != nil {
			cycleDuration = nil
		}
		cyclesTotal, err = meter.Int64Counter(
			"cycles_total",
			metric.WithDescription("Cycles run, by terminal state"),
		)
		if err != nil {
			cyclesTotal = nil
		}
		attemptsTotal, err = meter.Int64Counter(
			"cycle_attempts_total",
			metric.WithDescription("Generation attempts, by outcome"),
		)
		if err != nil {
			attemptsTotal = nil
		}
		appliedTotal, err = meter.Int64Counter(
			"cycle_modifications_applied_total",
			metric.WithDescription("Modifications that survived their cycle"),
		)
		if err != nil {
			appliedTotal = nil
		}
	})
}

func recordCycleMetrics(ctx context.Context, report *Report) {
	attrs := metric.WithAttributes(attribute.String("state", string(report.State)))
	if cycleDuration != nil {
		cycleDuration.Record(ctx, report.FinishedAt.Sub(report.StartedAt).Seconds(), attrs)
	}
	if cyclesTotal != nil {
		cyclesTotal.Add(ctx, 1, attrs)
	}
	if appliedTotal != nil && report.State == StateDone {
		appliedTotal.Add(ctx, int64(len(report.Applied)))
	}
}

func recordAttemptMetrics(ctx context.Context, outcome AttemptOutcome) {
	if attemptsTotal != nil {
		attemptsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome)),
		))
	}
}
