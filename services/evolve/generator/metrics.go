// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

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

	generateDuration metric.Float64Histogram
	generateTotal    metric.Int64Counter
)

// initMetrics sets up the package meters. Failures are ignored; metric
// recording is best-effort and must never affect generation.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("evolve.generator")

		var err error
		generateDuration, err = meter.Float64Histogram(
			"generator_duration_seconds",
			metric.WithDescription("Time spent generating a candidate"),
			metric.WithUnit("s"),
		)
		if err != nil {
			generateDuration = nil
		}
		generateTotal, err = meter.Int64Counter(
			"generator_completions_total",
			metric.WithDescription("Generation attempts, by model and outcome"),
		)
		if err != nil {
			generateTotal = nil
		}
	})
}

func recordGenerateMetrics(ctx context.Context, model, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	if generateDuration != nil {
		generateDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if generateTotal != nil {
		generateTotal.Add(ctx, 1, attrs)
	}
}
