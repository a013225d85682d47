// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publisher

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

	publishDuration metric.Float64Histogram
	publishTotal    metric.Int64Counter
)

// initMetrics sets up the package meters. Failures are ignored; metric
// recording is best-effort and must never affect publishing.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("evolve.publisher")

		var err error
		publishDuration, err = meter.Float64Histogram(
			"publisher_duration_seconds",
			metric.WithDescription("Time spent publishing a cycle"),
			metric.WithUnit("s"),
		)
		if err != nil {
			publishDuration = nil
		}
		publishTotal, err = meter.Int64Counter(
			"publisher_publishes_total",
			metric.WithDescription("Publish attempts, by outcome"),
		)
		if err != nil {
			publishTotal = nil
		}
	})
}

func recordPublishMetrics(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if publishDuration != nil {
		publishDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if publishTotal != nil {
		publishTotal.Add(ctx, 1, attrs)
	}
}
