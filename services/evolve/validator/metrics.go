// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validator

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

	validateDuration   metric.Float64Histogram
	validateTotal      metric.Int64Counter
	violationsRecorded metric.Int64Counter
)

// initMetrics sets up the package meters. Failures are ignored; metric
// recording is best-effort and must never affect validation.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("evolve.validator")

		var err error
		validateDuration, err = meter.Float64Histogram(
			"validator_duration_seconds",
			metric.WithDescription("Time spent validating a candidate"),
			metric.WithUnit("s"),
		)
		if err != nil {
			validateDuration = nil
		}
		validateTotal, err = meter.Int64Counter(
			"validator_candidates_total",
			metric.WithDescription("Candidates validated, by outcome"),
		)
		if err != nil {
			validateTotal = nil
		}
		violationsRecorded, err = meter.Int64Counter(
			"validator_violations_total",
			metric.WithDescription("Rule violations recorded, by rule"),
		)
		if err != nil {
			violationsRecorded = nil
		}
	})
}

// recordValidateMetrics records one validation pass.
func recordValidateMetrics(ctx context.Context, language string, duration time.Duration, verdict *Verdict) {
	outcome := "safe"
	if !verdict.IsSafe {
		outcome = "rejected"
	}
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("outcome", outcome),
	)
	if validateDuration != nil {
		validateDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if validateTotal != nil {
		validateTotal.Add(ctx, 1, attrs)
	}
	if violationsRecorded != nil {
		for _, violation := range verdict.Violations {
			violationsRecorded.Add(ctx, 1, metric.WithAttributes(
				attribute.String("rule_id", violation.RuleID),
			))
		}
	}
}
