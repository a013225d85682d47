// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for analyzer operations.
var meter = otel.Meter("evolve.analyzer")

// Metrics for analyzer operations.
var (
	analyzeLatency     metric.Float64Histogram
	analyzeTotal       metric.Int64Counter
	unitsExtracted     metric.Int64Histogram
	opportunitiesFound metric.Int64Histogram
	analyzeErrors      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analyzeLatency, err = meter.Float64Histogram(
			"analyzer_duration_seconds",
			metric.WithDescription("Duration of analyzer passes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeTotal, err = meter.Int64Counter(
			"analyzer_passes_total",
			metric.WithDescription("Total number of analyzer passes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		unitsExtracted, err = meter.Int64Histogram(
			"analyzer_units_extracted",
			metric.WithDescription("Number of units extracted per pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opportunitiesFound, err = meter.Int64Histogram(
			"analyzer_opportunities_found",
			metric.WithDescription("Number of opportunities emitted per pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeErrors, err = meter.Int64Counter(
			"analyzer_errors_total",
			metric.WithDescription("Total number of failed analyzer passes"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAnalyzeMetrics records metrics for one analyzer pass.
func recordAnalyzeMetrics(ctx context.Context, language string, duration time.Duration, analysis *Analysis, success bool) {
	if err := initMetrics(); err != nil {
		return // Silently skip if metrics init failed
	}

	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", success),
	)

	analyzeLatency.Record(ctx, duration.Seconds(), attrs)
	analyzeTotal.Add(ctx, 1, attrs)

	if success && analysis != nil {
		langAttr := metric.WithAttributes(attribute.String("language", language))
		unitsExtracted.Record(ctx, int64(len(analysis.Units)), langAttr)
		opportunitiesFound.Record(ctx, int64(len(analysis.Opportunities)), langAttr)
	} else {
		analyzeErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("language", language)),
		)
	}
}
