// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("coverage.manager")

var (
	evaluationLatency metric.Float64Histogram
	evaluationTotal   metric.Int64Counter
	goalsCovered      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		evaluationLatency, err = meter.Float64Histogram(
			"coverage_manager_evaluation_duration_seconds",
			metric.WithDescription("Duration of candidate evaluations including execution"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluationTotal, err = meter.Int64Counter(
			"coverage_manager_evaluations_total",
			metric.WithDescription("Candidate evaluations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		goalsCovered, err = meter.Int64Counter(
			"coverage_manager_goals_covered_total",
			metric.WithDescription("Goals newly covered"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordEvaluation(ctx context.Context, d time.Duration, failed bool, newlyCovered int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("failed", failed))
	evaluationLatency.Record(ctx, d.Seconds(), attrs)
	evaluationTotal.Add(ctx, 1, attrs)
	if newlyCovered > 0 {
		goalsCovered.Add(ctx, int64(newlyCovered))
	}
}
