// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("coverage.archive")

var (
	offersTotal   metric.Int64Counter
	coveredTotal  metric.Int64Counter
	samplesTotal  metric.Int64Counter
	mergeDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		offersTotal, err = meter.Int64Counter(
			"coverage_archive_offers_total",
			metric.WithDescription("Candidates offered to the archive by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		coveredTotal, err = meter.Int64Counter(
			"coverage_archive_goals_covered_total",
			metric.WithDescription("Goals whose population collapsed to a covering candidate"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		samplesTotal, err = meter.Int64Counter(
			"coverage_archive_samples_total",
			metric.WithDescription("Candidates sampled from the archive"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		mergeDuration, err = meter.Float64Histogram(
			"coverage_archive_merge_duration_seconds",
			metric.WithDescription("Duration of merged solution assembly"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordOffer records one AddSolution outcome: accepted, rejected or
// suspended (during a merge).
func recordOffer(ctx context.Context, outcome string, collapsed bool) {
	if err := initMetrics(); err != nil {
		return
	}
	offersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if collapsed {
		coveredTotal.Add(ctx, 1)
	}
}

func recordSample(ctx context.Context, source string) {
	if err := initMetrics(); err != nil {
		return
	}
	samplesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func recordMerge(ctx context.Context, seconds float64, added int) {
	if err := initMetrics(); err != nil {
		return
	}
	mergeDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Int("tests_added", added)))
}
