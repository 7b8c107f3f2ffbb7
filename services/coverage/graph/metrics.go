// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("coverage.graph")

var (
	algorithmLatency metric.Float64Histogram
	algorithmTotal   metric.Int64Counter
	algorithmNodes   metric.Int64Histogram
	cacheLookups     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		algorithmLatency, err = meter.Float64Histogram(
			"coverage_graph_algorithm_duration_seconds",
			metric.WithDescription("Duration of dominance analyses"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		algorithmTotal, err = meter.Int64Counter(
			"coverage_graph_algorithm_total",
			metric.WithDescription("Total number of dominance analyses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		algorithmNodes, err = meter.Int64Histogram(
			"coverage_graph_algorithm_nodes",
			metric.WithDescription("Node count of analysed graphs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLookups, err = meter.Int64Counter(
			"coverage_graph_cdg_cache_lookups_total",
			metric.WithDescription("Control dependence cache lookups by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAlgorithmMetrics records one run of an analysis.
func recordAlgorithmMetrics(ctx context.Context, algorithm string, duration time.Duration, nodeCount int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("algorithm", algorithm),
		attribute.Bool("success", success),
	)
	algorithmLatency.Record(ctx, duration.Seconds(), attrs)
	algorithmTotal.Add(ctx, 1, attrs)
	if success {
		algorithmNodes.Record(ctx, int64(nodeCount), metric.WithAttributes(attribute.String("algorithm", algorithm)))
	}
}

// recordCacheLookup records a cache hit, miss or shared build.
func recordCacheLookup(ctx context.Context, result string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
