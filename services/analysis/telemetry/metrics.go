// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined instruments for the platform. All use
// the "aperisolve_" prefix.
//
// Thread Safety: safe for concurrent use after creation.
type Metrics struct {
	// SubmissionsTotal counts accepted uploads by outcome (new, dedup).
	SubmissionsTotal metric.Int64Counter

	// AnalyzerRunsTotal counts analyzer executions by analyzer and status.
	AnalyzerRunsTotal metric.Int64Counter

	// AnalyzerDuration records per-analyzer wall time in seconds.
	AnalyzerDuration metric.Float64Histogram

	// JobsProcessedTotal counts queue jobs consumed by final status.
	JobsProcessedTotal metric.Int64Counter

	// ImagesRemovedTotal counts sweeper and user-initiated removals by cause.
	ImagesRemovedTotal metric.Int64Counter

	// QueueDepth reports the pending job count at scrape time.
	QueueDepth metric.Int64ObservableGauge
}

// NewMetrics registers all instruments with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SubmissionsTotal, err = meter.Int64Counter(
		"aperisolve_submissions_total",
		metric.WithDescription("Total accepted upload submissions"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create submissions_total: %w", err)
	}

	m.AnalyzerRunsTotal, err = meter.Int64Counter(
		"aperisolve_analyzer_runs_total",
		metric.WithDescription("Total analyzer executions"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create analyzer_runs_total: %w", err)
	}

	m.AnalyzerDuration, err = meter.Float64Histogram(
		"aperisolve_analyzer_duration_seconds",
		metric.WithDescription("Analyzer wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("create analyzer_duration: %w", err)
	}

	m.JobsProcessedTotal, err = meter.Int64Counter(
		"aperisolve_jobs_processed_total",
		metric.WithDescription("Total queue jobs processed"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create jobs_processed_total: %w", err)
	}

	m.ImagesRemovedTotal, err = meter.Int64Counter(
		"aperisolve_images_removed_total",
		metric.WithDescription("Total images removed by sweeper or user request"),
		metric.WithUnit("{image}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create images_removed_total: %w", err)
	}

	return m, nil
}

// RegisterQueueDepth sets up an observable gauge backed by depthFunc,
// invoked at each scrape.
func (m *Metrics) RegisterQueueDepth(meter metric.Meter, depthFunc func() int64) (metric.Registration, error) {
	var err error
	m.QueueDepth, err = meter.Int64ObservableGauge(
		"aperisolve_queue_depth",
		metric.WithDescription("Pending analysis jobs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_depth: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.QueueDepth, depthFunc())
		return nil
	}, m.QueueDepth)
}
