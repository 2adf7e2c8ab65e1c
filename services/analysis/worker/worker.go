// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package worker fans a queued submission out across the analyzer set.
//
// One submission becomes one goroutine per analyzer. Analyzer tasks are
// isolated: a panic or error in one becomes its error fragment and never
// touches its siblings. The submission completes once every task has merged
// its fragment, even when all of them failed; only worker-level trouble
// (registry unreachable, result directory uncreatable) marks the submission
// itself as errored.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/analyzers"
	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/driver"
	"github.com/Zeecka/AperiSolve/services/analysis/ihdr"
	"github.com/Zeecka/AperiSolve/services/analysis/queue"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
	"github.com/Zeecka/AperiSolve/services/analysis/telemetry"
)

// DefaultJobTimeout bounds one submission end to end, all analyzers
// included.
const DefaultJobTimeout = 300 * time.Second

// DefaultAnalyzerTimeout bounds each tool subprocess when no limit is
// configured. It matches the MAX_PENDING_TIME config default.
const DefaultAnalyzerTimeout = 600 * time.Second

// retryDelay paces the consumer loop after a broker error.
const retryDelay = time.Second

// Options configures a Worker. Registry, Store and Tools are required;
// everything else has a usable zero value.
type Options struct {
	Registry *registry.Registry
	Store    *artifacts.Store
	Queue    *queue.Queue

	// Lookup resolves IHDR CRCs; nil degrades the PNG passes to brute
	// force.
	Lookup ihdr.Lookup

	Tools *config.ToolRegistry

	// Analyzers overrides the default set, for tests.
	Analyzers []driver.Analyzer

	// AnalyzerTimeout bounds each tool subprocess. Zero means
	// DefaultAnalyzerTimeout.
	AnalyzerTimeout time.Duration

	// JobTimeout bounds one whole submission. Zero means
	// DefaultJobTimeout.
	JobTimeout time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Influx  *telemetry.InfluxSink
}

// Worker processes analysis jobs for submissions.
type Worker struct {
	reg        *registry.Registry
	store      *artifacts.Store
	jobs       *queue.Queue
	agg        *aggregate.Aggregator
	lookup     ihdr.Lookup
	tools      *config.ToolRegistry
	analyzers  []driver.Analyzer
	timeout    time.Duration
	jobTimeout time.Duration
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	influx     *telemetry.InfluxSink
}

// New assembles a Worker from the given options.
func New(opts Options) *Worker {
	w := &Worker{
		reg:        opts.Registry,
		store:      opts.Store,
		jobs:       opts.Queue,
		agg:        aggregate.New(),
		lookup:     opts.Lookup,
		tools:      opts.Tools,
		analyzers:  opts.Analyzers,
		timeout:    opts.AnalyzerTimeout,
		jobTimeout: opts.JobTimeout,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		influx:     opts.Influx,
	}
	if w.analyzers == nil {
		w.analyzers = analyzers.All()
	}
	if w.timeout <= 0 {
		w.timeout = DefaultAnalyzerTimeout
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = DefaultJobTimeout
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Process runs the full analyzer set for one submission and commits its
// final status. A stale hash whose records are gone is logged and skipped.
func (w *Worker) Process(ctx context.Context, submissionHash string) error {
	ctx, span := otel.Tracer("aperisolve/worker").Start(ctx, "process_submission",
		trace.WithAttributes(attribute.String("submission", submissionHash)))
	defer span.End()

	sub, err := w.reg.GetSubmission(ctx, submissionHash)
	if errors.Is(err, registry.ErrNotFound) {
		w.logger.Warn("submission vanished before processing",
			slog.String("submission", submissionHash))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load submission %s: %w", submissionHash, err)
	}

	img, err := w.reg.GetImage(ctx, sub.ImageHash)
	if errors.Is(err, registry.ErrNotFound) {
		w.logger.Warn("image vanished before processing",
			slog.String("submission", submissionHash),
			slog.String("image", sub.ImageHash))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load image %s: %w", sub.ImageHash, err)
	}

	if err := w.reg.SetSubmissionStatus(ctx, sub.Hash, registry.StatusRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	if _, err := w.store.EnsureSubmissionDir(img.Hash, sub.Hash); err != nil {
		w.fail(ctx, sub.Hash)
		return fmt.Errorf("create result dir: %w", err)
	}

	run := driver.NewRun(w.store, img, sub, w.lookup, w.tools, w.timeout, w.logger)

	var wg sync.WaitGroup
	for _, a := range w.analyzers {
		if a.DeepOnly() && !sub.DeepAnalysis {
			continue
		}
		if w.tools != nil && !w.tools.Enabled(a.Name()) {
			continue
		}
		wg.Add(1)
		go func(a driver.Analyzer) {
			defer wg.Done()
			w.runTask(ctx, run, a)
		}(a)
	}
	wg.Wait()

	if err := w.reg.SetSubmissionStatus(ctx, sub.Hash, registry.StatusCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	w.logger.Info("submission processed",
		slog.String("submission", sub.Hash),
		slog.String("image", img.Hash))
	return nil
}

// runTask executes one analyzer and merges its fragment. Errors and panics
// stop here.
func (w *Worker) runTask(ctx context.Context, run *driver.Run, a driver.Analyzer) {
	start := time.Now()
	frag := w.analyze(ctx, run, a)
	duration := time.Since(start)

	status := "ok"
	if frag.IsError() {
		status = "error"
	}

	if err := w.agg.Merge(run.Dir, a.Name(), frag); err != nil {
		w.logger.Error("fragment merge failed",
			slog.String("analyzer", a.Name()),
			slog.String("submission", run.Submission.Hash),
			slog.Any("error", err))
	}
	w.recordAnalyzer(ctx, a.Name(), status, duration)
}

// analyze is the isolation boundary: any error or panic becomes an error
// fragment.
func (w *Worker) analyze(ctx context.Context, run *driver.Run, a driver.Analyzer) (frag aggregate.Fragment) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("analyzer panicked",
				slog.String("analyzer", a.Name()),
				slog.String("submission", run.Submission.Hash),
				slog.Any("panic", r))
			frag = aggregate.Err(fmt.Sprintf("Analysis failed: %v", r))
		}
	}()

	frag, err := a.Analyze(ctx, run)
	if err != nil {
		w.logger.Warn("analyzer failed",
			slog.String("analyzer", a.Name()),
			slog.String("submission", run.Submission.Hash),
			slog.Any("error", err))
		return aggregate.Err(fmt.Sprintf("Analysis failed: %v", err))
	}
	return frag
}

func (w *Worker) fail(ctx context.Context, submissionHash string) {
	if err := w.reg.SetSubmissionStatus(ctx, submissionHash, registry.StatusError); err != nil {
		w.logger.Error("mark errored failed",
			slog.String("submission", submissionHash),
			slog.Any("error", err))
	}
}

func (w *Worker) recordAnalyzer(ctx context.Context, name, status string, duration time.Duration) {
	if w.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("analyzer", name),
			attribute.String("status", status))
		w.metrics.AnalyzerRunsTotal.Add(ctx, 1, attrs)
		w.metrics.AnalyzerDuration.Record(ctx, duration.Seconds(), attrs)
	}
	w.influx.RecordAnalyzerRun(name, status, duration)
}

// Run consumes the job queue until the context is cancelled. Each job gets
// its own bounded context so a stuck submission cannot stall the consumer
// forever.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", slog.Int("analyzers", len(w.analyzers)))
	for {
		job, err := w.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
		err = w.Process(jobCtx, job.SubmissionHash)
		cancel()

		status := "ok"
		if err != nil {
			status = "error"
			w.logger.Error("job failed",
				slog.String("submission", job.SubmissionHash),
				slog.String("job_id", job.JobID),
				slog.Any("error", err))
		}
		if w.metrics != nil {
			w.metrics.JobsProcessedTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("status", status)))
		}
	}
}
