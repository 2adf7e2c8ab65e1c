// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sweep reclaims expired state: stuck submissions, submissions
// whose results never materialized, and images past their retention age.
//
// The sweeper runs before every ingest and on a periodic ticker, so the
// platform converges on its retention policy even when uploads stop. Each
// policy is best effort; a failure on one record is logged and the sweep
// moves on.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/queue"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
	"github.com/Zeecka/AperiSolve/services/analysis/telemetry"
)

// Sweeper applies the retention policies against the registry and the
// results tree.
type Sweeper struct {
	reg        *registry.Registry
	store      *artifacts.Store
	maxPending time.Duration
	maxStore   time.Duration
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// New builds a Sweeper. maxPending bounds pending/running submissions and
// orphan images; maxStore is the image retention age.
func New(reg *registry.Registry, store *artifacts.Store, maxPending, maxStore time.Duration,
	logger *slog.Logger, metrics *telemetry.Metrics) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		reg:        reg,
		store:      store,
		maxPending: maxPending,
		maxStore:   maxStore,
		logger:     logger,
		metrics:    metrics,
	}
}

// Sweep applies every policy once against the current clock.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	if err := s.sweepSubmissions(ctx, now); err != nil {
		return err
	}
	return s.sweepImages(ctx, now)
}

// sweepSubmissions reclaims submissions that are stuck or whose result
// document never materialized.
func (s *Sweeper) sweepSubmissions(ctx context.Context, now time.Time) error {
	subs, err := s.reg.ListSubmissions(ctx)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}

	for _, sub := range subs {
		age := now.Sub(sub.Date)
		switch {
		case (sub.Status == registry.StatusPending || sub.Status == registry.StatusRunning) &&
			age > s.maxPending:
			s.dropSubmission(ctx, sub, "stuck")

		case sub.Status == registry.StatusCompleted &&
			!aggregate.Exists(s.store.SubmissionDir(sub.ImageHash, sub.Hash)):
			s.dropSubmission(ctx, sub, "no_results")
		}
	}
	return nil
}

// sweepImages reclaims images past the retention age and images left with
// no submissions.
func (s *Sweeper) sweepImages(ctx context.Context, now time.Time) error {
	images, err := s.reg.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}

	for _, img := range images {
		switch {
		case now.Sub(img.LastSubmissionDate) > s.maxStore:
			s.dropImage(ctx, img, "retention")

		case len(img.Submissions) == 0 && now.Sub(img.LastSubmissionDate) > s.maxPending:
			s.dropImage(ctx, img, "orphan")
		}
	}
	return nil
}

func (s *Sweeper) dropSubmission(ctx context.Context, sub registry.Submission, cause string) {
	if _, _, err := s.reg.DeleteSubmission(ctx, sub.Hash); err != nil {
		s.logger.Error("sweep: delete submission failed",
			slog.String("submission", sub.Hash),
			slog.String("cause", cause),
			slog.Any("error", err))
		return
	}
	if err := s.store.RemoveSubmission(sub.ImageHash, sub.Hash); err != nil {
		s.logger.Error("sweep: remove submission dir failed",
			slog.String("submission", sub.Hash),
			slog.Any("error", err))
	}
	s.logger.Info("sweep: submission reclaimed",
		slog.String("submission", sub.Hash),
		slog.String("cause", cause))
}

func (s *Sweeper) dropImage(ctx context.Context, img registry.Image, cause string) {
	if err := s.reg.DeleteImage(ctx, img.Hash); err != nil {
		s.logger.Error("sweep: delete image failed",
			slog.String("image", img.Hash),
			slog.String("cause", cause),
			slog.Any("error", err))
		return
	}
	if err := s.store.RemoveImage(img.Hash); err != nil {
		s.logger.Error("sweep: remove image dir failed",
			slog.String("image", img.Hash),
			slog.Any("error", err))
	}
	if s.metrics != nil {
		s.metrics.ImagesRemovedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("cause", cause)))
	}
	s.logger.Info("sweep: image reclaimed",
		slog.String("image", img.Hash),
		slog.String("cause", cause))
}

// Run sweeps on a ticker until the context ends. The interval is half the
// pending timeout so a stuck submission is reclaimed at most one and a half
// timeouts after it stalled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.maxPending / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("periodic sweep failed", slog.Any("error", err))
			}
		}
	}
}

// ClearAll wipes the registry, the results tree and the job queue. Invoked
// at startup when CLEAR_AT_RESTART is set.
func ClearAll(ctx context.Context, reg *registry.Registry, store *artifacts.Store, jobs *queue.Queue) error {
	if err := reg.Wipe(ctx); err != nil {
		return fmt.Errorf("wipe registry: %w", err)
	}
	if err := store.Clear(); err != nil {
		return fmt.Errorf("clear results tree: %w", err)
	}
	if jobs != nil {
		if err := jobs.Clear(ctx); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
	}
	return nil
}
