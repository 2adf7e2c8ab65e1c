// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest accepts uploaded images and turns them into queued
// submissions.
//
// Identity is content addressed: the image hash is the MD5 of the bytes,
// and the submission hash is the MD5 of the bytes plus the analysis
// parameters (filename, password, deep flag). Re-uploading the same image
// with the same parameters is therefore idempotent: the existing submission
// is returned and no new job is enqueued. MD5 is an identity key here, not
// a security boundary.
package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/queue"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
	"github.com/Zeecka/AperiSolve/services/analysis/sweep"
	"github.com/Zeecka/AperiSolve/services/analysis/telemetry"
)

// Validation failures, mapped to 400/413 responses by the web layer.
var (
	ErrNoImage         = errors.New("no image provided")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("image size exceeded")
)

// Upload is one upload request after the web layer has read the form.
type Upload struct {
	Data     []byte
	Filename string
	Password string
	Deep     bool

	// ClientIP and UserAgent feed the upload log.
	ClientIP  string
	UserAgent string
}

// Service ingests uploads: validate, dedup, persist, enqueue.
type Service struct {
	reg      *registry.Registry
	store    *artifacts.Store
	jobs     *queue.Queue
	sweeper  *sweep.Sweeper
	maxBytes int64
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	influx   *telemetry.InfluxSink
}

// New builds the ingest service. sweeper, metrics and influx may be nil.
func New(reg *registry.Registry, store *artifacts.Store, jobs *queue.Queue,
	sweeper *sweep.Sweeper, maxBytes int64, logger *slog.Logger,
	metrics *telemetry.Metrics, influx *telemetry.InfluxSink) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reg:      reg,
		store:    store,
		jobs:     jobs,
		sweeper:  sweeper,
		maxBytes: maxBytes,
		logger:   logger,
		metrics:  metrics,
		influx:   influx,
	}
}

// Validate checks an upload without touching any state. The web layer calls
// it first so a bad request never reaches the sweeper or the registry.
func (s *Service) Validate(up Upload) error {
	if len(up.Data) == 0 || up.Filename == "" {
		return ErrNoImage
	}
	if !strings.Contains(up.Filename, ".") ||
		!config.ExtensionAllowed(strings.ToLower(filepath.Ext(up.Filename))) {
		return ErrUnsupportedType
	}
	if s.maxBytes > 0 && int64(len(up.Data)) > s.maxBytes {
		return ErrTooLarge
	}
	return nil
}

// ImageHash is the content address of the raw bytes.
func ImageHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SubmissionHash commits to the bytes and every analysis parameter, so the
// same image under a different password or deep flag is a distinct
// submission.
func SubmissionHash(data []byte, filename, password string, deep bool) string {
	h := md5.New()
	h.Write(data)
	h.Write([]byte(filename))
	if password != "" {
		h.Write([]byte(password))
	}
	if deep {
		h.Write([]byte("deep_analysis"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// blobName is `<image hash>.<ext>` with the original suffix lowercased.
func blobName(imageHash, filename string) string {
	parts := strings.Split(filename, ".")
	return imageHash + "." + strings.ToLower(parts[len(parts)-1])
}

// Ingest runs the full pipeline for one upload and returns its submission
// hash. The hash is stable: the same upload always yields the same one.
func (s *Service) Ingest(ctx context.Context, up Upload) (string, error) {
	if err := s.Validate(up); err != nil {
		return "", err
	}

	// Reclaim expired state before admitting new work.
	if s.sweeper != nil {
		if err := s.sweeper.Sweep(ctx); err != nil {
			s.logger.Error("pre-ingest sweep failed", slog.Any("error", err))
		}
	}

	imgHash := ImageHash(up.Data)
	subHash := SubmissionHash(up.Data, up.Filename, up.Password, up.Deep)

	// The upload log records every attempt, dedup hits included. Losing a
	// row is not worth failing the upload over.
	if _, err := s.reg.AppendUploadLog(ctx, registry.UploadLog{
		IPAddress:      up.ClientIP,
		UserAgent:      up.UserAgent,
		ImageHash:      imgHash,
		SubmissionHash: subHash,
		Filename:       up.Filename,
	}); err != nil {
		s.logger.Error("append upload log failed",
			slog.String("submission", subHash),
			slog.Any("error", err))
	}

	if s.store.SubmissionDirExists(imgHash, subHash) {
		if _, err := s.reg.GetSubmission(ctx, subHash); err == nil {
			s.recordSubmission(ctx, "dedup", int64(len(up.Data)))
			return subHash, nil
		}
	}

	file := blobName(imgHash, up.Filename)
	if err := s.store.WriteBlob(imgHash, file, up.Data); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	now := time.Now().UTC()
	img, err := s.reg.GetImage(ctx, imgHash)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		img = registry.Image{
			Hash:                imgHash,
			File:                file,
			Size:                int64(len(up.Data)),
			FirstSubmissionDate: now,
		}
	case err != nil:
		return "", fmt.Errorf("load image: %w", err)
	}
	img.UploadCount++
	img.LastSubmissionDate = now
	if err := s.reg.PutImage(ctx, img); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}

	if _, err := s.store.EnsureSubmissionDir(imgHash, subHash); err != nil {
		return "", fmt.Errorf("create submission dir: %w", err)
	}

	// Create the submission, or reset a surviving record to pending so the
	// worker reruns it.
	if _, err := s.reg.GetSubmission(ctx, subHash); errors.Is(err, registry.ErrNotFound) {
		if err := s.reg.CreateSubmission(ctx, registry.Submission{
			Hash:         subHash,
			Filename:     up.Filename,
			Password:     up.Password,
			DeepAnalysis: up.Deep,
			Status:       registry.StatusPending,
			Date:         now,
			ImageHash:    imgHash,
		}); err != nil {
			return "", fmt.Errorf("create submission: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("load submission: %w", err)
	} else if err := s.reg.SetSubmissionStatus(ctx, subHash, registry.StatusPending); err != nil {
		return "", fmt.Errorf("reset submission: %w", err)
	}

	if _, err := s.jobs.Enqueue(ctx, subHash); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	s.recordSubmission(ctx, "new", int64(len(up.Data)))
	s.logger.Info("submission ingested",
		slog.String("submission", subHash),
		slog.String("image", imgHash),
		slog.Bool("deep", up.Deep))
	return subHash, nil
}

func (s *Service) recordSubmission(ctx context.Context, outcome string, size int64) {
	if s.metrics != nil {
		s.metrics.SubmissionsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	s.influx.RecordSubmission(outcome, size)
}
