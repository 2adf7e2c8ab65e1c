// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package driver executes external analysis tools against a submission.
//
// Every tool runs with the submission directory as its working directory
// and sees the canonical blob as `../<blob name>`, so tool output lands in
// the submission dir and the shared blob is never written to. Each process
// is bounded by the analysis timeout; output is captured and coerced to
// valid UTF-8 before it reaches the result document.
package driver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/ihdr"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
)

// Analyzer is one analysis pass over a submission. Implementations must be
// safe to call concurrently for different runs.
type Analyzer interface {
	// Name keys the analyzer's fragment in the result document.
	Name() string

	// DeepOnly reports whether the analyzer runs only for deep submissions.
	DeepOnly() bool

	// Analyze produces the fragment for this run. A returned error becomes
	// an error fragment at the task boundary.
	Analyze(ctx context.Context, run *Run) (aggregate.Fragment, error)
}

// Run is the per-submission context shared by every analyzer task.
type Run struct {
	// Dir is the submission working directory.
	Dir string

	// ImageRel is the blob path relative to Dir, `../<blob name>`.
	ImageRel string

	// ImagePath is the absolute blob path, for analyzers that read the
	// bytes directly instead of spawning a tool.
	ImagePath string

	Image      registry.Image
	Submission registry.Submission

	// Lookup resolves IHDR CRCs for the PNG repair and dimension recovery
	// passes.
	Lookup ihdr.Lookup

	Tools   *config.ToolRegistry
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRun assembles the run context for a submission.
func NewRun(store *artifacts.Store, img registry.Image, sub registry.Submission,
	lookup ihdr.Lookup, tools *config.ToolRegistry, timeout time.Duration, logger *slog.Logger) *Run {
	return &Run{
		Dir:        store.SubmissionDir(img.Hash, sub.Hash),
		ImageRel:   filepath.Join("..", img.File),
		ImagePath:  store.BlobPath(img.Hash, img.File),
		Image:      img,
		Submission: sub,
		Lookup:     lookup,
		Tools:      tools,
		Timeout:    timeout,
		Logger:     logger,
	}
}

// ExecResult is the captured outcome of one tool invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Exec runs a tool inside the submission directory. The binary comes from
// the tool registry, so deployments can rename it. A non-zero exit is not
// an error here; analyzers classify success themselves. The returned error
// covers start failures (binary not installed) and context problems.
func (run *Run) Exec(ctx context.Context, tool string, args ...string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, run.Timeout)
	defer cancel()

	bin := run.Tools.Binary(tool)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = run.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Stdout: strings.ToValidUTF8(stdout.String(), "�"),
		Stderr: strings.ToValidUTF8(stderr.String(), "�"),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			res.TimedOut = true
		}
	default:
		return res, err
	}

	if run.Logger != nil {
		run.Logger.Debug("tool finished",
			slog.String("tool", tool),
			slog.Int("exit_code", res.ExitCode),
			slog.Duration("duration", time.Since(start)))
	}
	return res, nil
}

// Archive packs extractionDir into `<analyzer>.7z` next to it and returns
// the download URL, or "" when the dir held nothing.
func (run *Run) Archive(ctx context.Context, analyzer, extractionDir string) (string, error) {
	created, err := artifacts.ArchiveAndRemove(ctx, run.Tools.Binary("sevenzip"), extractionDir, analyzer)
	if err != nil {
		return "", err
	}
	if !created {
		return "", nil
	}
	return DownloadURL(run.Submission.Hash, analyzer), nil
}

// ExtractionDir returns the conventional scratch dir for an analyzer's
// extracted files.
func (run *Run) ExtractionDir(analyzer string) string {
	return filepath.Join(run.Dir, analyzer)
}

// DownloadURL is the route serving an analyzer's archive.
func DownloadURL(subHash, analyzer string) string {
	return "/download/" + subHash + "/" + analyzer
}

// ImageURL is the route serving a derived image from the submission dir.
func ImageURL(subHash, name string) string {
	return "/image/" + subHash + "/" + name
}

// Lines splits tool output into its non-empty lines.
func Lines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimRight(line, "\r"))
		}
	}
	return out
}
