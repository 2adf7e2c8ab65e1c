// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package driver

import (
	"context"
	"fmt"
	"os"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
)

// Tool adapts one external forensic tool to the Analyzer interface. It is a
// record of functions rather than a hierarchy; unset hooks fall back to the
// shared defaults (stderr non-empty means error, output is stdout split
// into lines).
type Tool struct {
	// ToolName keys the fragment and resolves the binary in the registry.
	ToolName string

	// Deep restricts the tool to deep-analysis submissions.
	Deep bool

	// HasArchive marks tools that emit a directory of extracted files which
	// the driver packs into a download archive.
	HasArchive bool

	// MakeFolder precreates the extraction dir; off for tools that create
	// their own (binwalk).
	MakeFolder bool

	// Attempts allows a retry with a different command variant when the
	// first run classifies as an error (openstego's AES128 then AES256).
	// Zero means one attempt.
	Attempts int

	// ExtractionDir overrides the default `<result_dir>/<name>` scratch
	// dir, for tools with their own naming convention.
	ExtractionDir func(run *Run) string

	// BuildCommand produces the command for one attempt. Receives the run
	// so probing tools can execute a preliminary command.
	BuildCommand func(ctx context.Context, run *Run, attempt int) (string, []string)

	// ClassifyError decides whether the attempt failed. archived reports
	// whether an archive was produced.
	ClassifyError func(res ExecResult, archived bool) bool

	// ProcessError renders the error fragment's message.
	ProcessError func(res ExecResult) string

	// ProcessOutput renders the ok fragment's output value.
	ProcessOutput func(res ExecResult) any

	// ProcessNote optionally attaches a note to an ok fragment.
	ProcessNote func(res ExecResult) string
}

// Name implements Analyzer.
func (t *Tool) Name() string { return t.ToolName }

// DeepOnly implements Analyzer.
func (t *Tool) DeepOnly() bool { return t.Deep }

// Analyze implements Analyzer: build command, execute, archive extracted
// files, classify, render the fragment.
func (t *Tool) Analyze(ctx context.Context, run *Run) (aggregate.Fragment, error) {
	attempts := t.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var frag aggregate.Fragment
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		frag, err = t.runOnce(ctx, run, attempt)
		if err != nil {
			return aggregate.Fragment{}, err
		}
		if !frag.IsError() {
			break
		}
	}
	return frag, nil
}

func (t *Tool) runOnce(ctx context.Context, run *Run, attempt int) (aggregate.Fragment, error) {
	extractionDir := ""
	if t.HasArchive {
		extractionDir = run.ExtractionDir(t.ToolName)
		if t.ExtractionDir != nil {
			extractionDir = t.ExtractionDir(run)
		}
		if t.MakeFolder {
			if err := os.MkdirAll(extractionDir, 0o755); err != nil {
				return aggregate.Fragment{}, fmt.Errorf("create extraction dir: %w", err)
			}
		}
	}

	tool, args := t.BuildCommand(ctx, run, attempt)
	res, err := run.Exec(ctx, tool, args...)
	if err != nil {
		return aggregate.Fragment{}, err
	}
	if res.TimedOut {
		return aggregate.Err(fmt.Sprintf("%s timed out after %s", t.ToolName, run.Timeout)), nil
	}

	download := ""
	if extractionDir != "" {
		if info, statErr := os.Stat(extractionDir); statErr == nil && info.IsDir() {
			download, err = run.Archive(ctx, t.ToolName, extractionDir)
			if err != nil {
				return aggregate.Fragment{}, err
			}
		}
	}
	archived := download != ""

	if t.classify(res, archived) {
		return aggregate.Err(t.errorMessage(res)), nil
	}

	frag := aggregate.OK(t.output(res))
	if t.ProcessNote != nil {
		if note := t.ProcessNote(res); note != "" {
			frag = frag.WithNote(note)
		}
	}
	if archived {
		frag = frag.WithDownload(download)
	}
	return frag, nil
}

func (t *Tool) classify(res ExecResult, archived bool) bool {
	if t.ClassifyError != nil {
		return t.ClassifyError(res, archived)
	}
	return len(res.Stderr) > 0
}

func (t *Tool) errorMessage(res ExecResult) string {
	if t.ProcessError != nil {
		return t.ProcessError(res)
	}
	return res.Stderr
}

func (t *Tool) output(res ExecResult) any {
	if t.ProcessOutput != nil {
		return t.ProcessOutput(res)
	}
	out := Lines(res.Stdout)
	if out == nil {
		out = []string{}
	}
	return out
}
