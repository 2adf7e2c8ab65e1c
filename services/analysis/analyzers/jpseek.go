// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/creack/pty"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/driver"
)

// jpseekBanner holds the noise jpseek prints on every run; stripped from
// fragments so only the verdict remains.
var jpseekBanner = []string{
	"jpseek, version 0.3 (c) 1998 Allan Latham <alatham@flexsys-group.com>",
	"This is licenced software but no charge is made for its use.",
	"NO WARRANTY whatsoever is offered with this product.",
	"NO LIABILITY whatsoever is accepted for its use.",
	"You are using this entirely at your OWN RISK.",
	"See the GNU Public Licence for full details.",
	"Passphrase:",
}

// JPSeek drives the jpseek binary through a pseudo-terminal: the tool reads
// its passphrase only from a TTY, so a plain pipe never gets past the
// prompt.
type JPSeek struct{}

func jpseekAnalyzer() driver.Analyzer { return &JPSeek{} }

// Name implements driver.Analyzer.
func (j *JPSeek) Name() string { return "jpseek" }

// DeepOnly implements driver.Analyzer.
func (j *JPSeek) DeepOnly() bool { return false }

// Analyze implements driver.Analyzer.
func (j *JPSeek) Analyze(ctx context.Context, run *driver.Run) (aggregate.Fragment, error) {
	ctx, cancel := context.WithTimeout(ctx, run.Timeout)
	defer cancel()

	extractionDir := run.ExtractionDir("jpseek")
	if err := os.MkdirAll(extractionDir, 0o755); err != nil {
		return aggregate.Fragment{}, fmt.Errorf("create extraction dir: %w", err)
	}

	out := filepath.Join("jpseek", "jpseek.out")
	cmd := exec.CommandContext(ctx, run.Tools.Binary("jpseek"), run.ImageRel, out)
	cmd.Dir = run.Dir

	tty, err := pty.Start(cmd)
	if err != nil {
		return aggregate.Fragment{}, fmt.Errorf("start jpseek pty: %w", err)
	}
	defer tty.Close()

	combined := pumpTTY(tty, run.Submission.Password)

	exitCode := 0
	if waitErr := cmd.Wait(); waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return aggregate.Fragment{}, waitErr
		}
		exitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return aggregate.Err(fmt.Sprintf("jpseek timed out after %s", run.Timeout)), nil
	}

	download, err := run.Archive(ctx, "jpseek", extractionDir)
	if err != nil {
		return aggregate.Fragment{}, err
	}

	output := stripJpseekBanner(combined)
	if exitCode != 0 && !strings.Contains(combined, "File not completely recovered") {
		return aggregate.Err(output), nil
	}
	if output == "" {
		output = "File completely recovered."
	}
	frag := aggregate.OK(output)
	if download != "" {
		frag = frag.WithDownload(download)
	}
	return frag, nil
}

// pumpTTY drains the child's terminal, answering the passphrase prompt the
// first time it appears, and returns everything the tool printed.
func pumpTTY(tty *os.File, password string) string {
	var buf bytes.Buffer
	answered := false
	chunk := make([]byte, 4096)
	for {
		n, readErr := tty.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if !answered && bytes.Contains(buf.Bytes(), []byte("Passphrase:")) {
				answered = true
				// Terminal newline, as a user would type.
				fmt.Fprintf(tty, "%s\r", password)
			}
		}
		if readErr != nil {
			// Linux ptys report EIO at child exit; treat any error as EOF.
			break
		}
	}
	return strings.ToValidUTF8(buf.String(), "�")
}

func stripJpseekBanner(s string) string {
	for _, line := range jpseekBanner {
		s = strings.ReplaceAll(s, line, "")
	}
	return strings.TrimSpace(s)
}
