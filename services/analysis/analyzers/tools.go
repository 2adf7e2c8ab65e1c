// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analyzers holds the concrete analyzer set: one adapter per
// forensic tool plus the pure-Go image passes. Each analyzer contributes a
// single fragment to the submission's result document; their idiosyncratic
// error rules are preserved exactly as the tools behave in production.
package analyzers

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Zeecka/AperiSolve/services/analysis/driver"
)

const (
	pngcheckUnsupported = "this is neither a PNG or JNG image nor a MNG stream"
	pngcheckMessage     = "The file format of the file is not supported (PNG or JNG only)."
	steghideMessage     = "The file format of the file is not supported (JPEG or BMP only)."
	zstegMessage        = "The file format of the file is not supported (PNG only)."
	openstegoMessage    = "OpenStego needs a password to work."

	// foremost writes a progress banner to stderr even on success; anything
	// longer means a real complaint.
	foremostErrorThreshold = 60
)

var (
	embeddedFileRe  = regexp.MustCompile(`embedded file "([^"]+)"`)
	extractedDataRe = regexp.MustCompile(`wrote extracted data to "([^"]+)"`)
)

// All returns the full analyzer set. Deep-only members are filtered by the
// worker against the submission's deep_analysis flag.
func All() []driver.Analyzer {
	return []driver.Analyzer{
		fileTool(),
		identifyTool(),
		stringsTool(),
		exiftoolTool(),
		pngcheckTool(),
		binwalkTool(),
		foremostTool(),
		steghideTool(),
		openstegoTool(),
		outguessTool(),
		jpseekAnalyzer(),
		jstegTool(),
		zstegTool(),
		&Decomposer{},
		&ColorRemapper{},
		&PNGRepairer{},
		&DimensionRecoverer{},
	}
}

func fileTool() *driver.Tool {
	return &driver.Tool{
		ToolName: "file",
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "file", []string{"-b", run.ImageRel}
		},
		// The whole point of `file -b` is the one-line description; keep it
		// as a single string rather than a line list.
		ProcessOutput: func(res driver.ExecResult) any {
			return res.Stdout
		},
	}
}

func identifyTool() *driver.Tool {
	return &driver.Tool{
		ToolName: "identify",
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "identify", []string{"-verbose", run.ImageRel}
		},
	}
}

func stringsTool() *driver.Tool {
	return &driver.Tool{
		ToolName: "strings",
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "strings", []string{run.ImageRel}
		},
	}
}

func exiftoolTool() *driver.Tool {
	return &driver.Tool{
		ToolName: "exiftool",
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "exiftool", []string{"-a", "-u", "-g1", run.ImageRel}
		},
		ProcessOutput: func(res driver.ExecResult) any {
			metadata := make(map[string]string)
			for _, line := range strings.Split(res.Stdout, "\n") {
				key, value, found := strings.Cut(line, ":")
				if found {
					metadata[strings.TrimSpace(key)] = strings.TrimSpace(value)
				}
			}
			return metadata
		},
	}
}

func pngcheckTool() *driver.Tool {
	return &driver.Tool{
		ToolName: "pngcheck",
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "pngcheck", []string{"-v", run.ImageRel}
		},
		ClassifyError: func(res driver.ExecResult, _ bool) bool {
			return strings.Contains(res.Stdout, pngcheckUnsupported)
		},
		ProcessError: func(res driver.ExecResult) string {
			if strings.Contains(res.Stdout, pngcheckUnsupported) {
				return pngcheckMessage
			}
			return res.Stdout
		},
	}
}

func binwalkTool() *driver.Tool {
	return &driver.Tool{
		ToolName:   "binwalk",
		HasArchive: true,
		// binwalk creates `_<blob>.extracted` itself.
		ExtractionDir: func(run *driver.Run) string {
			return filepath.Join(run.Dir, "_"+run.Image.File+".extracted")
		},
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "binwalk", []string{"--matryoshka", "-e", run.ImageRel, "--run-as=root"}
		},
		ClassifyError: func(res driver.ExecResult, archived bool) bool {
			return len(res.Stderr) > 0 && !archived
		},
	}
}

func foremostTool() *driver.Tool {
	return &driver.Tool{
		ToolName:   "foremost",
		HasArchive: true,
		MakeFolder: true,
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "foremost", []string{"-o", "foremost", "-i", run.ImageRel}
		},
		ClassifyError: func(res driver.ExecResult, _ bool) bool {
			return len(res.Stderr) > foremostErrorThreshold
		},
		ProcessOutput: func(res driver.ExecResult) any {
			if strings.Contains(res.Stderr, "Processing") && strings.Contains(res.Stderr, "|*|") {
				return strings.ReplaceAll(strings.TrimSpace(res.Stderr), "\n", "")
			}
			return []string{}
		},
	}
}

func steghideTool() *driver.Tool {
	classify := func(res driver.ExecResult, _ bool) bool {
		combined := res.Stdout + res.Stderr
		// Bad format or wrong password leaves neither marker.
		return !embeddedFileRe.MatchString(combined) && !extractedDataRe.MatchString(combined)
	}
	return &driver.Tool{
		ToolName:   "steghide",
		HasArchive: true,
		MakeFolder: true,
		// Probe first: `steghide info` names the embedded file, which the
		// extract command needs as its output path. When the probe fails the
		// probe command itself is returned so its diagnostics become the
		// fragment.
		BuildCommand: func(ctx context.Context, run *driver.Run, _ int) (string, []string) {
			probe := []string{"info", run.ImageRel, "-p", run.Submission.Password}
			res, err := run.Exec(ctx, "steghide", probe...)
			if err != nil || classify(res, false) {
				return "steghide", probe
			}
			m := embeddedFileRe.FindStringSubmatch(res.Stdout)
			if m == nil {
				return "steghide", probe
			}
			outfile := filepath.Join("steghide", filepath.Base(m[1]))
			return "steghide", []string{
				"extract", "-sf", run.ImageRel, "-xf", outfile, "-p", run.Submission.Password,
			}
		},
		ClassifyError: classify,
		ProcessOutput: func(res driver.ExecResult) any {
			var out []string
			for _, line := range strings.Split(res.Stderr, "\n") {
				if strings.Contains(line, "wrote extracted data to") {
					out = append(out, line)
				}
			}
			if out == nil {
				out = []string{}
			}
			return out
		},
		ProcessError: func(res driver.ExecResult) string {
			if strings.Contains(res.Stderr, "the file format of the file") &&
				strings.Contains(res.Stderr, "not supported") {
				return steghideMessage
			}
			return res.Stderr
		},
	}
}

func openstegoTool() *driver.Tool {
	return &driver.Tool{
		ToolName:   "openstego",
		HasArchive: true,
		MakeFolder: true,
		// AES128 first; a failed attempt retries with AES256.
		Attempts: 2,
		BuildCommand: func(_ context.Context, run *driver.Run, attempt int) (string, []string) {
			algo := "AES128"
			if attempt > 0 {
				algo = "AES256"
			}
			return "openstego", []string{
				"extract", "-a", "randomlsb", "--cryptalgo", algo,
				"-sf", run.ImageRel, "-xd", "openstego", "-p", run.Submission.Password,
			}
		},
		ClassifyError: func(res driver.ExecResult, archived bool) bool {
			return !archived && !strings.Contains(res.Stderr, "Extracted file: ")
		},
		ProcessOutput: func(res driver.ExecResult) any {
			return res.Stderr
		},
		ProcessError: func(res driver.ExecResult) string {
			// Without a password the tool prints its usage banner.
			if strings.Contains(res.Stderr, "OpenStego is a steganography application") {
				return openstegoMessage
			}
			return res.Stderr
		},
	}
}

func outguessTool() *driver.Tool {
	return &driver.Tool{
		ToolName:   "outguess",
		Deep:       true,
		HasArchive: true,
		MakeFolder: true,
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			out := filepath.Join("outguess", "outguess.data")
			if pw := run.Submission.Password; pw != "" {
				return "outguess", []string{"-k", pw, "-r", run.ImageRel, out}
			}
			return "outguess", []string{"-r", run.ImageRel, out}
		},
	}
}

func jstegTool() *driver.Tool {
	return &driver.Tool{
		ToolName: "jsteg",
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "jsteg", []string{"reveal", run.ImageRel}
		},
	}
}

func zstegTool() *driver.Tool {
	headNotSupported := func(stdout string) bool {
		head := stdout
		if len(head) > 100 {
			head = head[:100]
		}
		return strings.Contains(head, "PNG::NotSupported")
	}
	return &driver.Tool{
		ToolName: "zsteg",
		BuildCommand: func(_ context.Context, run *driver.Run, _ int) (string, []string) {
			return "zsteg", []string{run.ImageRel}
		},
		ClassifyError: func(res driver.ExecResult, _ bool) bool {
			return len(res.Stderr) > 0 || headNotSupported(res.Stdout)
		},
		ProcessError: func(res driver.ExecResult) string {
			if headNotSupported(res.Stdout) {
				return zstegMessage
			}
			return res.Stderr
		},
	}
}
