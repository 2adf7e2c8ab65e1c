// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/driver"
	"github.com/Zeecka/AperiSolve/services/analysis/pngfix"
)

// PNGRepairer runs the PNG repair engine over the blob and publishes the
// rebuilt file plus any trailing data found after IEND.
type PNGRepairer struct{}

// Name implements driver.Analyzer.
func (p *PNGRepairer) Name() string { return "pcrt" }

// DeepOnly implements driver.Analyzer.
func (p *PNGRepairer) DeepOnly() bool { return false }

// Analyze implements driver.Analyzer.
func (p *PNGRepairer) Analyze(ctx context.Context, run *driver.Run) (aggregate.Fragment, error) {
	data, err := os.ReadFile(run.ImagePath)
	if err != nil {
		return aggregate.Err(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	rep := pngfix.Repair(data, run.Lookup)

	if len(rep.Errors) > 0 {
		frag := aggregate.Err(strings.Join(rep.Errors, "\n"))
		if len(rep.Logs) > 0 {
			frag = frag.WithOutput(rep.Logs)
		}
		return frag, nil
	}

	output := rep.Logs
	if len(output) == 0 {
		output = []string{"PNG appears valid, no repairs needed"}
	}
	frag := aggregate.OK(output)

	if rep.Fixed && len(rep.Data) > 0 {
		stem := strings.TrimSuffix(run.Image.File, filepath.Ext(run.Image.File))
		name := fmt.Sprintf("pcrt_recovered_%s.png", stem)
		if err := os.WriteFile(filepath.Join(run.Dir, name), rep.Data, 0o644); err != nil {
			return aggregate.Fragment{}, fmt.Errorf("write repaired png: %w", err)
		}
		frag = frag.WithNote("PNG was repaired and saved").
			WithPNGImages([]string{driver.ImageURL(run.Submission.Hash, name)})
	}

	if len(rep.ExtraData) > 0 {
		extractionDir := run.ExtractionDir("pcrt")
		if err := os.MkdirAll(extractionDir, 0o755); err != nil {
			return aggregate.Fragment{}, fmt.Errorf("create extraction dir: %w", err)
		}
		extraPath := filepath.Join(extractionDir, "extra_data.bin")
		if err := os.WriteFile(extraPath, rep.ExtraData, 0o644); err != nil {
			return aggregate.Fragment{}, fmt.Errorf("write extra data: %w", err)
		}
		download, err := run.Archive(ctx, "pcrt", extractionDir)
		if err != nil {
			return aggregate.Fragment{}, err
		}
		frag = frag.WithNote(frag.Note + " | Extra data found after IEND")
		if download != "" {
			frag = frag.WithDownload(download)
		}
	}

	return frag, nil
}
