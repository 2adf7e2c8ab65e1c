// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzers

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/driver"
	"github.com/Zeecka/AperiSolve/services/analysis/ihdr"
)

const resizeStructureError = "IHDR chunk is not the first chunk, or PNG has invalid structure."

// Fallback height scan bounds when the CRC table has no match.
const (
	resizeMinHeight = 100
	resizeMaxHeight = 3500
)

// DimensionRecoverer undoes width/height tampering: the IHDR CRC commits to
// the true dimensions, so candidates whose CRC matches the stored one are
// the dimensions the file was created with.
type DimensionRecoverer struct{}

// Name implements driver.Analyzer.
func (r *DimensionRecoverer) Name() string { return "image_resize" }

// DeepOnly implements driver.Analyzer.
func (r *DimensionRecoverer) DeepOnly() bool { return false }

// Analyze implements driver.Analyzer.
func (r *DimensionRecoverer) Analyze(_ context.Context, run *driver.Run) (aggregate.Fragment, error) {
	data, err := os.ReadFile(run.ImagePath)
	if err != nil {
		return aggregate.Err(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	hdr, err := ihdr.ParseHeader(data)
	if err != nil {
		return aggregate.Err(resizeStructureError), nil
	}

	logs := []string{fmt.Sprintf("Target CRC found: 0x%08x", hdr.StoredCRC)}

	if hdr.Valid() {
		logs = append(logs, "Image size seems valid, no recovery needed.")
		return aggregate.Fragment{
			Status:    aggregate.StatusOK,
			Output:    logs,
			PNGImages: []string{},
		}, nil
	}

	matches, err := r.lookup(hdr, run.Lookup)
	if err != nil {
		return aggregate.Fragment{}, err
	}
	if len(matches) == 0 {
		matches = ihdr.SearchHeight(hdr.Params, hdr.StoredCRC, resizeMinHeight, resizeMaxHeight)
	}

	urls := []string{}
	if len(matches) == 0 {
		logs = append(logs, "Failure: No matching dimensions found.")
	}
	for _, m := range matches {
		name := fmt.Sprintf("recovered_%dx%d.png", m.Width, m.Height)
		if err := writeRecoveredPNG(data, m.Width, m.Height, filepath.Join(run.Dir, name)); err != nil {
			return aggregate.Fragment{}, err
		}
		logs = append(logs, fmt.Sprintf("Image saved: %s", name))
		urls = append(urls, driver.ImageURL(run.Submission.Hash, name))
	}

	return aggregate.Fragment{
		Status:    aggregate.StatusOK,
		Output:    logs,
		PNGImages: urls,
	}, nil
}

// lookup queries the CRC table, re-verifying each row against the stored
// CRC as a collision guard.
func (r *DimensionRecoverer) lookup(hdr ihdr.Header, table ihdr.Lookup) ([]ihdr.Params, error) {
	if table == nil {
		return nil, nil
	}
	rows, err := table.ByCRC(hdr.StoredCRC)
	if err != nil {
		return nil, fmt.Errorf("ihdr lookup: %w", err)
	}
	var verified []ihdr.Params
	for _, row := range rows {
		if row.CRC() == hdr.StoredCRC {
			verified = append(verified, row)
		}
	}
	return verified, nil
}

// writeRecoveredPNG splices corrected dimensions into the original bytes:
// everything before the IHDR width field, the new width and height, then
// the rest of the file untouched.
func writeRecoveredPNG(data []byte, width, height uint32, path string) error {
	out := make([]byte, 0, len(data))
	out = append(out, data[:16]...)
	out = binary.BigEndian.AppendUint32(out, width)
	out = binary.BigEndian.AppendUint32(out, height)
	out = append(out, data[24:]...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write recovered png: %w", err)
	}
	return nil
}
