// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzers

import (
	"context"
	"crypto/rand"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/driver"
)

// remapCount is how many random palettes get rendered per submission.
const remapCount = 8

// ColorRemapper pushes the image through random 256-entry color tables.
// Data hidden in near-identical color values becomes visible once the
// values map to wildly different ones.
type ColorRemapper struct{}

// Name implements driver.Analyzer.
func (c *ColorRemapper) Name() string { return "color_remapping" }

// DeepOnly implements driver.Analyzer.
func (c *ColorRemapper) DeepOnly() bool { return false }

// Analyze implements driver.Analyzer.
func (c *ColorRemapper) Analyze(_ context.Context, run *driver.Run) (aggregate.Fragment, error) {
	decoded, err := imaging.Open(run.ImagePath)
	if err != nil {
		return aggregate.Err(fmt.Sprintf("cannot decode image: %v", err)), nil
	}
	_, fromPalette := channelLayout(decoded)
	nrgba := imaging.Clone(decoded)
	bounds := nrgba.Bounds()

	var urls []string
	var table [256]byte
	for i := 0; i < remapCount; i++ {
		if _, err := rand.Read(table[:]); err != nil {
			return aggregate.Fragment{}, fmt.Errorf("random color table: %w", err)
		}

		remapped := image.NewNRGBA(bounds)
		for p := 0; p < len(nrgba.Pix); p += 4 {
			remapped.Pix[p+0] = table[nrgba.Pix[p+0]]
			remapped.Pix[p+1] = table[nrgba.Pix[p+1]]
			remapped.Pix[p+2] = table[nrgba.Pix[p+2]]
			remapped.Pix[p+3] = nrgba.Pix[p+3] // alpha untouched
		}

		name := fmt.Sprintf("color_remapping_%02d.png", i)
		if err := savePNG(run, name, remapped); err != nil {
			return aggregate.Fragment{}, err
		}
		urls = append(urls, driver.ImageURL(run.Submission.Hash, name))
	}

	frag := aggregate.Fragment{
		Status: aggregate.StatusOK,
		Images: map[string][]string{"Color Remapping": urls},
	}
	if fromPalette {
		frag = frag.WithNote(paletteNote)
	}
	return frag, nil
}
