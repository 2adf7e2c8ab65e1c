// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ihdr

import (
	"math"
	"sort"
)

// Resolution is a width/height pair.
type Resolution struct {
	Width  uint32
	Height uint32
}

// DepthColor is a bit depth / color type combination permitted by the PNG
// specification.
type DepthColor struct {
	BitDepth  uint8
	ColorType uint8
}

// Resolutions generates the sorted list of common display and image
// resolutions used to seed the CRC table.
//
// Base widths combine with standard aspect ratios from screens, photography
// and paper formats, in both orientations:
//
//   - Low resolution: 16-256px (16px increments)
//   - Standard: 320-1024px (32px increments)
//   - HD/Full HD: 1280-2560px (64px increments)
//   - 4K: 3000-4096px (128px increments)
//   - 5K-8K: 5120-8192px (256px increments)
//   - Upper bound: 10000px
//
// Heights are constrained to [1, 10000].
func Resolutions() []Resolution {
	var baseWidths []uint32
	for w := uint32(16); w <= 256; w += 16 {
		baseWidths = append(baseWidths, w)
	}
	for w := uint32(320); w <= 1024; w += 32 {
		baseWidths = append(baseWidths, w)
	}
	for w := uint32(1280); w <= 2560; w += 64 {
		baseWidths = append(baseWidths, w)
	}
	for w := uint32(3000); w <= 4096; w += 128 {
		baseWidths = append(baseWidths, w)
	}
	for w := uint32(5120); w <= 8192; w += 256 {
		baseWidths = append(baseWidths, w)
	}
	baseWidths = append(baseWidths, 10000)

	aspectRatios := [][2]uint32{
		// Screens / digital
		{1, 1},
		{4, 3},
		{3, 2},
		{16, 10},
		{16, 9},
		{21, 9},
		// Photography / print
		{5, 4},  // 8x10
		{7, 5},  // 5x7
		{2, 3},  // poster
		// Paper standards
		{1414, 1000}, // ISO A-series (A4, A3, A2, ...)
		{11, 85},     // US Letter
		{14, 85},     // Legal
		{17, 11},     // Tabloid
	}

	seen := make(map[Resolution]struct{})
	for _, w := range baseWidths {
		for _, ar := range aspectRatios {
			h := uint32(math.RoundToEven(float64(w) * float64(ar[1]) / float64(ar[0])))
			if h < 1 || h > 10000 {
				continue
			}
			seen[Resolution{Width: w, Height: h}] = struct{}{}
			seen[Resolution{Width: h, Height: w}] = struct{}{} // portrait / landscape
		}
	}

	resolutions := make([]Resolution, 0, len(seen))
	for r := range seen {
		resolutions = append(resolutions, r)
	}
	sort.Slice(resolutions, func(i, j int) bool {
		if resolutions[i].Width != resolutions[j].Width {
			return resolutions[i].Width < resolutions[j].Width
		}
		return resolutions[i].Height < resolutions[j].Height
	})
	return resolutions
}

// DepthColorPairs returns the bit depth / color type combinations the PNG
// specification allows: grayscale (0), truecolor (2), indexed (3),
// grayscale+alpha (4) and truecolor+alpha (6).
func DepthColorPairs() []DepthColor {
	valid := []struct {
		color  uint8
		depths []uint8
	}{
		{0, []uint8{1, 2, 4, 8, 16}},
		{2, []uint8{8, 16}},
		{3, []uint8{1, 2, 4, 8}},
		{4, []uint8{8, 16}},
		{6, []uint8{8, 16}},
	}

	var pairs []DepthColor
	for _, v := range valid {
		for _, d := range v.depths {
			pairs = append(pairs, DepthColor{BitDepth: d, ColorType: v.color})
		}
	}
	return pairs
}

// Generate enumerates every table entry: the cartesian product of common
// resolutions, valid depth/color pairs and both interlace methods. Generation
// stops early when yield returns false.
func Generate(yield func(Params) bool) {
	resolutions := Resolutions()
	pairs := DepthColorPairs()

	for _, res := range resolutions {
		for _, dc := range pairs {
			for _, interlace := range []uint8{0, 1} {
				p := Params{
					Width:     res.Width,
					Height:    res.Height,
					BitDepth:  dc.BitDepth,
					ColorType: dc.ColorType,
					Interlace: interlace,
				}
				if !yield(p) {
					return
				}
			}
		}
	}
}

// TableSize returns the number of entries Generate produces.
func TableSize() int {
	return len(Resolutions()) * len(DepthColorPairs()) * 2
}
