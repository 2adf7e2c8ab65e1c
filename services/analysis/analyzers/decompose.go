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
	"image"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/driver"
)

const paletteNote = "Image contains a color palette and was converted to RGB for processing."

// Decomposer renders the image's bit planes: for every 8-bit channel, eight
// monochrome PNGs with pixel = ((channel>>bit)&1)*255, plus eight
// superimposed RGB planes for color inputs. LSB steganography is usually
// visible to the eye in the low planes.
type Decomposer struct{}

// Name implements driver.Analyzer.
func (d *Decomposer) Name() string { return "decomposer" }

// DeepOnly implements driver.Analyzer.
func (d *Decomposer) DeepOnly() bool { return false }

// channelLayout maps the decoded image type to the channels the source
// actually carries; the NRGBA working copy always has four.
func channelLayout(img image.Image) (labels []string, palette bool) {
	switch t := img.(type) {
	case *image.Gray, *image.Gray16:
		return []string{"Grayscale"}, false
	case *image.Paletted:
		return []string{"Red", "Green", "Blue"}, true
	case *image.NRGBA, *image.NRGBA64:
		return []string{"Red", "Green", "Blue", "Alpha"}, false
	case *image.RGBA:
		// Alpha-less truecolor decodes into the premultiplied types with
		// every sample opaque; only emit an Alpha plane when the source
		// really carries transparency.
		if t.Opaque() {
			return []string{"Red", "Green", "Blue"}, false
		}
		return []string{"Red", "Green", "Blue", "Alpha"}, false
	case *image.RGBA64:
		if t.Opaque() {
			return []string{"Red", "Green", "Blue"}, false
		}
		return []string{"Red", "Green", "Blue", "Alpha"}, false
	default:
		// YCbCr (JPEG), CMYK.
		return []string{"Red", "Green", "Blue"}, false
	}
}

// Analyze implements driver.Analyzer.
func (d *Decomposer) Analyze(_ context.Context, run *driver.Run) (aggregate.Fragment, error) {
	decoded, err := imaging.Open(run.ImagePath)
	if err != nil {
		return aggregate.Err(fmt.Sprintf("cannot decode image: %v", err)), nil
	}
	labels, fromPalette := channelLayout(decoded)
	nrgba := imaging.Clone(decoded)
	bounds := nrgba.Bounds()

	images := make(map[string][]string)

	if len(labels) >= 3 {
		urls, err := d.superimposed(run, nrgba)
		if err != nil {
			return aggregate.Fragment{}, err
		}
		images["Superimposed"] = urls
	}

	for c, label := range labels {
		offset := c
		if label == "Grayscale" {
			offset = 0 // R carries the gray value in the NRGBA clone
		}
		var urls []string
		for bit := 0; bit < 8; bit++ {
			plane := image.NewGray(bounds)
			for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
				for x := bounds.Min.X; x < bounds.Max.X; x++ {
					i := nrgba.PixOffset(x, y)
					plane.Pix[plane.PixOffset(x, y)] = bitPlane(nrgba.Pix[i+offset], bit)
				}
			}
			name := fmt.Sprintf("%s_bit_%d.png", label, bit)
			if err := savePNG(run, name, plane); err != nil {
				return aggregate.Fragment{}, err
			}
			urls = append(urls, driver.ImageURL(run.Submission.Hash, name))
		}
		images[label] = urls
	}

	frag := aggregate.Fragment{Status: aggregate.StatusOK, Images: images}
	if fromPalette {
		frag = frag.WithNote(paletteNote)
	}
	return frag, nil
}

func (d *Decomposer) superimposed(run *driver.Run, nrgba *image.NRGBA) ([]string, error) {
	bounds := nrgba.Bounds()
	var urls []string
	for bit := 0; bit < 8; bit++ {
		plane := image.NewNRGBA(bounds)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				i := nrgba.PixOffset(x, y)
				o := plane.PixOffset(x, y)
				plane.Pix[o+0] = bitPlane(nrgba.Pix[i+0], bit)
				plane.Pix[o+1] = bitPlane(nrgba.Pix[i+1], bit)
				plane.Pix[o+2] = bitPlane(nrgba.Pix[i+2], bit)
				plane.Pix[o+3] = 0xFF
			}
		}
		name := fmt.Sprintf("superimposed_bit_%d.png", bit)
		if err := savePNG(run, name, plane); err != nil {
			return nil, err
		}
		urls = append(urls, driver.ImageURL(run.Submission.Hash, name))
	}
	return urls, nil
}

func bitPlane(v uint8, bit int) uint8 {
	return ((v >> bit) & 1) * 255
}

func savePNG(run *driver.Run, name string, img image.Image) error {
	path := filepath.Join(run.Dir, name)
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}
