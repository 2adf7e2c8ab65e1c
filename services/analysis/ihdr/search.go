// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ihdr

import "encoding/binary"

// SearchHeight scans candidate heights for a CRC match, keeping the width
// and pixel format from p fixed. Heights from minHeight through maxHeight
// inclusive are tried; every match is returned.
//
// This recovers images whose height was tampered with but whose width
// survived, without needing the precomputed table.
func SearchHeight(p Params, target uint32, minHeight, maxHeight uint32) []Params {
	var matches []Params
	candidate := p
	for h := minHeight; h <= maxHeight; h++ {
		candidate.Height = h
		if candidate.CRC() == target {
			matches = append(matches, candidate)
		}
	}
	return matches
}

// SearchDimensions brute-forces width and height for a CRC match, keeping
// the five trailing format bytes (bit depth, color type, compression,
// filter, interlace) exactly as they appear in the file. Dimensions from 1
// up to but not including maxDim are tried; the first match wins.
//
// The format bytes are taken verbatim rather than through Params because a
// corrupted header may carry nonzero compression or filter bytes, and the
// CRC commits to whatever is actually stored.
//
// Outputs:
//
//	[]byte - The recovered 13-byte IHDR data, or nil.
//	bool - Whether a match was found.
func SearchDimensions(format [5]byte, target uint32, maxDim uint32) ([]byte, bool) {
	data := make([]byte, DataLength)
	copy(data[8:], format[:])

	for width := uint32(1); width < maxDim; width++ {
		binary.BigEndian.PutUint32(data[0:4], width)
		for height := uint32(1); height < maxDim; height++ {
			binary.BigEndian.PutUint32(data[4:8], height)
			if DataCRC(data) == target {
				out := make([]byte, DataLength)
				copy(out, data)
				return out, true
			}
		}
	}
	return nil, false
}
