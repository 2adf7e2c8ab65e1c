// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ihdr

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader assembles signature + IHDR chunk for the given data and CRC.
func pngHeader(data []byte, crc uint32) []byte {
	out := make([]byte, 0, 8+4+4+len(data)+4)
	out = append(out, Signature...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, []byte("IHDR")...)
	out = append(out, data...)
	out = binary.BigEndian.AppendUint32(out, crc)
	return out
}

func TestParseHeader_KnownVector(t *testing.T) {
	// IHDR chunk of the canonical 1x1 RGBA PNG. The CRC 0x1F15C489 is the
	// value every conforming encoder emits for these parameters.
	data := []byte{
		0x00, 0x00, 0x00, 0x01, // width 1
		0x00, 0x00, 0x00, 0x01, // height 1
		0x08, 0x06, 0x00, 0x00, 0x00, // depth 8, RGBA, no interlace
	}
	h, err := ParseHeader(pngHeader(data, 0x1F15C489))
	require.NoError(t, err)

	assert.Equal(t, uint32(1), h.Width)
	assert.Equal(t, uint32(1), h.Height)
	assert.Equal(t, uint8(8), h.BitDepth)
	assert.Equal(t, uint8(6), h.ColorType)
	assert.Equal(t, uint8(0), h.Interlace)
	assert.Equal(t, uint32(0x1F15C489), h.StoredCRC)
	assert.Equal(t, uint32(0x1F15C489), h.CRC())
	assert.True(t, h.Valid())
}

func TestParseHeader_TamperedDimensions(t *testing.T) {
	p := Params{Width: 1920, Height: 1080, BitDepth: 8, ColorType: 6}
	goodCRC := p.CRC()

	// Shrink the declared height but keep the original CRC.
	p.Height = 16
	h, err := ParseHeader(pngHeader(p.Data(), goodCRC))
	require.NoError(t, err)

	assert.False(t, h.Valid())
	assert.Equal(t, goodCRC, h.StoredCRC)
	assert.NotEqual(t, goodCRC, h.CRC())
}

func TestParseHeader_Errors(t *testing.T) {
	p := Params{Width: 4, Height: 4, BitDepth: 8, ColorType: 2}

	t.Run("bad signature", func(t *testing.T) {
		_, err := ParseHeader([]byte("definitely not a png"))
		assert.ErrorIs(t, err, ErrSignature)
	})

	t.Run("truncated", func(t *testing.T) {
		full := pngHeader(p.Data(), p.CRC())
		_, err := ParseHeader(full[:20])
		assert.ErrorIs(t, err, ErrChunkMissing)
	})

	t.Run("first chunk not IHDR", func(t *testing.T) {
		raw := pngHeader(p.Data(), p.CRC())
		copy(raw[12:16], "sRGB")
		_, err := ParseHeader(raw)
		assert.ErrorIs(t, err, ErrChunkMissing)
	})

	t.Run("wrong chunk length", func(t *testing.T) {
		raw := pngHeader(p.Data(), p.CRC())
		binary.BigEndian.PutUint32(raw[8:12], 14)
		_, err := ParseHeader(raw)
		assert.ErrorIs(t, err, ErrChunkLength)
	})
}

func TestDataCRC_MatchesStdlib(t *testing.T) {
	p := Params{Width: 640, Height: 480, BitDepth: 8, ColorType: 2, Interlace: 1}
	data := p.Data()

	want := crc32.ChecksumIEEE(append([]byte("IHDR"), data...))
	assert.Equal(t, want, DataCRC(data))
	assert.Equal(t, want, p.CRC())
}

func TestParams_Data(t *testing.T) {
	p := Params{Width: 0x01020304, Height: 0x0A0B0C0D, BitDepth: 16, ColorType: 4, Interlace: 1}
	data := p.Data()

	require.Len(t, data, DataLength)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data[0:4])
	assert.Equal(t, []byte{0x0A, 0x0B, 0x0C, 0x0D}, data[4:8])
	assert.Equal(t, byte(16), data[8])
	assert.Equal(t, byte(4), data[9])
	assert.Equal(t, byte(0), data[10]) // compression
	assert.Equal(t, byte(0), data[11]) // filter
	assert.Equal(t, byte(1), data[12])
}

func TestResolutions(t *testing.T) {
	resolutions := Resolutions()
	require.NotEmpty(t, resolutions)

	seen := make(map[Resolution]struct{}, len(resolutions))
	for i, r := range resolutions {
		assert.GreaterOrEqual(t, r.Width, uint32(1))
		assert.LessOrEqual(t, r.Width, uint32(10000))
		assert.GreaterOrEqual(t, r.Height, uint32(1))
		assert.LessOrEqual(t, r.Height, uint32(10000))

		if _, dup := seen[r]; dup {
			t.Fatalf("duplicate resolution %dx%d", r.Width, r.Height)
		}
		seen[r] = struct{}{}

		if i > 0 {
			prev := resolutions[i-1]
			sorted := prev.Width < r.Width || (prev.Width == r.Width && prev.Height < r.Height)
			require.True(t, sorted, "resolutions not sorted at index %d", i)
		}
	}

	for _, want := range []Resolution{
		{16, 16},     // square
		{16, 9},      // 16:9 at minimum width
		{9, 16},      // portrait counterpart
		{1024, 576},  // 16:9
		{1920, 1080}, // Full HD
		{1080, 1920},
	} {
		assert.Contains(t, resolutions, want)
	}
}

func TestDepthColorPairs(t *testing.T) {
	pairs := DepthColorPairs()
	require.Len(t, pairs, 16)

	assert.Equal(t, DepthColor{BitDepth: 1, ColorType: 0}, pairs[0])
	assert.Contains(t, pairs, DepthColor{BitDepth: 8, ColorType: 6})

	// Truecolor only permits depths 8 and 16.
	for _, p := range pairs {
		if p.ColorType == 2 || p.ColorType == 4 || p.ColorType == 6 {
			assert.Contains(t, []uint8{8, 16}, p.BitDepth)
		}
	}
}

func TestGenerate(t *testing.T) {
	t.Run("count matches table size", func(t *testing.T) {
		count := 0
		Generate(func(Params) bool {
			count++
			return true
		})
		assert.Equal(t, TableSize(), count)
	})

	t.Run("early stop", func(t *testing.T) {
		count := 0
		Generate(func(Params) bool {
			count++
			return count < 10
		})
		assert.Equal(t, 10, count)
	})
}

func TestMemTable(t *testing.T) {
	table := NewMemTable()
	require.Greater(t, table.Len(), 0)

	p := Params{Width: 1920, Height: 1080, BitDepth: 8, ColorType: 6, Interlace: 0}
	matches, err := table.ByCRC(p.CRC())
	require.NoError(t, err)
	assert.Contains(t, matches, p)

	// 1919x1080 is not a generated resolution.
	absent := Params{Width: 1919, Height: 1080, BitDepth: 8, ColorType: 6}
	matches, err = table.ByCRC(absent.CRC())
	require.NoError(t, err)
	assert.NotContains(t, matches, absent)
}

func TestSearchHeight(t *testing.T) {
	original := Params{Width: 100, Height: 250, BitDepth: 8, ColorType: 6}
	target := original.CRC()

	declared := original
	declared.Height = 1 // tampered

	matches := SearchHeight(declared, target, 100, 3500)
	require.NotEmpty(t, matches)
	assert.Contains(t, matches, original)
}

func TestSearchDimensions(t *testing.T) {
	original := Params{Width: 5, Height: 9, BitDepth: 8, ColorType: 2}
	target := original.CRC()

	data, ok := SearchDimensions([5]byte{8, 2, 0, 0, 0}, target, 50)
	require.True(t, ok)
	assert.Equal(t, original.Data(), data)
}

func TestSearchDimensions_NoMatch(t *testing.T) {
	original := Params{Width: 500, Height: 900, BitDepth: 8, ColorType: 2}

	// Search space too small to reach the real dimensions.
	_, ok := SearchDimensions([5]byte{8, 2, 0, 0, 0}, original.CRC(), 10)
	assert.False(t, ok)
}
