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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeecka/AperiSolve/services/analysis/driver"
	"github.com/Zeecka/AperiSolve/services/analysis/ihdr"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
)

func TestPngcheck_ErrorRule(t *testing.T) {
	tool := pngcheckTool()

	unsupported := driver.ExecResult{Stdout: "zlib: ... this is neither a PNG or JNG image nor a MNG stream"}
	assert.True(t, tool.ClassifyError(unsupported, false))
	assert.Equal(t, pngcheckMessage, tool.ProcessError(unsupported))

	fine := driver.ExecResult{Stdout: "OK: image.png (32x32, 24-bit RGB, non-interlaced)", Stderr: "noise"}
	assert.False(t, tool.ClassifyError(fine, false), "pngcheck ignores stderr")
}

func TestForemost_ErrorRule(t *testing.T) {
	tool := foremostTool()

	short := driver.ExecResult{Stderr: "Processing: ../img.png\n|*|\n"}
	assert.False(t, tool.ClassifyError(short, false))
	assert.Equal(t, "Processing: ../img.png|*|", tool.ProcessOutput(short))

	long := driver.ExecResult{Stderr: strings.Repeat("x", foremostErrorThreshold+1)}
	assert.True(t, tool.ClassifyError(long, false))

	silent := driver.ExecResult{Stdout: "irrelevant"}
	assert.Equal(t, []string{}, tool.ProcessOutput(silent))
}

func TestZsteg_ErrorRule(t *testing.T) {
	tool := zstegTool()

	notPNG := driver.ExecResult{Stdout: "error: PNG::NotSupported the file is a JPEG"}
	assert.True(t, tool.ClassifyError(notPNG, false))
	assert.Equal(t, zstegMessage, tool.ProcessError(notPNG))

	// The marker only counts within the first 100 bytes of stdout.
	buried := driver.ExecResult{Stdout: strings.Repeat(".", 120) + "PNG::NotSupported"}
	assert.False(t, tool.ClassifyError(buried, false))

	withStderr := driver.ExecResult{Stderr: "ruby warning"}
	assert.True(t, tool.ClassifyError(withStderr, false))
	assert.Equal(t, "ruby warning", tool.ProcessError(withStderr))
}

func TestSteghide_ErrorRule(t *testing.T) {
	tool := steghideTool()

	nothing := driver.ExecResult{Stderr: "steghide: could not extract any data with that passphrase!"}
	assert.True(t, tool.ClassifyError(nothing, false))

	probed := driver.ExecResult{Stdout: `  embedded file "flag.txt":`}
	assert.False(t, tool.ClassifyError(probed, false))

	extracted := driver.ExecResult{Stderr: `wrote extracted data to "steghide/flag.txt".`}
	assert.False(t, tool.ClassifyError(extracted, false))
	out, ok := tool.ProcessOutput(extracted).([]string)
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "wrote extracted data to")

	badFormat := driver.ExecResult{Stderr: "steghide: the file format of the file \"../img.png\" is not supported."}
	assert.Equal(t, steghideMessage, tool.ProcessError(badFormat))
}

func TestOpenstego_RetriesWithSecondAlgorithm(t *testing.T) {
	tool := openstegoTool()
	run := &driver.Run{}

	_, args0 := tool.BuildCommand(context.Background(), run, 0)
	assert.Contains(t, args0, "AES128")
	_, args1 := tool.BuildCommand(context.Background(), run, 1)
	assert.Contains(t, args1, "AES256")
	assert.Equal(t, 2, tool.Attempts)

	banner := driver.ExecResult{Stderr: "OpenStego is a steganography application ..."}
	assert.True(t, tool.ClassifyError(banner, false))
	assert.Equal(t, openstegoMessage, tool.ProcessError(banner))

	// An archive means extraction succeeded regardless of stderr noise.
	assert.False(t, tool.ClassifyError(banner, true))
}

func TestBinwalk_ErrorRule(t *testing.T) {
	tool := binwalkTool()

	run := &driver.Run{Dir: "/results/img/sub", Image: registry.Image{File: "cafe.png"}}
	assert.Equal(t, filepath.Join("/results/img/sub", "_cafe.png.extracted"), tool.ExtractionDir(run))

	noisy := driver.ExecResult{Stderr: "warning: something"}
	assert.True(t, tool.ClassifyError(noisy, false))
	assert.False(t, tool.ClassifyError(noisy, true), "archive presence overrides stderr")
}

func TestExiftool_OutputParse(t *testing.T) {
	tool := exiftoolTool()

	res := driver.ExecResult{Stdout: "File Type   : PNG\nImage Width : 32\nno separator line\n"}
	out, ok := tool.ProcessOutput(res).(map[string]string)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"File Type": "PNG", "Image Width": "32"}, out)
}

func TestOutguess_Command(t *testing.T) {
	tool := outguessTool()
	assert.True(t, tool.DeepOnly())

	run := &driver.Run{ImageRel: "../cafe.png"}
	_, args := tool.BuildCommand(context.Background(), run, 0)
	assert.Equal(t, []string{"-r", "../cafe.png", filepath.Join("outguess", "outguess.data")}, args)

	run.Submission.Password = "hunter2"
	_, args = tool.BuildCommand(context.Background(), run, 0)
	assert.Equal(t, "-k", args[0])
	assert.Equal(t, "hunter2", args[1])
}

func TestDimensionRecoverer_TamperedHeight(t *testing.T) {
	true64 := ihdr.Params{Width: 64, Height: 64, BitDepth: 8, ColorType: 6}

	// File declares a bogus height but stores the CRC of the true header.
	tampered := true64
	tampered.Height = 9999
	data := buildPNGHeader(tampered, true64.CRC())
	data = append(data, []byte("trailing chunk bytes")...)

	run := newImageRun(t, testNRGBA())
	require.NoError(t, os.WriteFile(run.ImagePath, data, 0o644))
	run.Lookup = ihdr.NewMemTable()

	frag, err := (&DimensionRecoverer{}).Analyze(context.Background(), run)
	require.NoError(t, err)
	require.False(t, frag.IsError())
	assert.Contains(t, frag.PNGImages, "/image/subhash/recovered_64x64.png")
	assert.FileExists(t, filepath.Join(run.Dir, "recovered_64x64.png"))

	recovered, err := os.ReadFile(filepath.Join(run.Dir, "recovered_64x64.png"))
	require.NoError(t, err)
	hdr, err := ihdr.ParseHeader(recovered)
	require.NoError(t, err)
	assert.True(t, hdr.Valid())
	assert.Equal(t, uint32(64), hdr.Height)
}

func TestDimensionRecoverer_ValidHeader(t *testing.T) {
	p := ihdr.Params{Width: 64, Height: 64, BitDepth: 8, ColorType: 6}
	data := buildPNGHeader(p, p.CRC())

	run := newImageRun(t, testNRGBA())
	require.NoError(t, os.WriteFile(run.ImagePath, data, 0o644))

	frag, err := (&DimensionRecoverer{}).Analyze(context.Background(), run)
	require.NoError(t, err)
	require.False(t, frag.IsError())
	assert.Empty(t, frag.PNGImages)

	logs, ok := frag.Output.([]string)
	require.True(t, ok)
	assert.Contains(t, logs[len(logs)-1], "no recovery needed")
}

func TestDimensionRecoverer_NotAPNG(t *testing.T) {
	run := newImageRun(t, testNRGBA())
	require.NoError(t, os.WriteFile(run.ImagePath, []byte("nope"), 0o644))

	frag, err := (&DimensionRecoverer{}).Analyze(context.Background(), run)
	require.NoError(t, err)
	assert.True(t, frag.IsError())
	assert.Equal(t, resizeStructureError, frag.Error)
}

func buildPNGHeader(p ihdr.Params, storedCRC uint32) []byte {
	data := append([]byte{}, ihdr.Signature...)
	data = binary.BigEndian.AppendUint32(data, ihdr.DataLength)
	data = append(data, []byte("IHDR")...)
	data = append(data, p.Data()...)
	return binary.BigEndian.AppendUint32(data, storedCRC)
}
