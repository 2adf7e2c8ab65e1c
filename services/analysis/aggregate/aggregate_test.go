// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_CreatesDocument(t *testing.T) {
	dir := t.TempDir()
	agg := New()

	err := agg.Merge(dir, "strings", OK([]string{"hello", "world"}))
	require.NoError(t, err)

	doc, err := Read(dir)
	require.NoError(t, err)
	require.Contains(t, doc, "strings")
	assert.Equal(t, StatusOK, doc["strings"].Status)

	out, ok := doc["strings"].Output.([]any)
	require.True(t, ok, "output should decode as a list")
	assert.Len(t, out, 2)
}

func TestMerge_PreservesOtherKeys(t *testing.T) {
	dir := t.TempDir()
	agg := New()

	require.NoError(t, agg.Merge(dir, "file", OK("PNG image data")))
	require.NoError(t, agg.Merge(dir, "zsteg", Err("command not found")))

	doc, err := Read(dir)
	require.NoError(t, err)
	assert.Len(t, doc, 2)
	assert.Equal(t, StatusOK, doc["file"].Status)
	assert.Equal(t, StatusError, doc["zsteg"].Status)
	assert.Equal(t, "command not found", doc["zsteg"].Error)
}

func TestMerge_ReplacesSameKey(t *testing.T) {
	dir := t.TempDir()
	agg := New()

	require.NoError(t, agg.Merge(dir, "file", OK("first")))
	require.NoError(t, agg.Merge(dir, "file", OK("second")))

	doc, err := Read(dir)
	require.NoError(t, err)
	assert.Len(t, doc, 1)
	assert.Equal(t, "second", doc["file"].Output)
}

func TestMerge_CorruptDocumentResets(t *testing.T) {
	dir := t.TempDir()
	agg := New()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ResultsFile), []byte("{not json"), 0644))
	require.NoError(t, agg.Merge(dir, "exiftool", OK(map[string]string{"Mime Type": "image/png"})))

	doc, err := Read(dir)
	require.NoError(t, err)
	assert.Len(t, doc, 1)
	require.Contains(t, doc, "exiftool")
}

func TestMerge_Concurrent(t *testing.T) {
	dir := t.TempDir()
	agg := New()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("tool_%02d", i)
			if err := agg.Merge(dir, name, OK(name)); err != nil {
				t.Errorf("merge %s: %v", name, err)
			}
		}(i)
	}
	wg.Wait()

	doc, err := Read(dir)
	require.NoError(t, err)
	assert.Len(t, doc, n, "every concurrent fragment must survive")

	// Every intermediate state was valid JSON; the final one certainly is.
	raw, err := ReadRaw(dir)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))
}

func TestMerge_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	agg := New()
	require.NoError(t, agg.Merge(dir, "file", OK("x")))

	_, err := os.Stat(filepath.Join(dir, TempFile))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(t.TempDir())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, Exists(t.TempDir()))
}

func TestFragment_JSONShape(t *testing.T) {
	tests := []struct {
		name     string
		frag     Fragment
		contains []string
		excludes []string
	}{
		{
			name:     "ok with empty output keeps the key",
			frag:     OK(nil),
			contains: []string{`"status":"ok"`, `"output":""`},
			excludes: []string{`"error"`, `"note"`},
		},
		{
			name:     "error omits output when absent",
			frag:     Err("boom"),
			contains: []string{`"status":"error"`, `"error":"boom"`},
			excludes: []string{`"output"`},
		},
		{
			name:     "error may carry output",
			frag:     Err("boom").WithOutput("partial"),
			contains: []string{`"output":"partial"`},
		},
		{
			name:     "note and download serialize when set",
			frag:     OK("x").WithNote("converted to RGB").WithDownload("/download/h/binwalk"),
			contains: []string{`"note":"converted to RGB"`, `"download":"/download/h/binwalk"`},
		},
		{
			name:     "images map",
			frag:     OK("").WithImages(map[string][]string{"Red": {"/image/h/red_0.png"}}),
			contains: []string{`"images":{"Red":["/image/h/red_0.png"]}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.frag)
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.True(t, strings.Contains(string(data), want),
					"expected %s in %s", want, data)
			}
			for _, not := range tt.excludes {
				assert.False(t, strings.Contains(string(data), not),
					"did not expect %s in %s", not, data)
			}
		})
	}
}
