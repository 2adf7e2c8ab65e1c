// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifacts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(filepath.Join(root, "results"), filepath.Join(root, "removed"))
	require.NoError(t, err)
	return store
}

func TestNewStore_CreatesRoots(t *testing.T) {
	store := newStore(t)
	assert.DirExists(t, store.Root())
}

func TestWriteBlob_AndPaths(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.WriteBlob("cafe", "cafe.png", []byte("pngbytes")))

	blob := store.BlobPath("cafe", "cafe.png")
	assert.Equal(t, filepath.Join(store.Root(), "cafe", "cafe.png"), blob)
	data, err := os.ReadFile(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), data)

	// Rewriting the same blob is a no-op for dedup re-uploads.
	require.NoError(t, store.WriteBlob("cafe", "cafe.png", []byte("pngbytes")))
}

func TestSubmissionDirLifecycle(t *testing.T) {
	store := newStore(t)

	assert.False(t, store.SubmissionDirExists("cafe", "sub1"))

	dir, err := store.EnsureSubmissionDir("cafe", "sub1")
	require.NoError(t, err)
	assert.Equal(t, store.SubmissionDir("cafe", "sub1"), dir)
	assert.True(t, store.SubmissionDirExists("cafe", "sub1"))

	require.NoError(t, store.RemoveSubmission("cafe", "sub1"))
	assert.False(t, store.SubmissionDirExists("cafe", "sub1"))
	assert.DirExists(t, store.ImageDir("cafe"), "the image dir survives its submissions")
}

func TestQuarantine_NamesBlobByHashAndTime(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.WriteBlob("cafe", "cafe.png", []byte("pngbytes")))

	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, store.Quarantine("cafe", "cafe.png", "sub1", now))

	quarantined := filepath.Join(store.Root(), "..", "removed",
		"cafe_sub1_2026-02-03T04:05:06Z.png")
	data, err := os.ReadFile(quarantined)
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), data)
}

func TestRemoveImage(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.WriteBlob("cafe", "cafe.png", []byte("x")))
	_, err := store.EnsureSubmissionDir("cafe", "sub1")
	require.NoError(t, err)

	require.NoError(t, store.RemoveImage("cafe"))
	assert.NoDirExists(t, store.ImageDir("cafe"))
}

func TestClear_EmptiesRootOnly(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.WriteBlob("cafe", "cafe.png", []byte("x")))
	require.NoError(t, store.WriteBlob("f00d", "f00d.jpg", []byte("y")))

	require.NoError(t, store.Clear())

	assert.DirExists(t, store.Root())
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchivePath(t *testing.T) {
	assert.Equal(t, filepath.Join("sub", "binwalk.7z"), ArchivePath("sub", "binwalk"))
	assert.False(t, ArchiveExists(t.TempDir(), "binwalk"))
}
