// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifacts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultSevenZip is the archiver binary used when the tool registry does
// not override it.
const DefaultSevenZip = "7z"

// ArchiveExt is the suffix of per-analyzer download archives.
const ArchiveExt = ".7z"

// ArchivePath returns the download archive location for an analyzer inside
// a submission directory.
func ArchivePath(submissionDir, analyzer string) string {
	return filepath.Join(submissionDir, analyzer+ArchiveExt)
}

// ArchiveExists reports whether an analyzer produced a download archive.
func ArchiveExists(submissionDir, analyzer string) bool {
	info, err := os.Stat(ArchivePath(submissionDir, analyzer))
	return err == nil && !info.IsDir()
}

// ArchiveAndRemove packs the contents of extractionDir into
// `<analyzer>.7z` in the parent directory, then deletes extractionDir.
// An empty extraction dir produces no archive and is removed silently.
// Returns whether an archive was created.
//
// The archiver runs from inside the extraction dir so archive members keep
// relative paths.
func ArchiveAndRemove(ctx context.Context, sevenZip, extractionDir, analyzer string) (bool, error) {
	entries, err := os.ReadDir(extractionDir)
	if err != nil {
		return false, fmt.Errorf("read extraction dir: %w", err)
	}
	if len(entries) == 0 {
		if err := os.RemoveAll(extractionDir); err != nil {
			return false, fmt.Errorf("remove extraction dir: %w", err)
		}
		return false, nil
	}

	if sevenZip == "" {
		sevenZip = DefaultSevenZip
	}
	args := []string{"a", filepath.Join("..", analyzer+ArchiveExt)}
	for _, entry := range entries {
		args = append(args, entry.Name())
	}

	cmd := exec.CommandContext(ctx, sevenZip, args...)
	cmd.Dir = extractionDir
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("archive %s: %w", analyzer, err)
	}
	if err := os.RemoveAll(extractionDir); err != nil {
		return false, fmt.Errorf("remove extraction dir: %w", err)
	}
	return ArchiveExists(filepath.Dir(extractionDir), analyzer), nil
}
