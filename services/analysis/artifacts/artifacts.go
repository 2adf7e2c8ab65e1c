// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package artifacts owns the on-disk layout of analysis results:
//
//	<root>/<image_hash>/<image_hash>.<ext>       canonical blob
//	<root>/<image_hash>/<submission_hash>/       per-submission workdir
//	<removed>/<image>_<sub>_<timestamp>.<ext>    quarantine copies
//
// Image and submission hashes are hex fingerprints, so directory names never
// need escaping. Everything here is plain filesystem IO; concurrent access
// is safe because blobs are written once and submission dirs are partitioned
// by fingerprint.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Store resolves and manages paths under the result and quarantine roots.
type Store struct {
	root    string
	removed string
}

// NewStore creates both roots if needed.
func NewStore(resultDir, removedDir string) (*Store, error) {
	for _, dir := range []string{resultDir, removedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{root: resultDir, removed: removedDir}, nil
}

// Root returns the result tree root.
func (s *Store) Root() string { return s.root }

// ImageDir returns the directory holding an image's blob and submissions.
func (s *Store) ImageDir(imageHash string) string {
	return filepath.Join(s.root, imageHash)
}

// BlobPath returns the canonical blob location for an image. file is the
// stored blob name, `<image_hash>.<ext>`.
func (s *Store) BlobPath(imageHash, file string) string {
	return filepath.Join(s.root, imageHash, file)
}

// SubmissionDir returns a submission's working directory.
func (s *Store) SubmissionDir(imageHash, subHash string) string {
	return filepath.Join(s.root, imageHash, subHash)
}

// WriteBlob stores the canonical blob, creating the image directory. An
// existing blob is left untouched; uploads of a known image dedup to the
// same bytes by construction.
func (s *Store) WriteBlob(imageHash, file string, data []byte) error {
	dir := s.ImageDir(imageHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	path := filepath.Join(dir, file)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// EnsureSubmissionDir creates the per-submission working directory.
func (s *Store) EnsureSubmissionDir(imageHash, subHash string) (string, error) {
	dir := s.SubmissionDir(imageHash, subHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create submission dir: %w", err)
	}
	return dir, nil
}

// SubmissionDirExists reports whether a submission workdir is on disk.
// Deduplication checks this alongside the registry record; the two can
// disagree after a crash, and either missing means the work reruns.
func (s *Store) SubmissionDirExists(imageHash, subHash string) bool {
	info, err := os.Stat(s.SubmissionDir(imageHash, subHash))
	return err == nil && info.IsDir()
}

// Quarantine copies an image blob into the removed-images folder under
// `<image_hash>_<sub_hash>_<RFC3339>.<ext>` so abuse reports stay auditable
// after user-initiated removal.
func (s *Store) Quarantine(imageHash, file, subHash string, now time.Time) error {
	ext := filepath.Ext(file)
	name := fmt.Sprintf("%s_%s_%s%s", imageHash, subHash, now.UTC().Format(time.RFC3339), ext)
	return copyFile(s.BlobPath(imageHash, file), filepath.Join(s.removed, name))
}

// RemoveSubmission deletes a submission's working directory.
func (s *Store) RemoveSubmission(imageHash, subHash string) error {
	if err := os.RemoveAll(s.SubmissionDir(imageHash, subHash)); err != nil {
		return fmt.Errorf("remove submission dir: %w", err)
	}
	return nil
}

// RemoveImage deletes an image's whole directory, blob included.
func (s *Store) RemoveImage(imageHash string) error {
	if err := os.RemoveAll(s.ImageDir(imageHash)); err != nil {
		return fmt.Errorf("remove image dir: %w", err)
	}
	return nil
}

// Clear empties the result tree without removing the root itself.
// CLEAR_AT_RESTART only.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read result root: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return fmt.Errorf("clear %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
