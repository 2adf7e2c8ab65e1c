// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package aggregate merges per-analyzer result fragments into the single
// results.json document of a submission.
//
// Analyzers run concurrently, potentially in several worker processes
// sharing one filesystem, and each finishes at its own pace. Every merge
// therefore takes an intra-process mutex plus an exclusive advisory lock on
// the sibling results.json.lock file, rewrites the document through a temp
// file, and renames it into place. Readers never observe partial JSON: they
// see the document either before or after a given merge.
package aggregate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Zeecka/AperiSolve/services/analysis/lock"
)

// File names inside a submission's result directory.
const (
	ResultsFile = "results.json"
	LockFile    = "results.json.lock"
	TempFile    = "results.json.tmp"
)

// Aggregator serializes fragment merges. One Aggregator is shared by all
// analyzer tasks of a worker process.
type Aggregator struct {
	locker lock.FileLocker
	mu     sync.Mutex
}

// New creates an Aggregator with the platform file locker.
func New() *Aggregator {
	return &Aggregator{locker: lock.New()}
}

// Merge stores the fragment under the analyzer's name in
// resultDir/results.json, replacing any prior value for that key and
// preserving every other key.
//
// The merge is atomic with respect to concurrent readers and writers:
// mutex → flock on results.json.lock → read → update → write temp →
// rename. A document that fails to parse is treated as empty; writes are
// atomic-rename, so a corrupt document means external tampering and is
// reset rather than repaired.
func (a *Aggregator) Merge(resultDir, analyzer string, frag Fragment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	lockPath := filepath.Join(resultDir, LockFile)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}
	defer lockFile.Close()

	if err := a.locker.Lock(lockFile); err != nil {
		return fmt.Errorf("locking %s: %w", lockPath, err)
	}
	defer a.locker.Unlock(lockFile)

	doc := make(map[string]json.RawMessage)
	resultsPath := filepath.Join(resultDir, ResultsFile)
	if data, err := os.ReadFile(resultsPath); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			doc = make(map[string]json.RawMessage)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", resultsPath, err)
	}

	encoded, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("encoding fragment for %s: %w", analyzer, err)
	}
	doc[analyzer] = encoded

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	tmpPath := filepath.Join(resultDir, TempFile)
	if err := os.WriteFile(tmpPath, out, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, resultsPath); err != nil {
		return fmt.Errorf("renaming %s over %s: %w", tmpPath, resultsPath, err)
	}
	return nil
}

// Read loads the document as typed fragments keyed by analyzer name.
// The underlying os.ErrNotExist surfaces through errors.Is when the
// document has not materialized yet.
func Read(resultDir string) (map[string]Fragment, error) {
	data, err := ReadRaw(resultDir)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]Fragment)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ResultsFile, err)
	}
	return doc, nil
}

// ReadRaw returns the document bytes without decoding; the web layer
// relays them verbatim.
func ReadRaw(resultDir string) (json.RawMessage, error) {
	resultsPath := filepath.Join(resultDir, ResultsFile)
	data, err := os.ReadFile(resultsPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", resultsPath, err)
	}
	return data, nil
}

// Exists reports whether the document has materialized.
func Exists(resultDir string) bool {
	_, err := os.Stat(filepath.Join(resultDir, ResultsFile))
	return err == nil
}
