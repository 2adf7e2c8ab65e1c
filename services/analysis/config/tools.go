// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"

	"gopkg.in/yaml.v3"
)

// MaxToolsFileSize caps an external registry file read. The registry is a
// handful of entries; anything bigger is a mistake.
const MaxToolsFileSize = 64 * 1024

//go:embed tools.yaml
var defaultToolsYAML []byte

// ToolEntry describes one external forensic binary.
type ToolEntry struct {
	// Name is the analyzer this binary serves.
	Name string `yaml:"name"`

	// Binary is the executable name or absolute path.
	Binary string `yaml:"binary"`

	// Enabled takes the analyzer out of the fan-out when false.
	Enabled bool `yaml:"enabled"`
}

type toolsFileYAML struct {
	Tools []ToolEntry `yaml:"tools"`
}

// ToolRegistry resolves analyzer names to their external binaries.
//
// Read-only after LoadToolRegistry; safe for concurrent use.
type ToolRegistry struct {
	entries map[string]ToolEntry
}

// LoadToolRegistry loads the registry from path, or from the embedded
// default when path is empty. A missing or unreadable external file is an
// error rather than a silent fallback: an operator who points at a file
// wants that file.
func LoadToolRegistry(path string) (*ToolRegistry, error) {
	data := defaultToolsYAML
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("tool registry %s: %w", path, err)
		}
		if info.Size() > MaxToolsFileSize {
			return nil, fmt.Errorf("tool registry %s: %d bytes exceeds %d limit",
				path, info.Size(), MaxToolsFileSize)
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tool registry %s: %w", path, err)
		}
	}

	var parsed toolsFileYAML
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tool registry: %w", err)
	}

	reg := &ToolRegistry{entries: make(map[string]ToolEntry, len(parsed.Tools))}
	for i, entry := range parsed.Tools {
		if entry.Name == "" || entry.Binary == "" {
			return nil, fmt.Errorf("tool registry entry %d: name and binary are required", i)
		}
		reg.entries[entry.Name] = entry
	}
	return reg, nil
}

// Binary returns the executable for an analyzer name, falling back to the
// name itself when the registry has no entry. Analyzers that never shell
// out (decomposer, pcrt, ...) simply have no entry.
func (r *ToolRegistry) Binary(name string) string {
	if entry, ok := r.entries[name]; ok {
		return entry.Binary
	}
	return name
}

// Enabled reports whether the analyzer's tool is enabled. Names without an
// entry are enabled: the pure-Go analyzers need no binary.
func (r *ToolRegistry) Enabled(name string) bool {
	entry, ok := r.entries[name]
	if !ok {
		return true
	}
	return entry.Enabled
}

// Detect probes PATH for every enabled binary and returns the missing ones.
// Purely informational: analyzers with a missing binary still run and
// report the exec failure as their error fragment.
func (r *ToolRegistry) Detect() []string {
	var missing []string
	for _, entry := range r.entries {
		if !entry.Enabled {
			continue
		}
		if _, err := exec.LookPath(entry.Binary); err != nil {
			missing = append(missing, entry.Binary)
		}
	}
	return missing
}
