// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Style defines how much decoration the CLI output carries.
type Style string

const (
	// StyleFull enables colors, icons and boxes.
	StyleFull Style = "full"

	// StyleMinimal keeps icons but drops colors and boxes.
	StyleMinimal Style = "minimal"

	// StyleMachine outputs plain prefixed text for scripts and pipes.
	StyleMachine Style = "machine"
)

var (
	currentStyle = StyleFull
	styleMu      sync.RWMutex
)

// GetStyle returns the active output style.
func GetStyle() Style {
	styleMu.RLock()
	defer styleMu.RUnlock()
	return currentStyle
}

// SetStyle overrides the active output style.
func SetStyle(s Style) {
	styleMu.Lock()
	defer styleMu.Unlock()
	currentStyle = s
}

// ParseStyle converts a flag or environment value to a Style. Unknown
// values fall back to full.
func ParseStyle(s string) Style {
	switch strings.ToLower(s) {
	case "minimal", "min", "m":
		return StyleMinimal
	case "machine", "quiet", "q":
		return StyleMachine
	default:
		return StyleFull
	}
}

// Init picks the style from APERISOLVE_CLI_STYLE, falling back to machine
// output when stdout is not a terminal.
func Init() {
	if env := os.Getenv("APERISOLVE_CLI_STYLE"); env != "" {
		SetStyle(ParseStyle(env))
		return
	}
	if !IsTerminal() {
		SetStyle(StyleMachine)
		return
	}
	SetStyle(StyleFull)
}

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
