// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// countMsg advances the bar to an absolute count.
type countMsg int

// doneMsg ends the program.
type doneMsg struct{}

type progressModel struct {
	bar     progress.Model
	label   string
	current int
	total   int
}

func newProgressModel(label string, total int) progressModel {
	return progressModel{
		bar:   progress.New(progress.WithDefaultGradient()),
		label: label,
		total: total,
	}
}

func (m progressModel) Init() tea.Cmd { return nil }

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 20
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}
		return m, nil
	case countMsg:
		m.current = int(msg)
		return m, nil
	case doneMsg:
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m progressModel) View() string {
	ratio := 0.0
	if m.total > 0 {
		ratio = float64(m.current) / float64(m.total)
	}
	return fmt.Sprintf("%s %s %d/%d\n",
		Styles.Bold.Render(m.label), m.bar.ViewAs(ratio), m.current, m.total)
}

// Progress renders a live progress bar fed by absolute counts on updates,
// blocking until the channel closes. Non-interactive output degrades to one
// line per ten percent.
func Progress(label string, total int, updates <-chan int) error {
	if GetStyle() == StyleMachine || !IsTerminal() {
		lastDecile := -1
		for n := range updates {
			decile := -1
			if total > 0 {
				decile = n * 10 / total
			}
			if decile != lastDecile {
				lastDecile = decile
				fmt.Printf("PROGRESS: %s %d/%d\n", label, n, total)
			}
		}
		return nil
	}

	program := tea.NewProgram(newProgressModel(label, total))
	go func() {
		for n := range updates {
			program.Send(countMsg(n))
		}
		program.Send(doneMsg{})
	}()
	_, err := program.Run()
	return err
}
