// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette shared by the terminal dashboards
var (
	styleTitle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	styleGood  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleNote  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// banner renders a dashboard title with its key hint line
func banner(title, hint string) string {
	return styleTitle.Render(title) + "\n" + styleDim.Render(hint) + "\n\n"
}

// fields renders label/value pairs on one line. Values are rendered with
// their own style by the caller.
func fields(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, styleLabel.Render(pairs[i])+" "+pairs[i+1])
	}
	return strings.Join(parts, "   ")
}

// section renders a labelled box, sized to width when width > 0
func section(label, body string, width int) string {
	box := styleBox
	if width > 0 {
		box = box.Width(width)
	}
	out := box.Render(strings.TrimSuffix(body, "\n"))
	if label == "" {
		return out
	}
	return styleLabel.Render(label) + "\n" + out
}
