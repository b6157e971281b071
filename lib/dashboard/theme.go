// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import "github.com/charmbracelet/lipgloss"

// Theme is the dashboard palette, in ANSI 256-color codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	HeaderForeground lipgloss.Color
	HeaderBackground lipgloss.Color
	ActiveTab        lipgloss.Color
	ErrorText        lipgloss.Color
	HelpText         lipgloss.Color

	StateReady    lipgloss.Color
	StateStarting lipgloss.Color
	StateDraining lipgloss.Color
	StateStopped  lipgloss.Color
}

// DefaultTheme suits dark terminals.
var DefaultTheme = Theme{
	NormalText:       lipgloss.Color("252"),
	FaintText:        lipgloss.Color("243"),
	HeaderForeground: lipgloss.Color("230"),
	HeaderBackground: lipgloss.Color("24"),
	ActiveTab:        lipgloss.Color("81"),
	ErrorText:        lipgloss.Color("203"),
	HelpText:         lipgloss.Color("241"),
	StateReady:       lipgloss.Color("78"),
	StateStarting:    lipgloss.Color("221"),
	StateDraining:    lipgloss.Color("208"),
	StateStopped:     lipgloss.Color("243"),
}

// StateColor colors a worker state. Unknown states use FaintText.
func (theme Theme) StateColor(state string) lipgloss.Color {
	switch state {
	case "ready":
		return theme.StateReady
	case "starting":
		return theme.StateStarting
	case "draining":
		return theme.StateDraining
	case "stopped", "absent":
		return theme.StateStopped
	default:
		return theme.FaintText
	}
}
