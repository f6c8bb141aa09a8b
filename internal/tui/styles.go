package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/cwpaudit/internal/present"
)

var (
	colorGray = present.ColorGray
	colorBlue = present.ColorBlue
	colorRed  = present.ColorRed

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	statusStyle    = lipgloss.NewStyle().Foreground(colorGray)
	errorStyle     = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	activeTabStyle = lipgloss.NewStyle().Bold(true).Foreground(present.ColorWhite).Background(colorBlue).Padding(0, 1)
	tabStyle       = lipgloss.NewStyle().Foreground(colorGray).Padding(0, 1)
)
