package present

import "github.com/charmbracelet/lipgloss"

// Colors shared by the chart and text renderers.
var (
	ColorBlue   = lipgloss.Color("39")
	ColorGray   = lipgloss.Color("240")
	ColorWhite  = lipgloss.Color("255")
	ColorGreen  = lipgloss.Color("42")
	ColorYellow = lipgloss.Color("220")
	ColorRed    = lipgloss.Color("196")
)

var (
	chartTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
	helpStyle       = lipgloss.NewStyle().Foreground(ColorGray).Italic(true)
	dimStyle        = lipgloss.NewStyle().Foreground(ColorGray)
	valueStyle      = lipgloss.NewStyle().Foreground(ColorWhite)

	// sectionStyle frames one chart.
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorGray).
			Padding(0, 1)
)

// barPalette cycles per bar; the top entries get the hottest colors.
var barPalette = []lipgloss.Color{"196", "208", "214", "220", "42", "39", "63", "201", "244"}

func barStyle(i int) lipgloss.Style {
	c := barPalette[i%len(barPalette)]
	return lipgloss.NewStyle().Foreground(c).Background(c)
}

func barColor(i int) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(barPalette[i%len(barPalette)])
}
