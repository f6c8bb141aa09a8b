package present

import (
	"fmt"
	"math"
	"strings"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

const (
	defaultChartWidth  = 100
	defaultChartHeight = 10
	minChartWidth      = 20
	emptyValueLabel    = "(empty)"
)

// ChartOptions controls the size of one field chart.
type ChartOptions struct {
	Width   int // total width including the legend
	Height  int // bar area height; also caps the number of bars
	MaxBars int // 0 = as many as fit
}

func (o ChartOptions) withDefaults() ChartOptions {
	if o.Width <= 0 {
		o.Width = defaultChartWidth
	}
	if o.Height <= 0 {
		o.Height = defaultChartHeight
	}
	return o
}

// LogScale maps a count onto the logarithmic axis used by every chart.
// Zero stays zero and a single occurrence is still visible.
func LogScale(count int64) float64 {
	if count <= 0 {
		return 0
	}
	return math.Log10(float64(count) + 1)
}

// RenderFieldChart draws one field's value counts as a bar chart with a
// numbered legend beside it. Bars use a log count axis. Counts are expected
// sorted (model.CountTable.Sorted).
func RenderFieldChart(field string, counts []model.DimensionCount, opts ChartOptions) string {
	opts = opts.withDefaults()

	var total int64
	for _, dc := range counts {
		total += dc.Count
	}
	header := chartTitleStyle.Render(field) + dimStyle.Render(
		fmt.Sprintf("  %d values, %d records, log scale", len(counts), total))

	if len(counts) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, header, helpStyle.Render("No data available"))
	}

	legendWidth := opts.Width / 2
	if legendWidth > 48 {
		legendWidth = 48
	}
	chartWidth := opts.Width - legendWidth - 2
	if chartWidth < minChartWidth {
		chartWidth = minChartWidth
	}

	// Bars are 2 cells wide with a 1 cell gap; the legend needs one line per bar.
	maxBars := chartWidth / 3
	if opts.Height < maxBars {
		maxBars = opts.Height
	}
	if opts.MaxBars > 0 && opts.MaxBars < maxBars {
		maxBars = opts.MaxBars
	}
	shown := counts
	if len(shown) > maxBars {
		shown = shown[:maxBars]
	}

	bc := barchart.New(chartWidth, opts.Height,
		barchart.WithBarGap(1),
		barchart.WithBarWidth(2),
		barchart.WithNoAxis(),
	)
	for i, dc := range shown {
		bc.Push(barchart.BarData{
			Label: "",
			Values: []barchart.BarValue{
				{Name: displayValue(dc.Value), Value: LogScale(dc.Count), Style: barStyle(i)},
			},
		})
	}
	bc.Draw()

	legend := renderLegend(shown, legendWidth)
	body := lipgloss.JoinHorizontal(lipgloss.Top, bc.View(), "  ", legend)

	parts := []string{header, body}
	if hidden := len(counts) - len(shown); hidden > 0 {
		parts = append(parts, helpStyle.Render(fmt.Sprintf("+%d more values not shown", hidden)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// RenderTable draws every field of table as a framed chart, in key order.
func RenderTable(table model.CountTable, opts ChartOptions) string {
	opts = opts.withDefaults()
	inner := opts
	inner.Width = opts.Width - 4 // border and padding

	sections := make([]string, 0, len(table.Keys()))
	for _, field := range table.Keys() {
		chart := RenderFieldChart(field, table.Sorted(field), inner)
		sections = append(sections, sectionStyle.Width(opts.Width-2).Render(chart))
	}
	return strings.Join(sections, "\n")
}

func renderLegend(counts []model.DimensionCount, width int) string {
	countWidth := 1
	for _, dc := range counts {
		if w := len(fmt.Sprintf("%d", dc.Count)); w > countWidth {
			countWidth = w
		}
	}
	// "NN " prefix + " " + count
	labelWidth := width - 4 - countWidth
	if labelWidth < 8 {
		labelWidth = 8
	}

	lines := make([]string, 0, len(counts))
	for i, dc := range counts {
		num := barColor(i).Render(fmt.Sprintf("%2d", i+1))
		label := fmt.Sprintf("%-*s", labelWidth, truncate(displayValue(dc.Value), labelWidth))
		count := fmt.Sprintf("%*d", countWidth, dc.Count)
		lines = append(lines, num+" "+valueStyle.Render(label)+" "+dimStyle.Render(count))
	}
	return strings.Join(lines, "\n")
}

func displayValue(v string) string {
	if v == "" {
		return emptyValueLabel
	}
	// Keep multi-line values on one legend row.
	if flat := strings.Join(strings.Fields(v), " "); flat != "" {
		return flat
	}
	return fmt.Sprintf("%q", v)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 3 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}

// logBar renders a fixed-width block bar whose fill is proportional to the
// log of count relative to the log of peak.
func logBar(count, peak int64, width int) string {
	fill := 0
	if peak > 0 {
		fill = int(math.Round(LogScale(count) / LogScale(peak) * float64(width)))
	}
	if fill == 0 && count > 0 {
		fill = 1
	}
	if fill > width {
		fill = width
	}
	return strings.Repeat("█", fill) + strings.Repeat("░", width-fill)
}
