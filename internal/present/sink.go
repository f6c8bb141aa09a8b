package present

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

// Output formats accepted by NewSink.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
	FormatChart = "chart"
)

// Sink receives the final count table. Rendering failures are logged by the
// sink itself; nothing is returned to the pipeline.
type Sink interface {
	Present(table model.CountTable)
}

// Options configures sinks built by NewSink.
type Options struct {
	Limit int // max values per field for text output, 0 = all
	Chart ChartOptions
}

// NewSink builds the sink for format, writing to w.
func NewSink(format string, w io.Writer, opts Options, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "present"), zap.String("format", format))

	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatText, "":
		return &TextSink{w: w, limit: opts.Limit, logger: logger}, nil
	case FormatJSON:
		return &JSONSink{w: w, logger: logger}, nil
	case FormatYAML:
		return &YAMLSink{w: w, logger: logger}, nil
	case FormatChart:
		return &ChartSink{w: w, opts: opts.Chart, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// TextSink prints each field's counts as an aligned, sorted list with a
// log-scaled bar.
type TextSink struct {
	w      io.Writer
	limit  int
	logger *zap.Logger
}

func (s *TextSink) Present(table model.CountTable) {
	var b strings.Builder
	for i, field := range table.Keys() {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(RenderFieldText(field, table.Sorted(field), s.limit, 0))
	}

	if _, err := io.WriteString(s.w, b.String()); err != nil {
		s.logger.Error("write counts", zap.Error(err))
	}
}

// RenderFieldText renders one field's sorted counts as aligned rows with a
// log-scaled bar. Rows before offset are skipped; limit <= 0 shows the rest.
func RenderFieldText(field string, sorted []model.DimensionCount, limit, offset int) string {
	const barWidth = 16

	var total int64
	for _, dc := range sorted {
		total += dc.Count
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n",
		chartTitleStyle.Render(field),
		dimStyle.Render(fmt.Sprintf("(%d values, %d records)", len(sorted), total)))

	if len(sorted) == 0 {
		b.WriteString("  " + helpStyle.Render("no values") + "\n")
		return b.String()
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(sorted) {
		offset = len(sorted)
	}
	shown := sorted[offset:]
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	peak := sorted[0].Count
	countWidth := len(fmt.Sprintf("%d", peak))
	for j, dc := range shown {
		bar := barColor(offset + j).Render(logBar(dc.Count, peak, barWidth))
		fmt.Fprintf(&b, "  %s %*d  %s\n", bar, countWidth, dc.Count, displayValue(dc.Value))
	}
	if hidden := len(sorted) - offset - len(shown); hidden > 0 {
		b.WriteString("  " + helpStyle.Render(fmt.Sprintf("+%d more", hidden)) + "\n")
	}
	return b.String()
}

// JSONSink writes the table as {"field": {"value": count}}.
type JSONSink struct {
	w      io.Writer
	logger *zap.Logger
}

func (s *JSONSink) Present(table model.CountTable) {
	enc := json.NewEncoder(s.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(table); err != nil {
		s.logger.Error("encode counts", zap.Error(err))
	}
}

// YAMLSink writes the table as a YAML mapping.
type YAMLSink struct {
	w      io.Writer
	logger *zap.Logger
}

func (s *YAMLSink) Present(table model.CountTable) {
	enc := yaml.NewEncoder(s.w)
	enc.SetIndent(2)
	if err := enc.Encode(table); err != nil {
		s.logger.Error("encode counts", zap.Error(err))
	}
	if err := enc.Close(); err != nil {
		s.logger.Error("flush counts", zap.Error(err))
	}
}

// ChartSink draws one bar chart per field.
type ChartSink struct {
	w      io.Writer
	opts   ChartOptions
	logger *zap.Logger
}

func (s *ChartSink) Present(table model.CountTable) {
	if _, err := io.WriteString(s.w, RenderTable(table, s.opts)+"\n"); err != nil {
		s.logger.Error("write charts", zap.Error(err))
	}
}
