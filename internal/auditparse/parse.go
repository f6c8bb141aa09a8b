package auditparse

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

// utf8BOM is stripped from the start of a payload; some exports carry one.
const utf8BOM = "\ufeff"

// ErrTooManyFields marks a row that has more columns than the schema.
var ErrTooManyFields = errors.New("row has more fields than the schema")

// ParseError reports a payload row that could not be bound to the schema.
// Parsing is strict: the first bad row aborts the whole payload.
type ParseError struct {
	Line   int // 1-based line where the row starts
	Column int // 1-based column of the problem, 0 when unknown
	Err    error
}

func (e *ParseError) Error() string {
	if e.Column > 0 {
		return fmt.Sprintf("parse audits: line %d, column %d: %v", e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("parse audits: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse converts a headerless CSV payload into records bound positionally to
// schema. Quoted fields may contain commas, quotes and newlines. Rows shorter
// than the schema leave trailing fields absent; longer rows are rejected.
// Blank lines yield no record. Empty input returns an empty slice.
func Parse(raw string, schema model.Schema) ([]model.Record, error) {
	return ParseReader(strings.NewReader(raw), schema)
}

// ParseReader is Parse over a stream.
func ParseReader(r io.Reader, schema model.Schema) ([]model.Record, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, []byte(utf8BOM)) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, &ParseError{Line: 0, Err: err}
		}
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1 // short rows are tolerated, checked below

	records := make([]model.Record, 0)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				return nil, &ParseError{Line: csvErr.StartLine, Column: csvErr.Column, Err: csvErr.Err}
			}
			return nil, &ParseError{Line: 0, Err: err}
		}

		if len(row) > schema.Len() {
			line, col := reader.FieldPos(schema.Len())
			return nil, &ParseError{
				Line:   line,
				Column: col,
				Err:    fmt.Errorf("%w: got %d, want at most %d", ErrTooManyFields, len(row), schema.Len()),
			}
		}
		records = append(records, model.NewRecord(schema, row))
	}
}

// Encode writes records back as headerless CSV rows, quoting where needed.
// Only present fields are written, so a short record stays short.
func Encode(w io.Writer, records []model.Record) error {
	cw := csv.NewWriter(w)
	for i, rec := range records {
		if err := cw.Write(rec.Values()); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
