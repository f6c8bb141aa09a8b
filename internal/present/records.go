package present

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/cwpaudit/internal/auditparse"
	"github.com/tinytelemetry/cwpaudit/internal/model"
)

// Record output formats for the parse stage.
const (
	RecordsJSONL = "jsonl"
	RecordsJSON  = "json"
	RecordsYAML  = "yaml"
	RecordsCSV   = "csv"
)

// WriteRecords prints parsed records in format. Absent fields are omitted
// from the object formats; CSV keeps short rows short.
func WriteRecords(w io.Writer, records []model.Record, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case RecordsJSONL, "", FormatText:
		enc := json.NewEncoder(w)
		for i, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("write record %d: %w", i, err)
			}
		}
		return nil
	case RecordsJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("write records: %w", err)
		}
		return nil
	case RecordsYAML:
		rows := make([]map[string]string, len(records))
		for i, rec := range records {
			rows[i] = rec.Map()
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return fmt.Errorf("write records: %w", err)
		}
		return enc.Close()
	case RecordsCSV:
		return auditparse.Encode(w, records)
	default:
		return fmt.Errorf("unknown record format %q", format)
	}
}
