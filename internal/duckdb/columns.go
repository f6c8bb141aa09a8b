package duckdb

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

// auditColumns maps schema fields to audits table columns, in schema order.
var auditColumns = []struct {
	field  string
	column string
}{
	{model.FieldType, "type"},
	{model.FieldAttack, "attack"},
	{model.FieldContainer, "container"},
	{model.FieldImage, "image"},
	{model.FieldHostname, "hostname"},
	{model.FieldMessage, "message"},
	{model.FieldRule, "rule"},
	{model.FieldEffect, "effect"},
	{model.FieldCustomLabels, "custom_labels"},
	{model.FieldDate, "date"},
	{model.FieldAttackTechniques, "attack_techniques"},
}

// columnFor resolves a field name to its column. Only fields of the audit
// schema are accepted, so the result is safe to splice into SQL.
func columnFor(field string) (string, error) {
	for _, c := range auditColumns {
		if c.field == field {
			return quoteIdent(c.column), nil
		}
	}
	return "", fmt.Errorf("unknown audit field %q", field)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func auditColumnList() string {
	cols := make([]string, len(auditColumns))
	for i, c := range auditColumns {
		cols[i] = quoteIdent(c.column)
	}
	return strings.Join(cols, ", ")
}
