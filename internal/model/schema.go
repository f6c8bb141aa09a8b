package model

import (
	"fmt"
	"strings"
)

// Audit field names, in download column order.
const (
	FieldType             = "Type"
	FieldAttack           = "Attack"
	FieldContainer        = "Container"
	FieldImage            = "Image"
	FieldHostname         = "Hostname"
	FieldMessage          = "Message"
	FieldRule             = "Rule"
	FieldEffect           = "Effect"
	FieldCustomLabels     = "Custom Labels"
	FieldDate             = "Date"
	FieldAttackTechniques = "AttackTechniques"
)

// AuditSchema is the column layout of the runtime container audit download.
var AuditSchema = MustSchema(
	FieldType,
	FieldAttack,
	FieldContainer,
	FieldImage,
	FieldHostname,
	FieldMessage,
	FieldRule,
	FieldEffect,
	FieldCustomLabels,
	FieldDate,
	FieldAttackTechniques,
)

// Schema is an ordered, fixed list of field names. Columns of a raw row are
// bound to fields by position, never by header lookup.
type Schema struct {
	fields []string
	index  map[string]int
}

// NewSchema builds a schema from field names in column order.
func NewSchema(fields ...string) (Schema, error) {
	if len(fields) == 0 {
		return Schema{}, fmt.Errorf("schema: no fields")
	}
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		if strings.TrimSpace(f) == "" {
			return Schema{}, fmt.Errorf("schema: field %d has an empty name", i)
		}
		if _, dup := index[f]; dup {
			return Schema{}, fmt.Errorf("schema: duplicate field %q", f)
		}
		index[f] = i
	}
	return Schema{
		fields: append([]string(nil), fields...),
		index:  index,
	}, nil
}

// MustSchema is NewSchema that panics on error. Use it for package-level
// schema constants only.
func MustSchema(fields ...string) Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of fields.
func (s Schema) Len() int { return len(s.fields) }

// Fields returns a copy of the field names in column order.
func (s Schema) Fields() []string { return append([]string(nil), s.fields...) }

// Index returns the column position of a field.
func (s Schema) Index(field string) (int, bool) {
	i, ok := s.index[field]
	return i, ok
}

// Has reports whether field belongs to the schema.
func (s Schema) Has(field string) bool {
	_, ok := s.index[field]
	return ok
}

// ValidateKeys checks that every key names a schema field and that no key
// repeats. Unknown keys are a configuration error, not an empty count.
func (s Schema) ValidateKeys(keys []string) error {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if !s.Has(k) {
			return fmt.Errorf("unknown field %q (known: %s)", k, strings.Join(s.fields, ", "))
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("field %q listed twice", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}
