package model

import (
	"encoding/json"
	"sort"
)

// Record is one audit event bound to a schema. It is immutable: values are
// copied in on construction and only read afterwards.
type Record struct {
	schema Schema
	values []string
}

// NewRecord binds values to schema fields by position. A short values slice
// leaves the trailing fields absent; extra values beyond the schema are
// dropped, callers that care must check the length first.
func NewRecord(schema Schema, values []string) Record {
	n := len(values)
	if n > schema.Len() {
		n = schema.Len()
	}
	return Record{
		schema: schema,
		values: append([]string(nil), values[:n]...),
	}
}

// Get returns the value of field and whether it is present. A present value
// may be the empty string.
func (r Record) Get(field string) (string, bool) {
	i, ok := r.schema.Index(field)
	if !ok || i >= len(r.values) {
		return "", false
	}
	return r.values[i], true
}

// Values returns a copy of the present values in column order.
func (r Record) Values() []string { return append([]string(nil), r.values...) }

// Len returns the number of present fields.
func (r Record) Len() int { return len(r.values) }

// Map returns the present fields keyed by field name.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.values))
	for i, v := range r.values {
		m[r.schema.fields[i]] = v
	}
	return m
}

// MarshalJSON encodes the present fields as a JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

// DimensionCount represents the number of records carrying one value of a
// field (for example a hostname or a rule).
type DimensionCount struct {
	Value string `json:"value" yaml:"value"`
	Count int64  `json:"count" yaml:"count"`
}

// CountTable maps each aggregation key to value occurrence counts. Every key
// the table was created with has an entry, possibly empty.
type CountTable struct {
	keys   []string
	counts map[string]map[string]int64
}

// NewCountTable creates an empty table for keys, preserving their order.
func NewCountTable(keys []string) CountTable {
	t := CountTable{
		keys:   make([]string, 0, len(keys)),
		counts: make(map[string]map[string]int64, len(keys)),
	}
	for _, k := range keys {
		if _, ok := t.counts[k]; ok {
			continue
		}
		t.keys = append(t.keys, k)
		t.counts[k] = make(map[string]int64)
	}
	return t
}

// Inc adds one occurrence of value under field. Fields outside the table's
// key set are ignored.
func (t CountTable) Inc(field, value string) {
	if m, ok := t.counts[field]; ok {
		m[value]++
	}
}

// Keys returns the table's fields in the order they were requested.
func (t CountTable) Keys() []string { return append([]string(nil), t.keys...) }

// Has reports whether field is part of the table's key set.
func (t CountTable) Has(field string) bool {
	_, ok := t.counts[field]
	return ok
}

// Count returns the occurrences of value under field.
func (t CountTable) Count(field, value string) int64 { return t.counts[field][value] }

// Values returns a copy of the value counts for field.
func (t CountTable) Values(field string) map[string]int64 {
	src := t.counts[field]
	out := make(map[string]int64, len(src))
	for v, n := range src {
		out[v] = n
	}
	return out
}

// Total returns the sum of all counts under field.
func (t CountTable) Total(field string) int64 {
	var total int64
	for _, n := range t.counts[field] {
		total += n
	}
	return total
}

// Sorted returns field's counts by descending count, then ascending value.
func (t CountTable) Sorted(field string) []DimensionCount {
	src := t.counts[field]
	out := make([]DimensionCount, 0, len(src))
	for v, n := range src {
		out = append(out, DimensionCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Map returns a deep copy of the counts.
func (t CountTable) Map() map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(t.counts))
	for _, k := range t.keys {
		out[k] = t.Values(k)
	}
	return out
}

// MarshalJSON encodes the table as {field: {value: count}}.
func (t CountTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Map())
}

// MarshalYAML encodes the table as a mapping of field to value counts.
func (t CountTable) MarshalYAML() (interface{}, error) {
	return t.Map(), nil
}

// SnapshotInfo describes one copy of the audit store: where it went, how
// big it is, its content hash and what it held when taken.
type SnapshotInfo struct {
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
	SHA256  string `json:"sha256"`
	Audits  int64  `json:"audits"`
	Fetches int64  `json:"fetches"`
}
