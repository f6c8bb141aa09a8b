// Package aggregate computes per-field value frequencies over parsed audit
// records.
package aggregate

import "github.com/tinytelemetry/cwpaudit/internal/model"

// Count tallies, for each key, how many records carry each value of that
// field. Absent fields are skipped rather than counted under a placeholder;
// present empty strings are counted. Values are compared exactly, without
// trimming or case folding. A nil record slice yields an empty map per key.
func Count(records []model.Record, keys []string) model.CountTable {
	table := model.NewCountTable(keys)
	for _, rec := range records {
		for _, key := range keys {
			if v, ok := rec.Get(key); ok {
				table.Inc(key, v)
			}
		}
	}
	return table
}

// Present returns how many records carry field at all.
func Present(records []model.Record, field string) int64 {
	var n int64
	for _, rec := range records {
		if _, ok := rec.Get(field); ok {
			n++
		}
	}
	return n
}

// Top returns at most limit entries of field's sorted counts. A limit of
// zero or less returns all of them.
func Top(table model.CountTable, field string, limit int) []model.DimensionCount {
	sorted := table.Sorted(field)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
