package model

import "time"

// QueryOpts narrows store queries. Zero value means all stored audits.
type QueryOpts struct {
	FetchID string // restrict to one download
}

// FetchSummary describes one stored download.
type FetchSummary struct {
	ID        string    `json:"id"`
	FetchedAt time.Time `json:"fetched_at"`
	Records   int64     `json:"records"`
}

// AuditQuerier provides read-only queries on stored audit records.
type AuditQuerier interface {
	TotalAuditCount(opts QueryOpts) (int64, error)
	FieldValueCounts(field string, limit int, opts QueryOpts) ([]DimensionCount, error)
	ListFetches(limit int) ([]FetchSummary, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// AuditWriter appends one download's records under a fetch ID.
type AuditWriter interface {
	InsertAuditBatch(fetchID string, fetchedAt time.Time, records []Record) error
}

// AuditReader is the unified read contract for read surfaces (HTTP).
type AuditReader interface {
	AuditQuerier
	SchemaQuerier
}
