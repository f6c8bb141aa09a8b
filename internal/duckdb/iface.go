package duckdb

import "github.com/tinytelemetry/cwpaudit/internal/model"

type QueryOpts = model.QueryOpts
type AuditQuerier = model.AuditQuerier
type SchemaQuerier = model.SchemaQuerier
type AuditWriter = model.AuditWriter
type AuditReader = model.AuditReader

var (
	_ AuditReader = (*Store)(nil)
	_ AuditWriter = (*Store)(nil)
)
