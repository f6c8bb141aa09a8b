package duckdb

import "github.com/tinytelemetry/cwpaudit/internal/model"

// Type aliases re-export model types so callers of duckdb.Store do not need
// to import model for query results.
type DimensionCount = model.DimensionCount
type FetchSummary = model.FetchSummary
type SnapshotInfo = model.SnapshotInfo
