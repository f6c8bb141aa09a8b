package duckdb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// dangerousKeywordPattern matches dangerous SQL keywords at word boundaries.
// This avoids false positives like "RESET" matching "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET)\b`,
)

// blockCommentPattern matches C-style block comments (/* ... */).
var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// maxQueryRows caps ExecuteQuery results.
const maxQueryRows = 1000

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

// queryCtx returns a context with the store's configured query timeout.
func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}

// fetchAnd returns an "AND fetch_id = ?" fragment and args when opts.FetchID
// is non-empty.
func fetchAnd(opts QueryOpts) (clause string, args []interface{}) {
	if opts.FetchID != "" {
		return " AND fetch_id = ?", []interface{}{opts.FetchID}
	}
	return "", nil
}

// FieldValueCounts counts stored audits per value of field, most frequent
// first. Records where the field was absent are not counted; empty strings
// are. A limit <= 0 returns every value.
func (s *Store) FieldValueCounts(field string, limit int, opts QueryOpts) ([]DimensionCount, error) {
	col, err := columnFor(field)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	and, args := fetchAnd(opts)
	query := fmt.Sprintf(`
		SELECT %[1]s, COUNT(*) AS count
		FROM audits
		WHERE %[1]s IS NOT NULL%[2]s
		GROUP BY %[1]s
		ORDER BY 2 DESC, 1 ASC`, col, and)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]DimensionCount, 0)
	for rows.Next() {
		var dc DimensionCount
		if err := rows.Scan(&dc.Value, &dc.Count); err != nil {
			s.logger.Warn("scan error", zap.String("query", "FieldValueCounts"), zap.Error(err))
			continue
		}
		results = append(results, dc)
	}
	return results, rows.Err()
}

// TotalAuditCount returns the number of stored audit records.
func (s *Store) TotalAuditCount(opts QueryOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	and, args := fetchAnd(opts)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audits WHERE 1=1"+and, args...).Scan(&count)
	return count, err
}

// ListFetches returns the most recent downloads, newest first.
func (s *Store) ListFetches(limit int) ([]FetchSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	query := "SELECT fetch_id, fetched_at, records FROM fetches ORDER BY fetched_at DESC, fetch_id"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]FetchSummary, 0)
	for rows.Next() {
		var f FetchSummary
		if err := rows.Scan(&f.ID, &f.FetchedAt, &f.Records); err != nil {
			s.logger.Warn("scan error", zap.String("query", "ListFetches"), zap.Error(err))
			continue
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// DeleteBefore removes downloads fetched before cutoff and returns the
// number of audit rows deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM audits WHERE fetched_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM fetches WHERE fetched_at < ?", cutoff.UTC()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// ExecuteQuery runs a read-only SQL query and returns results as maps.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)

	// Reject semicolons to prevent statement chaining.
	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("query must not contain semicolons")
	}

	// Strip SQL comments so keywords hidden in comments are still caught.
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("only SELECT/WITH queries are allowed")
	}

	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return nil, fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			s.logger.Warn("scan error", zap.String("query", "ExecuteQuery"), zap.Error(err))
			continue
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// GetSchemaDescription returns a human-readable description of the queryable tables.
func (s *Store) GetSchemaDescription() string {
	cols := make([]string, len(auditColumns))
	for i, c := range auditColumns {
		cols[i] = fmt.Sprintf("%s (VARCHAR, NULL when absent: %s)", c.column, c.field)
	}
	return "Table 'audits': fetch_id (VARCHAR), seq (INTEGER), fetched_at (TIMESTAMP), " +
		strings.Join(cols, ", ") + ". " +
		"Table 'fetches': fetch_id (VARCHAR), fetched_at (TIMESTAMP), records (BIGINT)."
}

// TableRowCounts returns the row count for each known table using a hardcoded allowlist.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	allowedTables := []string{"audits", "fetches"}
	counts := make(map[string]int64, len(allowedTables))

	for _, table := range allowedTables {
		var count int64
		// Table names are hardcoded constants, not user input.
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			continue
		}
		counts[table] = count
	}
	return counts, nil
}
