package duckdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

// InsertAuditBatch stores one download's records under fetchID in a single
// transaction. Absent fields become NULL; present empty values stay "".
// Records must use the audit schema. The whole batch is rejected on error.
func (s *Store) InsertAuditBatch(fetchID string, fetchedAt time.Time, records []model.Record) error {
	if strings.TrimSpace(fetchID) == "" {
		return fmt.Errorf("duckdb: fetch id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertBatchTx(ctx, fetchID, fetchedAt.UTC(), records); err != nil {
		return err
	}
	s.logger.Info("audits stored", zap.String("fetch_id", fetchID), zap.Int("records", len(records)))
	return nil
}

// insertBatchTx inserts the fetch row and its records in a single transaction.
func (s *Store) insertBatchTx(ctx context.Context, fetchID string, fetchedAt time.Time, records []model.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fetches (fetch_id, fetched_at, records) VALUES (?, ?, ?)`,
		fetchID, fetchedAt, int64(len(records)),
	); err != nil {
		return fmt.Errorf("fetch insert: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(auditColumns)+3), ", ")
	auditStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO audits (fetch_id, seq, fetched_at, %s) VALUES (%s)`,
		auditColumnList(), placeholders,
	))
	if err != nil {
		return err
	}
	defer auditStmt.Close()

	args := make([]any, len(auditColumns)+3)
	for i, r := range records {
		args[0], args[1], args[2] = fetchID, i, fetchedAt
		for j, c := range auditColumns {
			if v, ok := r.Get(c.field); ok {
				args[j+3] = v
			} else {
				args[j+3] = nil
			}
		}
		if _, err := auditStmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("record %d insert: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
