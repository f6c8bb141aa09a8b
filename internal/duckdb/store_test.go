package duckdb

import (
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func rec(values ...string) model.Record {
	return model.NewRecord(model.AuditSchema, values)
}

func insertTestAudits(t *testing.T, store *Store, fetchID string, at time.Time, records ...model.Record) {
	t.Helper()
	if err := store.InsertAuditBatch(fetchID, at, records); err != nil {
		t.Fatalf("InsertAuditBatch failed: %v", err)
	}
}

func TestInsertAuditBatch(t *testing.T) {
	store := newTestStore(t)

	insertTestAudits(t, store, "f1", time.Now(),
		rec("processes", "cryptominer", "web", "nginx", "node-a"),
		rec("processes", "shell", "web", "nginx", "node-b", "msg", "rule-1", "alert", "", "2024-05-01", "T1496"),
		rec("network"),
	)

	count, err := store.TotalAuditCount(QueryOpts{})
	if err != nil {
		t.Fatalf("TotalAuditCount: %v", err)
	}
	if count != 3 {
		t.Errorf("TotalAuditCount = %d, want 3", count)
	}

	rows, err := store.ExecuteQuery(`SELECT "attack_techniques" AS t, "custom_labels" AS l FROM audits WHERE seq = 1`)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0]["t"] != "T1496" {
		t.Errorf("attack_techniques = %v, want T1496", rows[0]["t"])
	}
	if rows[0]["l"] != "" {
		t.Errorf("custom_labels = %#v, want empty string", rows[0]["l"])
	}
}

func TestInsertAuditBatch_RequiresFetchID(t *testing.T) {
	store := newTestStore(t)
	if err := store.InsertAuditBatch(" ", time.Now(), []model.Record{rec("A")}); err == nil {
		t.Fatal("expected error for empty fetch id")
	}
}

func TestInsertAuditBatch_DuplicateFetchRollsBack(t *testing.T) {
	store := newTestStore(t)
	insertTestAudits(t, store, "dup", time.Now(), rec("A"))

	if err := store.InsertAuditBatch("dup", time.Now(), []model.Record{rec("B"), rec("C")}); err == nil {
		t.Fatal("expected error for duplicate fetch id")
	}

	count, err := store.TotalAuditCount(QueryOpts{})
	if err != nil {
		t.Fatalf("TotalAuditCount: %v", err)
	}
	if count != 1 {
		t.Errorf("TotalAuditCount = %d, want 1 after rollback", count)
	}
}

func TestFieldValueCounts(t *testing.T) {
	store := newTestStore(t)
	insertTestAudits(t, store, "f1", time.Now(),
		rec("A", "x", ""),
		rec("A", "y", "web"),
		rec("B", "x"),
		rec("A"),
	)

	tests := []struct {
		name  string
		field string
		limit int
		want  []DimensionCount
	}{
		{
			name:  "type",
			field: model.FieldType,
			want:  []DimensionCount{{Value: "A", Count: 3}, {Value: "B", Count: 1}},
		},
		{
			name:  "absent values skipped",
			field: model.FieldAttack,
			want:  []DimensionCount{{Value: "x", Count: 2}, {Value: "y", Count: 1}},
		},
		{
			name:  "empty string counted",
			field: model.FieldContainer,
			want:  []DimensionCount{{Value: "", Count: 1}, {Value: "web", Count: 1}},
		},
		{
			name:  "limit",
			field: model.FieldType,
			limit: 1,
			want:  []DimensionCount{{Value: "A", Count: 3}},
		},
		{
			name:  "all absent",
			field: model.FieldRule,
			want:  []DimensionCount{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.FieldValueCounts(tt.field, tt.limit, QueryOpts{})
			if err != nil {
				t.Fatalf("FieldValueCounts: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFieldValueCounts_UnknownField(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.FieldValueCounts(`Type"; DROP TABLE audits; --`, 10, QueryOpts{}); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestFieldValueCounts_ByFetch(t *testing.T) {
	store := newTestStore(t)
	insertTestAudits(t, store, "old", time.Now().Add(-time.Hour), rec("A"), rec("A"))
	insertTestAudits(t, store, "new", time.Now(), rec("B"))

	got, err := store.FieldValueCounts(model.FieldType, 0, QueryOpts{FetchID: "new"})
	if err != nil {
		t.Fatalf("FieldValueCounts: %v", err)
	}
	if len(got) != 1 || got[0].Value != "B" || got[0].Count != 1 {
		t.Errorf("got %+v, want [{B 1}]", got)
	}

	total, err := store.TotalAuditCount(QueryOpts{FetchID: "old"})
	if err != nil {
		t.Fatalf("TotalAuditCount: %v", err)
	}
	if total != 2 {
		t.Errorf("TotalAuditCount(old) = %d, want 2", total)
	}
}

func TestListFetches(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	insertTestAudits(t, store, "first", base, rec("A"))
	insertTestAudits(t, store, "second", base.Add(time.Minute), rec("A"), rec("B"))
	insertTestAudits(t, store, "empty", base.Add(2*time.Minute))

	fetches, err := store.ListFetches(0)
	if err != nil {
		t.Fatalf("ListFetches: %v", err)
	}
	if len(fetches) != 3 {
		t.Fatalf("got %d fetches, want 3", len(fetches))
	}
	if fetches[0].ID != "empty" || fetches[0].Records != 0 {
		t.Errorf("newest = %+v, want empty fetch with 0 records", fetches[0])
	}
	if fetches[1].ID != "second" || fetches[1].Records != 2 {
		t.Errorf("second = %+v", fetches[1])
	}
	if !fetches[2].FetchedAt.Equal(base) {
		t.Errorf("fetched_at = %v, want %v", fetches[2].FetchedAt, base)
	}

	limited, err := store.ListFetches(1)
	if err != nil {
		t.Fatalf("ListFetches(1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("ListFetches(1) returned %d", len(limited))
	}
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertTestAudits(t, store, "stale", now.Add(-48*time.Hour), rec("A"), rec("B"))
	insertTestAudits(t, store, "fresh", now, rec("C"))

	deleted, err := store.DeleteBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	counts, err := store.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	if counts["audits"] != 1 || counts["fetches"] != 1 {
		t.Errorf("TableRowCounts = %v, want audits=1 fetches=1", counts)
	}
}

func TestExecuteQuery_ReadOnlyGuard(t *testing.T) {
	store := newTestStore(t)

	rejected := []string{
		"DELETE FROM audits",
		"SELECT 1; DROP TABLE audits",
		"WITH x AS (SELECT 1) INSERT INTO audits SELECT * FROM x",
		"/* SELECT */ DROP TABLE audits",
		"PRAGMA database_list",
	}
	for _, q := range rejected {
		if _, err := store.ExecuteQuery(q); err == nil {
			t.Errorf("ExecuteQuery(%q) should be rejected", q)
		}
	}

	rows, err := store.ExecuteQuery("SELECT COUNT(*) AS n FROM audits -- trailing comment")
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
}

func TestGetSchemaDescription(t *testing.T) {
	store := newTestStore(t)
	desc := store.GetSchemaDescription()
	for _, want := range []string{"audits", "fetches", "attack_techniques", "Custom Labels"} {
		if !strings.Contains(desc, want) {
			t.Errorf("schema description missing %q", want)
		}
	}
}

func TestSchemaVersion(t *testing.T) {
	store := newTestStore(t)
	v, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion = %d, want 2", v)
	}
}
