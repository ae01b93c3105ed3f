// internal/state/db_test.go
package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colebrumley/integrator/internal/coordinator"
)

func TestOpen_CreatesDB(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-state.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	for _, table := range []string{"notifications", "schema_version"} {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("%s table not created: %v", table, err)
		}
	}
}

func TestOpen_CreatesIndexes(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	indexes := []string{
		"idx_notifications_rule_source",
		"idx_notifications_service",
		"idx_notifications_emitted",
	}
	for _, name := range indexes {
		var indexName string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?", name,
		).Scan(&indexName)
		if err != nil {
			t.Errorf("index %s not created: %v", name, err)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "state.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.RecordNotification(testRecord("n-1", "seq_errors", time.Now())); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()

	var versions int
	db.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&versions)
	if versions != 1 {
		t.Errorf("expected one schema_version row, got %d", versions)
	}
	if _, err := db.Get("n-1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}

func TestRecordNotification_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	emitted := time.Date(2026, 3, 2, 12, 0, 20, 0, time.UTC)
	n := coordinator.Notification{
		ID:            "a3f7c2d4-0001",
		TargetService: "context7",
		SourceID:      "pane:2",
		Rule:          "crash_cascade",
		Step:          "diagnose",
		Priority:      coordinator.PriorityHigh,
		EmittedAt:     emitted,
		Descriptor: coordinator.Descriptor{
			Action:    "diagnose_crash",
			EventKind: coordinator.KindProcessCrashed,
			Summary:   "npm run dev exited 137",
			Payload:   map[string]any{"command": "npm run dev", "env": "token=abc123"},
		},
	}

	if err := db.RecordNotification(RecordFromNotification(n)); err != nil {
		t.Fatalf("RecordNotification() error = %v", err)
	}

	got, err := db.Get(n.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Rule != "crash_cascade" || got.Step != "diagnose" || got.Service != "context7" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Priority != "high" || got.Action != "diagnose_crash" || got.EventKind != "process_crashed" {
		t.Errorf("unexpected descriptor fields: %+v", got)
	}
	if !got.EmittedAt.Equal(emitted) {
		t.Errorf("emitted_at = %v, want %v", got.EmittedAt, emitted)
	}
	if got.DeliveryState != DeliveryPending {
		t.Errorf("delivery_state = %q, want pending", got.DeliveryState)
	}
	if strings.Contains(got.Payload, "abc123") {
		t.Errorf("payload not scrubbed: %s", got.Payload)
	}
	if !strings.Contains(got.Payload, "npm run dev") {
		t.Errorf("payload missing command: %s", got.Payload)
	}
	if got.CompletedAt != nil {
		t.Error("new notification should not be completed")
	}
}

func TestRecordFromNotification_TruncatesPayload(t *testing.T) {
	n := coordinator.Notification{
		ID:         "big",
		Descriptor: coordinator.Descriptor{Payload: map[string]any{"log": strings.Repeat("x", 5000)}},
	}
	rec := RecordFromNotification(n)
	if len(rec.Payload) > maxPayloadBytes {
		t.Errorf("payload length %d exceeds %d", len(rec.Payload), maxPayloadBytes)
	}
}

func TestRecordNotification_DuplicateID(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	rec := testRecord("dup", "r", time.Now())
	if err := db.RecordNotification(rec); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordNotification(rec); err == nil {
		t.Error("expected primary key violation")
	}
}

func TestMarkDelivery(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := db.RecordNotification(testRecord("n-1", "seq_errors", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkDelivery("n-1", "failed", 3, "send: connection refused password=hunter2"); err != nil {
		t.Fatalf("MarkDelivery() error = %v", err)
	}

	got, err := db.Get("n-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != "failed" || got.Attempts != 3 {
		t.Errorf("unexpected delivery fields: %+v", got)
	}
	if strings.Contains(got.Error, "hunter2") {
		t.Errorf("error not scrubbed: %s", got.Error)
	}
}

func TestMarkDelivery_NotFound(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	err := db.MarkDelivery("missing", "delivered", 1, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Get, got %v", err)
	}
}

func TestMarkCompleted(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	now := time.Now()
	db.RecordNotification(testRecord("a", "seq_errors", now.Add(-time.Minute)))
	db.RecordNotification(testRecord("b", "seq_errors", now))
	other := testRecord("c", "seq_errors", now)
	other.SourceID = "pane:9"
	db.RecordNotification(other)

	n, err := db.MarkCompleted("seq_errors", "pane:0", now)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkCompleted() = %d rows, want 2", n)
	}

	got, _ := db.Get("c")
	if got.CompletedAt != nil {
		t.Error("other source must stay open")
	}

	n, _ = db.MarkCompleted("seq_errors", "pane:0", now.Add(time.Second))
	if n != 0 {
		t.Errorf("already completed rows were updated again: %d", n)
	}
}

func TestGetHistory_Filters(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	now := time.Now()
	insertTestRecords(t, db, now)

	tests := []struct {
		name   string
		filter HistoryFilter
		want   []string
	}{
		{"all newest first", HistoryFilter{}, []string{"n-4", "n-3", "n-2", "n-1"}},
		{"by rule", HistoryFilter{Rule: "seq_errors"}, []string{"n-3", "n-1"}},
		{"by service", HistoryFilter{Service: "context7"}, []string{"n-4", "n-2"}},
		{"by state", HistoryFilter{State: "failed"}, []string{"n-2"}},
		{"by source", HistoryFilter{SourceID: "pane:1"}, []string{"n-4"}},
		{"limit", HistoryFilter{Limit: 2}, []string{"n-4", "n-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := db.GetHistory(tt.filter)
			if err != nil {
				t.Fatalf("GetHistory() error = %v", err)
			}
			var ids []string
			for _, r := range records {
				ids = append(ids, r.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestCleanup(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	now := time.Now()
	db.RecordNotification(testRecord("old", "r", now.AddDate(0, 0, -100)))
	db.RecordNotification(testRecord("new", "r", now.Add(-time.Hour)))

	deleted, err := db.Cleanup(90)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Cleanup() deleted %d, want 1", deleted)
	}
	if _, err := db.Get("new"); err != nil {
		t.Errorf("recent record removed: %v", err)
	}
}

// --- helpers ---

func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	db, err := Open(filepath.Join(tmpDir, "test-state.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return db
}

func testRecord(id, rule string, emitted time.Time) NotificationRecord {
	return NotificationRecord{
		ID:        id,
		Rule:      rule,
		Service:   "sequential",
		SourceID:  "pane:0",
		Priority:  "medium",
		Action:    "sequential_analysis",
		EventKind: "error_detected",
		EmittedAt: emitted,
	}
}

func insertTestRecords(t *testing.T, db *DB, now time.Time) {
	t.Helper()
	records := []NotificationRecord{
		testRecord("n-1", "seq_errors", now.Add(-4*time.Minute)),
		testRecord("n-2", "docs", now.Add(-3*time.Minute)),
		testRecord("n-3", "seq_errors", now.Add(-2*time.Minute)),
		testRecord("n-4", "docs", now.Add(-1*time.Minute)),
	}
	records[1].Service = "context7"
	records[3].Service = "context7"
	records[3].SourceID = "pane:1"
	for _, r := range records {
		if err := db.RecordNotification(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkDelivery("n-2", "failed", 1, "boom"); err != nil {
		t.Fatal(err)
	}
}
