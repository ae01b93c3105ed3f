// internal/state/db.go
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/security"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a notification id is not in the history.
var ErrNotFound = errors.New("notification not found")

const maxPayloadBytes = 1024

// Delivery states.
const (
	DeliveryPending = "pending"
)

// NotificationRecord is one emitted notification and what became of it.
type NotificationRecord struct {
	ID            string     `json:"id"`
	Rule          string     `json:"rule"`
	Step          string     `json:"step,omitempty"`
	Service       string     `json:"service"`
	SourceID      string     `json:"source_id"`
	Priority      string     `json:"priority"`
	Action        string     `json:"action"`
	EventKind     string     `json:"event_kind"`
	Summary       string     `json:"summary"`
	EmittedAt     time.Time  `json:"emitted_at"`
	DeliveryState string     `json:"delivery_state"`
	Attempts      int        `json:"attempts"`
	Error         string     `json:"error,omitempty"`
	Payload       string     `json:"payload,omitempty"` // JSON, max 1KB, scrubbed of secrets
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RecordFromNotification flattens n for storage.
func RecordFromNotification(n coordinator.Notification) NotificationRecord {
	rec := NotificationRecord{
		ID:            n.ID,
		Rule:          n.Rule,
		Step:          n.Step,
		Service:       n.TargetService,
		SourceID:      n.SourceID,
		Priority:      string(n.Priority),
		Action:        n.Descriptor.Action,
		EventKind:     string(n.Descriptor.EventKind),
		Summary:       security.ScrubOutput(n.Descriptor.Summary),
		EmittedAt:     n.EmittedAt,
		DeliveryState: DeliveryPending,
	}
	if len(n.Descriptor.Payload) > 0 {
		if data, err := json.Marshal(n.Descriptor.Payload); err == nil {
			payload := security.ScrubOutput(string(data))
			if len(payload) > maxPayloadBytes {
				payload = payload[:maxPayloadBytes]
			}
			rec.Payload = payload
		}
	}
	return rec
}

// HistoryFilter narrows GetHistory. Zero fields match everything.
type HistoryFilter struct {
	Rule     string
	Service  string
	SourceID string
	State    string
	Limit    int
}

// DB wraps the SQLite database connection for notification history.
type DB struct {
	db *sql.DB
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    rule_name TEXT NOT NULL,
    step TEXT,
    service TEXT NOT NULL,
    source_id TEXT NOT NULL,
    priority TEXT NOT NULL,
    action TEXT NOT NULL,
    event_kind TEXT NOT NULL,
    summary TEXT,
    emitted_at DATETIME NOT NULL,
    delivery_state TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    payload TEXT,
    completed_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notifications_rule_source ON notifications(rule_name, source_id);
CREATE INDEX IF NOT EXISTS idx_notifications_service ON notifications(service);
CREATE INDEX IF NOT EXISTS idx_notifications_emitted ON notifications(emitted_at);
`

// Open opens or creates a state database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows a single writer; the dispatch workers share one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count)
	if count == 0 {
		db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordNotification stores a newly emitted notification.
func (d *DB) RecordNotification(rec NotificationRecord) error {
	if rec.DeliveryState == "" {
		rec.DeliveryState = DeliveryPending
	}
	_, err := d.db.Exec(`
		INSERT INTO notifications
		(id, rule_name, step, service, source_id, priority, action, event_kind,
		 summary, emitted_at, delivery_state, attempts, error, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Rule, rec.Step, rec.Service, rec.SourceID, rec.Priority,
		rec.Action, rec.EventKind, rec.Summary, rec.EmittedAt.UTC(),
		rec.DeliveryState, rec.Attempts, rec.Error, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("recording notification: %w", err)
	}
	return nil
}

// MarkDelivery stores the dispatch outcome for a notification.
func (d *DB) MarkDelivery(id, deliveryState string, attempts int, errMsg string) error {
	result, err := d.db.Exec(
		"UPDATE notifications SET delivery_state = ?, attempts = ?, error = ? WHERE id = ?",
		deliveryState, attempts, security.ScrubOutput(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("marking delivery: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking delivery: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkCompleted sets completed_at on every open notification of (rule, source)
// and returns how many rows changed.
func (d *DB) MarkCompleted(rule, sourceID string, at time.Time) (int64, error) {
	result, err := d.db.Exec(
		"UPDATE notifications SET completed_at = ? WHERE rule_name = ? AND source_id = ? AND completed_at IS NULL",
		at.UTC(), rule, sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking completed: %w", err)
	}
	return result.RowsAffected()
}

const selectColumns = `SELECT id, rule_name, step, service, source_id, priority, action,
	event_kind, summary, emitted_at, delivery_state, attempts, error, payload, completed_at
	FROM notifications`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (NotificationRecord, error) {
	var r NotificationRecord
	var step, summary, errStr, payload sql.NullString
	var completed sql.NullTime
	if err := s.Scan(&r.ID, &r.Rule, &step, &r.Service, &r.SourceID, &r.Priority,
		&r.Action, &r.EventKind, &summary, &r.EmittedAt, &r.DeliveryState,
		&r.Attempts, &errStr, &payload, &completed); err != nil {
		return NotificationRecord{}, err
	}
	r.Step = step.String
	r.Summary = summary.String
	r.Error = errStr.String
	r.Payload = payload.String
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// Get returns a single notification by id.
func (d *DB) Get(id string) (NotificationRecord, error) {
	r, err := scanRecord(d.db.QueryRow(selectColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return NotificationRecord{}, fmt.Errorf("getting notification: %w", err)
	}
	return r, nil
}

// GetHistory retrieves notifications matching f, newest first.
func (d *DB) GetHistory(f HistoryFilter) ([]NotificationRecord, error) {
	query := selectColumns + " WHERE 1=1"
	var args []any

	if f.Rule != "" {
		query += " AND rule_name = ?"
		args = append(args, f.Rule)
	}
	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, f.Service)
	}
	if f.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, f.SourceID)
	}
	if f.State != "" {
		query += " AND delivery_state = ?"
		args = append(args, f.State)
	}

	query += " ORDER BY emitted_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []NotificationRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup removes notifications older than the specified number of days.
func (d *DB) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := d.db.Exec(
		"DELETE FROM notifications WHERE emitted_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up history: %w", err)
	}
	return result.RowsAffected()
}
