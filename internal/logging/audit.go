package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG - structured operation records persisted to SQLite
// =============================================================================

// AuditOperation classifies the audited operation.
type AuditOperation string

const (
	AuditMigration   AuditOperation = "migration"
	AuditBackup      AuditOperation = "backup"
	AuditRestore     AuditOperation = "restore"
	AuditSync        AuditOperation = "sync"
	AuditMaintenance AuditOperation = "maintenance"
)

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

const (
	AuditStarted   AuditStatus = "started"
	AuditCompleted AuditStatus = "completed"
	AuditFailed    AuditStatus = "failed"
	AuditPartial   AuditStatus = "partial"
)

// AuditRecord is one audited operation row.
type AuditRecord struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Operation    AuditOperation `json:"operation"`
	Target       string         `json:"target"`
	Status       AuditStatus    `json:"status"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	Details      map[string]any `json:"details"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// AuditPage is a paged audit query result.
type AuditPage struct {
	Logs  []AuditRecord `json:"logs"`
	Total int64         `json:"total"`
}

// AuditLog persists audit records. Writes are serialized by an internal
// mutex; the table is insert-only.
type AuditLog struct {
	mu sync.Mutex
	db *sql.DB
}

// NewAuditLog creates the audit table if needed.
func NewAuditLog(db *sql.DB) (*AuditLog, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		operation TEXT NOT NULL,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER,
		details TEXT NOT NULL DEFAULT '{}',
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_logs(operation);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Record inserts one audit row. A zero Timestamp and empty ID are filled in.
func (a *AuditLog) Record(rec AuditRecord) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	details := "{}"
	if rec.Details != nil {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return "", fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = string(b)
	}

	var durationMs any
	if rec.DurationMs != nil {
		durationMs = *rec.DurationMs
	}
	var errMsg any
	if rec.ErrorMessage != "" {
		errMsg = rec.ErrorMessage
	}

	_, err := a.db.Exec(
		`INSERT INTO audit_logs (id, timestamp, operation, target, status, duration_ms, details, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.Format(time.RFC3339Nano), string(rec.Operation), rec.Target,
		string(rec.Status), durationMs, details, errMsg,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert audit record: %w", err)
	}
	return rec.ID, nil
}

// Query returns a page of audit records, newest first.
func (a *AuditLog) Query(limit, offset int) (*AuditPage, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int64
	if err := a.db.QueryRow("SELECT COUNT(*) FROM audit_logs").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	rows, err := a.db.Query(
		`SELECT id, timestamp, operation, target, status, duration_ms, details, error_message
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	page := &AuditPage{Total: total}
	for rows.Next() {
		var rec AuditRecord
		var ts, details string
		var durationMs sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &rec.Operation, &rec.Target, &rec.Status, &durationMs, &details, &errMsg); err != nil {
			return nil, err
		}
		parsed, perr := time.Parse(time.RFC3339Nano, ts)
		if perr != nil {
			Get(CategoryBoot).Warn("audit record %s has unparseable timestamp %q", rec.ID, ts)
			parsed = time.Unix(0, 0).UTC()
		}
		rec.Timestamp = parsed
		if durationMs.Valid {
			v := durationMs.Int64
			rec.DurationMs = &v
		}
		if errMsg.Valid {
			rec.ErrorMessage = errMsg.String
		}
		if details != "" {
			_ = json.Unmarshal([]byte(details), &rec.Details)
		}
		page.Logs = append(page.Logs, rec)
	}
	return page, rows.Err()
}
