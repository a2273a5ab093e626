package tools

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AuditEntry records one confirmed WRITE invocation. Entries are only
// ever appended.
type AuditEntry struct {
	ID            string
	Tool          string
	Args          map[string]interface{}
	ConfirmedBy   string
	ResultSummary string
	CreatedAt     time.Time
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	tool TEXT NOT NULL,
	args TEXT NOT NULL DEFAULT '{}',
	confirmed_by TEXT NOT NULL DEFAULT '',
	result_summary TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
`

// AuditLog is the sqlite-backed append-only record of confirmed writes.
type AuditLog struct {
	db *sql.DB
}

func OpenAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "audit.db"))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

func (a *AuditLog) Append(entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	args := "{}"
	if len(entry.Args) > 0 {
		// Logged args are already redacted by the registry.
		if data, err := json.Marshal(entry.Args); err == nil {
			args = string(data)
		}
	}

	_, err := a.db.Exec(
		`INSERT INTO audit_log (id, tool, args, confirmed_by, result_summary, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Tool, args, entry.ConfirmedBy, entry.ResultSummary, entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first, up to limit.
func (a *AuditLog) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(
		`SELECT id, tool, args, confirmed_by, result_summary, created_at FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry     AuditEntry
			args      string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.Tool, &args, &entry.ConfirmedBy, &entry.ResultSummary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		_ = json.Unmarshal([]byte(args), &entry.Args)
		entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (a *AuditLog) Count() (int, error) {
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

func (a *AuditLog) Close() error {
	return a.db.Close()
}
