package memory

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
)

// durableStore persists the user tier: a sqlite sidecar for structured
// reads plus an append-only JSONL backup log. The log is written first,
// so a crash between log append and sqlite insert loses nothing; Load
// replays log entries the sidecar missed.
type durableStore struct {
	db      *sql.DB
	logPath string
	logFile *os.File
	mu      sync.Mutex
}

type logEntry struct {
	Op     string  `json:"op"`
	Record *Record `json:"record,omitempty"`
	ID     string  `json:"id,omitempty"`
}

const durableSchema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	kind TEXT NOT NULL,
	session_key TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
`

func openDurableStore(dir string) (*durableStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	dbPath := filepath.Join(dir, "memory.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec(durableSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}

	logPath := filepath.Join(dir, "backup.jsonl")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open backup log: %w", err)
	}

	return &durableStore{db: db, logPath: logPath, logFile: logFile}, nil
}

// AppendBackup writes the entry to the backup log and syncs before
// returning. Callers must not acknowledge a write until this succeeds.
func (s *durableStore) AppendBackup(entry logEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal backup entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.logFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append backup log: %w", err)
	}
	return s.logFile.Sync()
}

func (s *durableStore) Persist(rec Record) error {
	meta := "{}"
	if len(rec.Metadata) > 0 {
		if data, err := json.Marshal(rec.Metadata); err == nil {
			meta = string(data)
		}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO records (id, tier, kind, session_key, text, metadata, created_at, deleted) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Tier), string(rec.Kind), rec.SessionKey, rec.Text, meta, rec.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"), boolToInt(rec.Deleted),
	)
	if err != nil {
		return fmt.Errorf("persist record: %w", err)
	}
	return nil
}

func (s *durableStore) MarkDeleted(id string) error {
	_, err := s.db.Exec(`UPDATE records SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark record deleted: %w", err)
	}
	return nil
}

// Load reads all records from the sidecar, then replays backup-log
// entries the sidecar does not have yet.
func (s *durableStore) Load() ([]Record, error) {
	records := map[string]Record{}

	rows, err := s.db.Query(`SELECT id, tier, kind, session_key, text, metadata, created_at, deleted FROM records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	replayed, err := s.replayLog(records)
	if err != nil {
		logger.WarnCF("memory", "backup log replay failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else if replayed > 0 {
		logger.InfoCF("memory", "recovered records from backup log", map[string]interface{}{
			"count": replayed,
		})
	}

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	return out, nil
}

// replayLog applies log entries missing from the sidecar and repairs
// the sidecar in the same pass. Corrupt lines are skipped.
func (s *durableStore) replayLog(records map[string]Record) (int, error) {
	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	replayed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		switch entry.Op {
		case "add":
			if entry.Record == nil {
				continue
			}
			if _, ok := records[entry.Record.ID]; ok {
				continue
			}
			records[entry.Record.ID] = *entry.Record
			_ = s.Persist(*entry.Record)
			replayed++
		case "delete":
			rec, ok := records[entry.ID]
			if !ok || rec.Deleted {
				continue
			}
			rec.Deleted = true
			records[entry.ID] = rec
			_ = s.MarkDeleted(entry.ID)
			replayed++
		}
	}
	return replayed, scanner.Err()
}

func (s *durableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile != nil {
		s.logFile.Close()
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		tier      string
		kind      string
		meta      string
		createdAt string
		deleted   int
	)
	if err := row.Scan(&rec.ID, &tier, &kind, &rec.SessionKey, &rec.Text, &meta, &createdAt, &deleted); err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Tier = Tier(tier)
	rec.Kind = RecordKind(kind)
	rec.Deleted = deleted != 0
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &rec.Metadata)
	}
	rec.CreatedAt = parseStoredTime(createdAt)
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
