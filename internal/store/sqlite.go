package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"autoforge/internal/model"
)

// SQLiteStore shells out to the sqlite3 CLI so the binary has no cgo
// dependency. All writes are single statements or small scripts.
type SQLiteStore struct {
	DBPath     string
	SQLitePath string
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".autoforge/autoforge.db"
	}
	return &SQLiteStore{
		DBPath:     dbPath,
		SQLitePath: "sqlite3",
	}
}

func (s *SQLiteStore) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  origin TEXT NOT NULL,
  payload_id TEXT NOT NULL DEFAULT '',
  branch TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  verdict_json TEXT NOT NULL DEFAULT '',
  error_text TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_branches (
  branch TEXT PRIMARY KEY,
  processed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS notify_outbox (
  message_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  sent_at TEXT NOT NULL DEFAULT ''
);`

	return s.execSQL(schema)
}

func (s *SQLiteStore) CreateRun(record model.RunRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT INTO runs (run_id, origin, payload_id, branch, status, summary, verdict_json, error_text, created_at, updated_at)
VALUES (%s, %s, %s, %s, %s, '', '', '', %s, %s);`,
		quote(record.RunID), quote(string(record.Origin)), quote(record.PayloadID),
		quote(record.Branch), quote(string(record.Status)), quote(now), quote(now),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpdateRunBranch(runID string, branch string) error {
	sql := fmt.Sprintf(
		`UPDATE runs SET branch=%s, updated_at=%s WHERE run_id=%s;`,
		quote(branch), quote(time.Now().UTC().Format(time.RFC3339)), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) FinishRun(runID string, status model.RunStatus, summary string, verdictJSON string, errorText string) error {
	sql := fmt.Sprintf(
		`UPDATE runs
SET status=%s, summary=%s, verdict_json=%s, error_text=%s, updated_at=%s
WHERE run_id=%s;`,
		quote(string(status)), quote(summary), quote(verdictJSON), quote(errorText),
		quote(time.Now().UTC().Format(time.RFC3339)), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListRuns(limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.queryJSON(fmt.Sprintf(
		`SELECT run_id, origin, payload_id, branch, status, summary, verdict_json, error_text, created_at, updated_at
FROM runs ORDER BY created_at DESC LIMIT %d;`, limit,
	))
	if err != nil {
		return nil, err
	}
	out := make([]model.RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.RunRecord{
			RunID:       asString(row["run_id"]),
			Origin:      model.TriggerOrigin(asString(row["origin"])),
			PayloadID:   asString(row["payload_id"]),
			Branch:      asString(row["branch"]),
			Status:      model.RunStatus(asString(row["status"])),
			Summary:     asString(row["summary"]),
			VerdictJSON: asString(row["verdict_json"]),
			ErrorText:   asString(row["error_text"]),
			CreatedAt:   asString(row["created_at"]),
			UpdatedAt:   asString(row["updated_at"]),
		})
	}
	return out, nil
}

func (s *SQLiteStore) MarkBranchProcessed(branch string) error {
	sql := fmt.Sprintf(
		`INSERT OR REPLACE INTO processed_branches (branch, processed_at) VALUES (%s, %s);`,
		quote(branch), quote(time.Now().UTC().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) IsBranchProcessed(branch string) (bool, error) {
	rows, err := s.queryJSON(fmt.Sprintf(
		`SELECT branch FROM processed_branches WHERE branch=%s;`, quote(branch),
	))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *SQLiteStore) ListProcessedBranches() ([]string, error) {
	rows, err := s.queryJSON(`SELECT branch FROM processed_branches ORDER BY branch;`)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, asString(row["branch"]))
	}
	return out, nil
}

func (s *SQLiteStore) EnqueueOutbox(message model.OutboxMessage) error {
	sql := fmt.Sprintf(
		`INSERT INTO notify_outbox (message_id, run_id, kind, payload_json, status, attempts, last_error, created_at, sent_at)
VALUES (%s, %s, %s, %s, %s, 0, '', %s, '');`,
		quote(message.MessageID), quote(message.RunID), quote(string(message.Kind)),
		quote(message.PayloadJSON), quote(string(model.OutboxStatusPending)),
		quote(time.Now().UTC().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListOutboxByStatus(status model.OutboxStatus, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.queryJSON(fmt.Sprintf(
		`SELECT message_id, run_id, kind, payload_json, status, attempts, last_error, created_at, sent_at
FROM notify_outbox WHERE status=%s ORDER BY created_at ASC LIMIT %d;`,
		quote(string(status)), limit,
	))
	if err != nil {
		return nil, err
	}
	out := make([]model.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, parseOutboxRow(row))
	}
	return out, nil
}

func (s *SQLiteStore) MarkOutboxSent(messageID string) error {
	sql := fmt.Sprintf(
		`UPDATE notify_outbox
SET status=%s, sent_at=%s, last_error=''
WHERE message_id=%s;`,
		quote(string(model.OutboxStatusSent)),
		quote(time.Now().UTC().Format(time.RFC3339)),
		quote(messageID),
	)
	return s.execSQL(sql)
}

// MarkOutboxFailed records a delivery failure; once attempts reaches
// maxAttempts the message stops being retried.
func (s *SQLiteStore) MarkOutboxFailed(messageID string, attemptError string, maxAttempts int) error {
	sql := fmt.Sprintf(
		`UPDATE notify_outbox
SET attempts=attempts+1,
    last_error=%s,
    status=CASE WHEN attempts+1 >= %d THEN %s ELSE %s END
WHERE message_id=%s;`,
		quote(attemptError),
		maxAttempts,
		quote(string(model.OutboxStatusFailed)),
		quote(string(model.OutboxStatusPending)),
		quote(messageID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) OutboxStats() (model.OutboxStats, error) {
	rows, err := s.queryJSON(`SELECT status, COUNT(*) AS n FROM notify_outbox GROUP BY status;`)
	if err != nil {
		return model.OutboxStats{}, err
	}
	stats := model.OutboxStats{}
	for _, row := range rows {
		count := asInt(row["n"])
		switch model.OutboxStatus(asString(row["status"])) {
		case model.OutboxStatusPending:
			stats.PendingCount = count
		case model.OutboxStatusSent:
			stats.SentCount = count
		case model.OutboxStatusFailed:
			stats.FailedCount = count
		}
	}
	return stats, nil
}

func parseOutboxRow(row map[string]any) model.OutboxMessage {
	return model.OutboxMessage{
		MessageID:   asString(row["message_id"]),
		RunID:       asString(row["run_id"]),
		Kind:        model.OutcomeKind(asString(row["kind"])),
		PayloadJSON: asString(row["payload_json"]),
		Status:      model.OutboxStatus(asString(row["status"])),
		Attempts:    asInt(row["attempts"]),
		LastError:   asString(row["last_error"]),
		CreatedAt:   asString(row["created_at"]),
		SentAt:      asString(row["sent_at"]),
	}
}

func (s *SQLiteStore) execSQL(sql string) error {
	cmd := exec.Command(s.SQLitePath, s.DBPath, sql)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sqlite exec failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *SQLiteStore) queryJSON(sql string) ([]map[string]any, error) {
	cmd := exec.Command(s.SQLitePath, "-json", s.DBPath, sql)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return []map[string]any{}, nil
	}
	rows := []map[string]any{}
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return nil, fmt.Errorf("parse sqlite json output: %w", err)
	}
	return rows, nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	return "'" + s + "'"
}

func asString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		if typed {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch typed := v.(type) {
	case float64:
		return int(typed)
	case string:
		n, _ := strconv.Atoi(typed)
		return n
	case int:
		return typed
	default:
		return 0
	}
}
