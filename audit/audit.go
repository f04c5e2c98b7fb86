// Package audit persists a trail of agent activity. Every message an
// agent processes, and every notable action it takes, lands here as one
// event row.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event is one audited agent action.
type Event struct {
	ID          string         `json:"id"`
	AgentType   string         `json:"agent_type"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Recorder accepts audit events. Agents depend on this rather than the
// concrete store so tests can capture events in memory.
type Recorder interface {
	Record(ctx context.Context, ev *Event) error
}

// Filter narrows a Recent query.
type Filter struct {
	AgentType string
	EventType string
	Status    string
	Limit     int
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	agent_type  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	input       TEXT NOT NULL DEFAULT '{}',
	output      TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_events(agent_type, created_at);
`

// SQLiteStore persists audit events in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the audit table exists. The caller is responsible for calling
// Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Record persists an event, assigning its ID and CreatedAt if unset.
func (s *SQLiteStore) Record(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = StatusSuccess
	}

	input, _ := json.Marshal(orEmpty(ev.Input))
	output, _ := json.Marshal(orEmpty(ev.Output))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, agent_type, event_type, description, status, input, output, error, duration_ms, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.AgentType, ev.EventType, ev.Description, ev.Status,
		string(input), string(output), ev.Error, ev.DurationMS, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns events matching the filter, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, filter Filter) ([]*Event, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, agent_type, event_type, description, status, input, output, error, duration_ms, created_at
		FROM audit_events WHERE 1=1`)
	args := []any{}

	if filter.AgentType != "" {
		q.WriteString(" AND agent_type=?")
		args = append(args, filter.AgentType)
	}
	if filter.EventType != "" {
		q.WriteString(" AND event_type=?")
		args = append(args, filter.EventType)
	}
	if filter.Status != "" {
		q.WriteString(" AND status=?")
		args = append(args, filter.Status)
	}
	q.WriteString(" ORDER BY created_at DESC")
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q.WriteString(fmt.Sprintf(" LIMIT %d", limit))

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var inputJSON, outputJSON string
		if err := rows.Scan(
			&ev.ID, &ev.AgentType, &ev.EventType, &ev.Description, &ev.Status,
			&inputJSON, &outputJSON, &ev.Error, &ev.DurationMS, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(inputJSON), &ev.Input)
		_ = json.Unmarshal([]byte(outputJSON), &ev.Output)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
