package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists the machine's record. Load returns nil (no error) when
// nothing has been persisted yet.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

const lifecycleSchema = `
CREATE TABLE IF NOT EXISTS lifecycle (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	current_state TEXT NOT NULL,
	transitions   TEXT NOT NULL DEFAULT '[]',
	gates         TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
`

// SQLiteStore persists the machine's record as a single row, rewritten
// transactionally on each save.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the lifecycle table exists. The caller is responsible for
// calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(lifecycleSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Load reads the persisted record, or returns nil if none exists.
func (s *SQLiteStore) Load(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT current_state, transitions, gates FROM lifecycle WHERE id = 1`)

	var state, transitionsJSON, gatesJSON string
	err := row.Scan(&state, &transitionsJSON, &gatesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lifecycle row: %w", err)
	}

	rec := &Record{CurrentState: Phase(state)}
	if err := json.Unmarshal([]byte(transitionsJSON), &rec.Transitions); err != nil {
		return nil, fmt.Errorf("decode transitions: %w", err)
	}
	if err := json.Unmarshal([]byte(gatesJSON), &rec.Gates); err != nil {
		return nil, fmt.Errorf("decode gates: %w", err)
	}
	return rec, nil
}

// Save writes the record, replacing any previous one.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	transitions, err := json.Marshal(rec.Transitions)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}
	gates, err := json.Marshal(rec.Gates)
	if err != nil {
		return fmt.Errorf("encode gates: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lifecycle (id, current_state, transitions, gates, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_state = excluded.current_state,
			transitions   = excluded.transitions,
			gates         = excluded.gates,
			updated_at    = excluded.updated_at`,
		string(rec.CurrentState), string(transitions), string(gates), now, now,
	)
	if err != nil {
		return fmt.Errorf("write lifecycle row: %w", err)
	}
	return nil
}

// MemoryStore keeps the record in memory; it backs tests and ephemeral
// runs.
type MemoryStore struct {
	rec  *Record
	fail error // when set, Save returns this error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(ctx context.Context) (*Record, error) {
	if s.rec == nil {
		return nil, nil
	}
	return cloneRecord(s.rec)
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	if s.fail != nil {
		return s.fail
	}
	clone, err := cloneRecord(rec)
	if err != nil {
		return err
	}
	s.rec = clone
	return nil
}

func cloneRecord(rec *Record) (*Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var clone Record
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
