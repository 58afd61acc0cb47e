// Package toolevents persists tool call/result events to SQLite for
// audit and replay. The store is optional; the runtime emits the same
// information on its event stream and a Listener bridges the two.
package toolevents

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/tandem/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	tool_use_id TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	stage       TEXT NOT NULL,
	is_error    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_events_run ON tool_events(run_id);
`

// Stage labels a recorded event.
type Stage string

const (
	StageStarted  Stage = "started"
	StageFinished Stage = "finished"
	StageSkipped  Stage = "skipped"
)

// Event is one persisted tool event.
type Event struct {
	ID        int64
	RunID     string
	ToolUseID string
	ToolName  string
	Stage     Stage
	IsError   bool
	CreatedAt time.Time
}

// Store is a SQLite-backed tool event log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("toolevents: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("toolevents: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one event.
func (s *Store) Record(ctx context.Context, runID, toolUseID, toolName string, stage Stage, isError bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_events (run_id, tool_use_id, tool_name, stage, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, toolUseID, toolName, string(stage), boolToInt(isError), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("toolevents: record: %w", err)
	}
	return nil
}

// ListByRun returns the events for a run in insertion order.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tool_use_id, tool_name, stage, is_error, created_at
		FROM tool_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("toolevents: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var stage string
		var isError int
		if err := rows.Scan(&e.ID, &e.RunID, &e.ToolUseID, &e.ToolName, &stage, &isError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Stage = Stage(stage)
		e.IsError = isError != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Listener bridges the runtime's event stream into the store. Recording
// failures are dropped; auditing must never fail a run.
func (s *Store) Listener() func(models.AgentEvent) {
	return func(e models.AgentEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		switch e.Type {
		case models.EventToolExecutionStart:
			_ = s.Record(ctx, e.RunID, e.ToolUseID, e.ToolName, StageStarted, false)
		case models.EventToolExecutionEnd:
			_ = s.Record(ctx, e.RunID, e.ToolUseID, e.ToolName, StageFinished, e.IsError)
		case models.EventToolSkipped:
			_ = s.Record(ctx, e.RunID, e.ToolUseID, e.ToolName, StageSkipped, false)
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
