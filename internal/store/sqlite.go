package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arcov/conclave/internal/execution"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT DEFAULT '',
		parent_execution_id TEXT DEFAULT '',
		input TEXT NOT NULL,
		output TEXT DEFAULT '',
		status TEXT NOT NULL,
		step_count INTEGER DEFAULT 0,
		max_steps INTEGER DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active
		ON executions(agent_id, user_id, session_id)
		WHERE status = 'executing' AND parent_execution_id = '';

	CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		session_id TEXT DEFAULT '',
		query TEXT NOT NULL,
		answer TEXT DEFAULT '',
		sources TEXT DEFAULT '[]',
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution record. A unique-constraint
// violation on the active index is returned as *ConflictError.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	meta, err := json.Marshal(exec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, agent_id, user_id, session_id, parent_execution_id, input, output,
			 status, step_count, max_steps, metadata, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.AgentID, exec.UserID, exec.SessionID, exec.ParentExecutionID,
		exec.Input, exec.Output, string(exec.Status), exec.StepCount, exec.MaxSteps,
		string(meta), exec.CreatedAt, exec.StartedAt, exec.CompletedAt)
	if err != nil {
		return s.mapConflict(ctx, exec, err)
	}
	return nil
}

// UpdateExecution writes the current state of an execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *execution.Execution) error {
	meta, err := json.Marshal(exec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE executions SET
			output = ?, status = ?, step_count = ?, metadata = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		exec.Output, string(exec.Status), exec.StepCount, string(meta),
		exec.StartedAt, exec.CompletedAt, exec.ID)
	if err != nil {
		return s.mapConflict(ctx, exec, err)
	}
	return nil
}

// mapConflict converts a unique-constraint violation on the active-execution
// index into a typed ConflictError carrying the blocking execution's id.
func (s *SQLiteStore) mapConflict(ctx context.Context, exec *execution.Execution, err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return err
	}

	conflict := &ConflictError{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM executions
		WHERE agent_id = ? AND user_id = ? AND session_id = ? AND status = 'executing'
		  AND parent_execution_id = '' AND id != ?`,
		exec.AgentID, exec.UserID, exec.SessionID, exec.ID)
	_ = row.Scan(&conflict.ActiveID)
	return conflict
}

// GetExecution loads one execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id)
	return scanExecution(row)
}

// ListChildren returns all executions spawned under the given parent.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]*execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx, selectExecution+` WHERE parent_execution_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*execution.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// FindActiveExecution returns the non-terminal execution for the key, or nil.
func (s *SQLiteStore) FindActiveExecution(ctx context.Context, agentID, userID, sessionID string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+`
		WHERE agent_id = ? AND user_id = ? AND session_id = ? AND parent_execution_id = ''
		  AND status IN ('pending', 'executing', 'awaiting_synthesis')
		ORDER BY created_at DESC LIMIT 1`,
		agentID, userID, sessionID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

// CreateInteraction inserts a new interaction record.
func (s *SQLiteStore) CreateInteraction(ctx context.Context, in *Interaction) error {
	sources, err := json.Marshal(in.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, agent_id, session_id, query, answer, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.AgentID, in.SessionID, in.Query, in.Answer, string(sources), in.CreatedAt)
	return err
}

// AttachSources replaces the reconciled source set on an interaction.
func (s *SQLiteStore) AttachSources(ctx context.Context, interactionID string, sources []execution.SourceLink) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE interactions SET sources = ? WHERE id = ?`, string(data), interactionID)
	return err
}

// RecentInteractions loads the newest limit interactions for the key and
// returns them oldest first.
func (s *SQLiteStore) RecentInteractions(ctx context.Context, agentID, userID, sessionID string, limit int) ([]*Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, session_id, query, answer, sources, created_at
		FROM interactions
		WHERE agent_id = ? AND user_id = ? AND session_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		agentID, userID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		var in Interaction
		var sources string
		if err := rows.Scan(&in.ID, &in.UserID, &in.AgentID, &in.SessionID,
			&in.Query, &in.Answer, &sources, &in.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sources), &in.Sources); err != nil {
			return nil, fmt.Errorf("unmarshal sources: %w", err)
		}
		out = append(out, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; flip to conversation order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

const selectExecution = `
	SELECT id, agent_id, user_id, session_id, parent_execution_id, input, output,
	       status, step_count, max_steps, metadata, created_at, started_at, completed_at
	FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*execution.Execution, error) {
	var exec execution.Execution
	var status, meta string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&exec.ID, &exec.AgentID, &exec.UserID, &exec.SessionID,
		&exec.ParentExecutionID, &exec.Input, &exec.Output, &status,
		&exec.StepCount, &exec.MaxSteps, &meta, &exec.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	exec.Status = execution.Status(status)
	if err := json.Unmarshal([]byte(meta), &exec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}
